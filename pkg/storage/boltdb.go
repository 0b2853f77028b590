package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/marcbachmann/pg-auto-failover/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketFormations = []byte("formations")
	bucketNodes      = []byte("nodes")
	bucketEvents     = []byte("events")
)

// BoltCatalog implements Catalog using BoltDB. Nodes and events are
// keyed by their big-endian int64 id so cursor iteration yields them in
// id order; ids come from the bucket sequence.
type BoltCatalog struct {
	db *bolt.DB
}

// NewBoltCatalog opens (or creates) the catalog database in dataDir.
func NewBoltCatalog(dataDir string) (*BoltCatalog, error) {
	dbPath := filepath.Join(dataDir, "monitor.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketFormations, bucketNodes, bucketEvents}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltCatalog{db: db}, nil
}

// Close closes the database.
func (c *BoltCatalog) Close() error {
	return c.db.Close()
}

// View runs fn in a read-only transaction.
func (c *BoltCatalog) View(fn func(tx Txn) error) error {
	return c.db.View(func(btx *bolt.Tx) error {
		return fn(&boltTxn{tx: btx})
	})
}

// Update runs fn in a writable transaction. BoltDB admits a single
// writer at a time, so the FSM always sees a serializable snapshot.
func (c *BoltCatalog) Update(fn func(tx Txn) error) error {
	return c.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTxn{tx: btx})
	})
}

type boltTxn struct {
	tx *bolt.Tx
}

func int64Key(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// Formation operations

func (t *boltTxn) GetFormation(formationID string) (*types.Formation, error) {
	b := t.tx.Bucket(bucketFormations)
	data := b.Get([]byte(formationID))
	if data == nil {
		return nil, fmt.Errorf("formation %q: %w", formationID, types.ErrNotFound)
	}
	var formation types.Formation
	if err := json.Unmarshal(data, &formation); err != nil {
		return nil, err
	}
	return &formation, nil
}

func (t *boltTxn) PutFormation(formation *types.Formation) error {
	data, err := json.Marshal(formation)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketFormations).Put([]byte(formation.ID), data)
}

func (t *boltTxn) DeleteFormation(formationID string) error {
	return t.tx.Bucket(bucketFormations).Delete([]byte(formationID))
}

// Node operations

func (t *boltTxn) NextNodeID() (int64, error) {
	seq, err := t.tx.Bucket(bucketNodes).NextSequence()
	if err != nil {
		return 0, err
	}
	return int64(seq), nil
}

func (t *boltTxn) GetNode(nodeID int64) (*types.Node, error) {
	b := t.tx.Bucket(bucketNodes)
	data := b.Get(int64Key(nodeID))
	if data == nil {
		return nil, fmt.Errorf("node %d: %w", nodeID, types.ErrNotFound)
	}
	var node types.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (t *boltTxn) PutNode(node *types.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketNodes).Put(int64Key(node.ID), data)
}

func (t *boltTxn) DeleteNode(nodeID int64) error {
	return t.tx.Bucket(bucketNodes).Delete(int64Key(nodeID))
}

func (t *boltTxn) ListNodes(formationID string, groupID int) ([]*types.Node, error) {
	var nodes []*types.Node
	c := t.tx.Bucket(bucketNodes).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var node types.Node
		if err := json.Unmarshal(v, &node); err != nil {
			return nil, err
		}
		if node.FormationID == formationID && node.GroupID == groupID {
			nodes = append(nodes, &node)
		}
	}
	return nodes, nil
}

func (t *boltTxn) AllNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	c := t.tx.Bucket(bucketNodes).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var node types.Node
		if err := json.Unmarshal(v, &node); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

func (t *boltTxn) OtherNodes(node *types.Node) ([]*types.Node, error) {
	nodes, err := t.ListNodes(node.FormationID, node.GroupID)
	if err != nil {
		return nil, err
	}
	var others []*types.Node
	for _, peer := range nodes {
		if peer.ID != node.ID {
			others = append(others, peer)
		}
	}
	return others, nil
}

func (t *boltTxn) PrimaryNode(formationID string, groupID int) (*types.Node, error) {
	nodes, err := t.ListNodes(formationID, groupID)
	if err != nil {
		return nil, err
	}
	var primary *types.Node
	for _, node := range nodes {
		if !node.GoalState.IsPrimaryRole() {
			continue
		}
		if primary != nil {
			return nil, fmt.Errorf(
				"group %s/%d has two nodes in a primary-role state (%d and %d): %w",
				formationID, groupID, primary.ID, node.ID, types.ErrInvalidState)
		}
		primary = node
	}
	return primary, nil
}

// Event operations

func (t *boltTxn) AppendEvent(event *types.Event) error {
	b := t.tx.Bucket(bucketEvents)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	event.ID = int64(seq)

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.Put(int64Key(event.ID), data)
}

func (t *boltTxn) ListEvents(formationID string, limit int) ([]*types.Event, error) {
	var events []*types.Event
	c := t.tx.Bucket(bucketEvents).Cursor()
	for k, v := c.Last(); k != nil && (limit <= 0 || len(events) < limit); k, v = c.Prev() {
		var event types.Event
		if err := json.Unmarshal(v, &event); err != nil {
			return nil, err
		}
		if formationID == "" || event.FormationID == formationID {
			events = append(events, &event)
		}
	}
	return events, nil
}

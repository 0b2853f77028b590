package storage

import (
	"github.com/marcbachmann/pg-auto-failover/pkg/types"
)

// Catalog is the monitor's transactional store. Every agent-facing
// operation runs inside a single Update transaction so the FSM sees a
// consistent snapshot of the group and commits all-or-nothing.
type Catalog interface {
	// View runs fn in a read-only transaction.
	View(fn func(tx Txn) error) error

	// Update runs fn in a writable transaction. The catalog serializes
	// writers; fn either commits completely or not at all.
	Update(fn func(tx Txn) error) error

	Close() error
}

// Txn exposes the catalog operations available inside a transaction.
type Txn interface {
	// Formations
	GetFormation(formationID string) (*types.Formation, error)
	PutFormation(formation *types.Formation) error
	DeleteFormation(formationID string) error

	// Nodes
	NextNodeID() (int64, error)
	GetNode(nodeID int64) (*types.Node, error)
	PutNode(node *types.Node) error
	DeleteNode(nodeID int64) error

	// ListNodes returns the nodes of a group ordered by node_id.
	ListNodes(formationID string, groupID int) ([]*types.Node, error)

	// AllNodes returns every registered node ordered by node_id.
	AllNodes() ([]*types.Node, error)

	// OtherNodes returns the node's group peers, ordered by node_id.
	OtherNodes(node *types.Node) ([]*types.Node, error)

	// PrimaryNode returns the unique node of the group whose goal state
	// is a primary-role state, or nil when the group has none.
	PrimaryNode(formationID string, groupID int) (*types.Node, error)

	// Events
	AppendEvent(event *types.Event) error
	ListEvents(formationID string, limit int) ([]*types.Event, error)
}

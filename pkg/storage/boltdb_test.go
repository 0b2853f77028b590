package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/marcbachmann/pg-auto-failover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *BoltCatalog {
	t.Helper()
	catalog, err := NewBoltCatalog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })
	return catalog
}

func addNode(t *testing.T, catalog *BoltCatalog, formation string, group int, name string, goal types.ReplicationState) *types.Node {
	t.Helper()
	var node *types.Node
	err := catalog.Update(func(tx Txn) error {
		id, err := tx.NextNodeID()
		if err != nil {
			return err
		}
		node = &types.Node{
			ID:            id,
			FormationID:   formation,
			GroupID:       group,
			Name:          name,
			Host:          "10.0.0.1",
			Port:          5432,
			ReportedState: types.ReplicationStateInit,
			GoalState:     goal,
			Health:        types.NodeHealthUnknown,
			SyncState:     types.SyncStateUnknown,
		}
		return tx.PutNode(node)
	})
	require.NoError(t, err)
	return node
}

func TestFormationRoundTrip(t *testing.T) {
	catalog := newTestCatalog(t)

	err := catalog.Update(func(tx Txn) error {
		return tx.PutFormation(&types.Formation{
			ID:                 "default",
			Kind:               types.FormationKindStandalone,
			NumberSyncStandbys: 1,
			CreatedAt:          time.Now(),
		})
	})
	require.NoError(t, err)

	err = catalog.View(func(tx Txn) error {
		formation, err := tx.GetFormation("default")
		require.NoError(t, err)
		assert.Equal(t, types.FormationKindStandalone, formation.Kind)
		assert.Equal(t, 1, formation.NumberSyncStandbys)

		_, err = tx.GetFormation("missing")
		assert.True(t, errors.Is(err, types.ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func TestNodeIDAllocationIsMonotonic(t *testing.T) {
	catalog := newTestCatalog(t)

	a := addNode(t, catalog, "default", 0, "node-a", types.ReplicationStateSingle)
	b := addNode(t, catalog, "default", 0, "node-b", types.ReplicationStateWaitStandby)
	c := addNode(t, catalog, "default", 1, "node-c", types.ReplicationStateSingle)

	assert.Less(t, a.ID, b.ID)
	assert.Less(t, b.ID, c.ID)
}

func TestListNodesOrderedByID(t *testing.T) {
	catalog := newTestCatalog(t)

	addNode(t, catalog, "default", 0, "node-a", types.ReplicationStateSingle)
	addNode(t, catalog, "other", 0, "node-x", types.ReplicationStateSingle)
	addNode(t, catalog, "default", 0, "node-b", types.ReplicationStateWaitStandby)
	addNode(t, catalog, "default", 1, "node-c", types.ReplicationStateSingle)

	err := catalog.View(func(tx Txn) error {
		nodes, err := tx.ListNodes("default", 0)
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		assert.Equal(t, "node-a", nodes[0].Name)
		assert.Equal(t, "node-b", nodes[1].Name)
		assert.Less(t, nodes[0].ID, nodes[1].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestOtherNodes(t *testing.T) {
	catalog := newTestCatalog(t)

	a := addNode(t, catalog, "default", 0, "node-a", types.ReplicationStateSingle)
	addNode(t, catalog, "default", 0, "node-b", types.ReplicationStateWaitStandby)
	addNode(t, catalog, "default", 0, "node-c", types.ReplicationStateWaitStandby)

	err := catalog.View(func(tx Txn) error {
		others, err := tx.OtherNodes(a)
		require.NoError(t, err)
		require.Len(t, others, 2)
		for _, peer := range others {
			assert.NotEqual(t, a.ID, peer.ID)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPrimaryNode(t *testing.T) {
	catalog := newTestCatalog(t)

	t.Run("no primary", func(t *testing.T) {
		err := catalog.View(func(tx Txn) error {
			primary, err := tx.PrimaryNode("default", 0)
			require.NoError(t, err)
			assert.Nil(t, primary)
			return nil
		})
		require.NoError(t, err)
	})

	primary := addNode(t, catalog, "default", 0, "node-a", types.ReplicationStatePrimary)
	addNode(t, catalog, "default", 0, "node-b", types.ReplicationStateSecondary)

	t.Run("unique primary", func(t *testing.T) {
		err := catalog.View(func(tx Txn) error {
			found, err := tx.PrimaryNode("default", 0)
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, primary.ID, found.ID)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("two primaries is invalid state", func(t *testing.T) {
		addNode(t, catalog, "default", 0, "node-c", types.ReplicationStateWaitPrimary)
		err := catalog.View(func(tx Txn) error {
			_, err := tx.PrimaryNode("default", 0)
			assert.True(t, errors.Is(err, types.ErrInvalidState))
			return nil
		})
		require.NoError(t, err)
	})
}

func TestDeleteNode(t *testing.T) {
	catalog := newTestCatalog(t)
	node := addNode(t, catalog, "default", 0, "node-a", types.ReplicationStateSingle)

	err := catalog.Update(func(tx Txn) error {
		return tx.DeleteNode(node.ID)
	})
	require.NoError(t, err)

	err = catalog.View(func(tx Txn) error {
		_, err := tx.GetNode(node.ID)
		assert.True(t, errors.Is(err, types.ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func TestEventsAppendOnlyOrdering(t *testing.T) {
	catalog := newTestCatalog(t)

	err := catalog.Update(func(tx Txn) error {
		for i, desc := range []string{"first", "second", "third"} {
			event := &types.Event{
				Time:        time.Now(),
				FormationID: "default",
				NodeID:      int64(i + 1),
				Description: desc,
			}
			if err := tx.AppendEvent(event); err != nil {
				return err
			}
			assert.Equal(t, int64(i+1), event.ID)
		}
		return nil
	})
	require.NoError(t, err)

	err = catalog.View(func(tx Txn) error {
		events, err := tx.ListEvents("default", 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		// most recent first
		assert.Equal(t, "third", events[0].Description)
		assert.Equal(t, "second", events[1].Description)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	catalog := newTestCatalog(t)

	boom := errors.New("boom")
	err := catalog.Update(func(tx Txn) error {
		if err := tx.PutFormation(&types.Formation{ID: "default"}); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	err = catalog.View(func(tx Txn) error {
		_, err := tx.GetFormation("default")
		assert.True(t, errors.Is(err, types.ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

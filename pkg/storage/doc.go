/*
Package storage persists the monitor's catalog: formations, nodes and
the append-only events table.

# Layout

The BoltDB backend keeps one bucket per entity, JSON-encoded values:

	formations   key: formation_id (string)
	nodes        key: node_id, big-endian int64
	events       key: event_id, big-endian int64, append-only

Big-endian integer keys make cursor iteration return rows in id order,
which is the ordering contract of ListNodes and the reason node ids
come from the bucket sequence: NextNodeID and AppendEvent both allocate
monotonically increasing ids with no extra counter row.

# Transaction model

The catalog is the only shared state between agent calls; nothing is
cached in memory across transactions. Callers get explicit transaction
scopes:

	err := catalog.Update(func(tx storage.Txn) error {
		node, err := tx.GetNode(7)
		if err != nil {
			return err
		}
		node.GoalState = types.ReplicationStateCatchingup
		return tx.PutNode(node)
	})

BoltDB admits a single writer at a time, so every Update sees a
serializable snapshot and commits all-or-nothing: returning an error
from the closure rolls the whole transaction back. View runs read-only
and may proceed concurrently with a writer.

The conflict error class in the shared taxonomy exists for agents and
alternative backends; this backend cannot produce write-write conflicts
because writers are fully serialized.

# Queries

Beyond per-row CRUD, Txn carries the group-level queries the state
machine needs:

	ListNodes    nodes of one formation/group, id-ordered
	AllNodes     every node, id-ordered (health prober sweep)
	OtherNodes   a node's group peers
	PrimaryNode  the unique node with a primary-role goal state;
	             nil when the group has none, invalid-state when
	             two claim the role
	ListEvents   most recent events first, optional formation filter

# Failure modes

Opening the database takes an exclusive file lock; a second monitor
process pointed at the same data directory fails at startup rather than
corrupting state. Unknown ids surface the shared not-found error so API
handlers can map them without string matching.

# See Also

  - pkg/types for the persisted value types and the error taxonomy
  - pkg/monitor for the transaction scopes built on this catalog
*/
package storage

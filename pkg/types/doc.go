/*
Package types defines the shared data model of the failover monitor:
formations, nodes, replication states, health verdicts, the event row
and the error taxonomy every other package maps onto.

# Model

	Formation   named container of replication groups; carries the
	            formation kind (standalone or sharded) and the
	            number_sync_standbys setting
	Node        one database instance: identity (id, name, host:port),
	            membership (formation, group), the reported/goal state
	            pair, the last reported LSN and sync state, the probe
	            verdict, candidate priority, quorum membership and the
	            report/health-check/state-change timestamps
	Event       one append-only row per goal-state assignment

A node whose reported state equals its goal state has converged; a
group where every member converged is stable.

# States

ReplicationState, SyncState, NodeHealth and FormationKind are closed
string-typed variants, so the state machine switches over them
exhaustively and the catalog stores readable values — there is no
integer-enum plus string-conversion layer in between. Role helpers
(IsPrimaryRole, IsDemoting) encode the one grouping rule everything
else relies on: a group carries at most one node in a primary-role
state.

# Errors

The taxonomy shared across storage, monitor and API:

	ErrNotFound      the referenced formation or node does not exist
	ErrConflict      lost a serialization conflict, retry with fresh
	                 reads
	ErrInvalidState  the catalog is in a logically impossible
	                 configuration; surfaced, never self-repaired
	ErrBadRequest    rejected at the API boundary

Wrap with %w and test with errors.Is; handlers map these onto status
codes without string matching.
*/
package types

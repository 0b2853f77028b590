/*
Package monitor implements the agent-facing operations of the failover
monitor: node registration, the node_active heartbeat that drives the
group state machine, replication-setting changes, operator-initiated
failover, maintenance pinning and the out-of-band health prober.

# Architecture

Each operation is one catalog transaction from snapshot to commit:

	┌──────────────────────── Monitor ────────────────────────┐
	│                                                          │
	│  NodeActive(report)                                      │
	│    │                                                     │
	│    ├─ update reported fields + report_time               │
	│    ├─ load group snapshot (formation + nodes)            │
	│    ├─ check the single-primary invariant                 │
	│    ├─ fsm.Machine.Proceed(group, active)                 │
	│    ├─ apply assignments: goal_state, state_change_time,  │
	│    │  one events-table row per assignment                │
	│    └─ commit ── then publish on "state"/"log" channels   │
	│                                                          │
	└──────────────────────────────────────────────────────────┘

The catalog serializes writers, so the state machine always evaluates a
consistent snapshot and either all of a rule's effects commit or none
do. When a replica-centric rule updates two rows, the primary's row is
written first so concurrent operations lock rows in the same order; the
primary-centric sweep writes its peers' rows before the primary's.

Publication happens after commit and is best-effort: the events-table
rows written inside the transaction are the source of truth, and a full
subscriber buffer never fails an agent call.

# Operations

	RegisterNode              allocate a node id; first node of a group
	                          heads for single, later ones wait_standby;
	                          the formation is created on first use
	NodeActive                record the agent report, run the rules,
	                          return the current goal state
	RemoveNode                delete the node and re-evaluate the rest
	                          of the group in the same transaction
	SetReplicationSettings    change number_sync_standbys, drive the
	                          primary through apply_settings
	SetNodeCandidatePriority  0..100, zero means never promote
	SetNodeReplicationQuorum  include/exclude from the sync quorum
	PerformFailover           operator-initiated promotion of the best
	                          caught-up candidate
	ReportHealthCheck         record a probe verdict (good/bad)
	StartMaintenance          pin a converged standby out of the pool
	StopMaintenance           release it back to catchingup
	GetNodeState, GetNodes,
	GetFormation, ListEvents  catalog reads

# Health prober

Prober is the background worker behind ReportHealthCheck: every probe
interval it TCP-dials each registered node's host:port and records
good or bad with the probe timestamp. Probe outcomes are deliberately
a separate dimension from agent reports — a node is only treated as
failed when it stopped reporting AND the probes say bad (or its agent
itself reports the database down), so neither a dead agent nor a
network blip toward the monitor triggers a failover on its own.

# Errors

Operations fail with the shared taxonomy: not-found for unknown nodes
or formations, bad-request for validation failures, invalid-state when
the catalog is in an impossible configuration (no primary, duplicate
primaries, failover with no candidate). Nothing is mutated on error;
transactions commit all-or-nothing.

# Usage

	catalog, _ := storage.NewBoltCatalog(dataDir)
	broker := events.NewBroker()
	broker.Start()

	m := monitor.New(cfg, catalog, broker, clock.System())

	prober := monitor.NewProber(m)
	prober.Start()
	defer prober.Stop()

	resp, err := m.NodeActive(monitor.NodeActiveRequest{
		NodeID:        7,
		ReportedState: types.ReplicationStateSecondary,
		ReportedLSN:   0x2000000,
		PgIsRunning:   true,
		SyncState:     types.SyncStateSync,
	})
	// resp.GoalState is what the agent converges toward next

The monitor's construction time anchors the startup grace period: right
after a restart, report silence alone never marks a node unhealthy.

# See Also

  - pkg/fsm for the transition rules this package applies
  - pkg/storage for the transactional catalog
  - pkg/events for the notification side
  - pkg/api for the HTTP surface over these operations
*/
package monitor

/*
Package fsm implements the group failover state machine: the transition
rules that assign goal states to the nodes of a replication group, and
the two predicates that gate them — the health evaluator and the
replication-lag check.

# Architecture

The monitor never tells a node what to do directly. It assigns a goal
state, publishes the assignment, and waits for the node's agent to
converge and report back. The state machine is the only component that
assigns goal states:

	agent report ──▶ Machine.Proceed(group, active)
	                       │
	                       │  guarded-command list,
	                       │  first match wins
	                       ▼
	                 []Assignment ──▶ caller persists + notifies

Proceed is pure: it reads a snapshot of the group and the clock and
returns assignments. It performs no I/O, holds no locks, and mutates
nothing. Transactions, retries and notification all live at the call
site, which keeps every rule trivially testable against a literal
group value.

# State space

Node states and their roles:

	primary-role:  single, wait_primary, join_primary, primary,
	               apply_settings
	replica:       wait_standby, catchingup, secondary,
	               prepare_promotion, stop_replication
	demoting:      draining, demote_timeout
	demoted:       demoted
	paused:        maintenance

A group holds at most one node in a primary-role state. The nominal
lifecycle of a two-node group:

	 A: init ─▶ single ─▶ wait_primary ─▶ primary
	                 ▲         ▲             │ A fails
	                 │         │             ▼
	 B: init ─▶ wait_standby ─▶ catchingup ─▶ secondary
	                                          │
	              B: prepare_promotion ◀──────┘
	                 │
	                 ▼
	              stop_replication ─▶ wait_primary ─▶ primary
	 A: draining ─▶ demote_timeout ─▶ demoted ─▶ catchingup ...

# Rule sets

The rules form two guarded-command lists evaluated in order, first
match wins. Their guards look at different neighbors, which is why they
are not collapsed into a single table:

Replica-centric rules (the reporting node follows its primary):
  - a lone node is sent to single
  - wait_standby becomes catchingup once the primary prepared the slot
  - catchingup becomes secondary (and the primary a full primary) once
    the standby is healthy and within the sync WAL threshold
  - secondary becomes prepare_promotion (and the primary draining) when
    the primary is unhealthy, the standby is promotable, and it is the
    candidate the selection policy prefers
  - prepare_promotion advances to stop_replication, the old primary to
    demote_timeout; drain completion (converged or timed out) releases
    wait_primary/demoted; sharded worker groups short-circuit the
    demote timeout once the coordinator metadata switched
  - a demoted node rejoins as catchingup once the new primary is ready

Primary-centric rules (the reporting node sweeps its peers):
  - single/primary pick up a waiting standby (wait_primary/join_primary)
  - unhealthy converged secondaries are sent back to catchingup; when
    no failover candidate remains at all, the primary falls back to
    wait_primary and synchronous replication is disabled
  - apply_settings returns to primary once settings are applied

Assigning a node its current goal state is a no-op, so re-evaluating an
unchanged group emits nothing — rule evaluation is idempotent.

# Health model

Evaluator combines two independent dimensions: freshness of the agent's
reports and the outcome of the monitor's out-of-band probes.

	IsHealthy(n)   = probe said good AND the database is running
	IsUnhealthy(n) = database not running, OR
	                 (report silent past the unhealthy timeout AND
	                  probe said bad AND the monitor is past its
	                  startup grace period)

The two are deliberately not complements: a node with a fresh report
but an unknown probe outcome is neither, and no transition fires on it.
The startup grace period keeps a freshly restarted monitor from
declaring every node dead before the first reports arrive.

# Candidate selection

When several secondaries could take over, SelectCandidate orders them
by highest candidate priority, then smallest WAL distance to the
primary, then smallest node id. The failover rule only fires for the
preferred candidate; the others keep replicating. A candidate priority
of zero means "never promote".

# Usage

	ev := fsm.NewEvaluator(cfg, clk, startedAt)
	machine := fsm.NewMachine(cfg, clk, ev)

	group := &fsm.Group{Formation: formation, Nodes: nodes}
	assignments, err := machine.Proceed(group, active)
	if err != nil {
		return err // catalog is in an impossible configuration
	}
	for _, a := range assignments {
		// persist a.Node with a.GoalState, record a.Description
	}

When a replica-centric rule assigns two states, the primary's
assignment comes first in the returned slice so callers always lock
rows in the same order. The primary-centric sweep returns its peers'
assignments first and the primary's own last.

# Errors

Proceed fails with an invalid-state error when a node that does not
itself hold a primary-role goal state reports and the catalog
contradicts itself: two nodes holding a primary-role goal state, or no
primary and no demoting old primary for a plain replica. A reporting
node that holds a primary-role goal is not checked for a second one.
The monitor does not self-repair these; operators correct the catalog.

# See Also

  - pkg/monitor for the transactions that apply assignments
  - pkg/types for the state enumerations and role helpers
  - pkg/clock for the injected time source used by both predicates
*/
package fsm

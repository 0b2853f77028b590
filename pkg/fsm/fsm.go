package fsm

import (
	"fmt"
	"sort"

	"github.com/marcbachmann/pg-auto-failover/pkg/clock"
	"github.com/marcbachmann/pg-auto-failover/pkg/config"
	"github.com/marcbachmann/pg-auto-failover/pkg/types"
)

// Group is the FSM's view of one replication group: the formation it
// belongs to and all member nodes ordered by node id.
type Group struct {
	Formation *types.Formation
	Nodes     []*types.Node
}

// Assignment is one goal-state decision produced by rule evaluation.
// When a replica-centric rule assigns two states, the primary's
// assignment comes first so rows are always locked in the same order.
// The primary-centric sweep lists its peers' assignments before the
// primary's own.
type Assignment struct {
	Node        *types.Node
	GoalState   types.ReplicationState
	Description string
}

// Machine evaluates the group transition rules. It is pure: rule
// evaluation reads the group snapshot and the clock, performs no I/O
// and mutates nothing; applying assignments is the caller's job.
type Machine struct {
	cfg    config.Config
	clock  clock.Clock
	health *Evaluator
}

// NewMachine creates a state machine with the given tunables, clock and
// health evaluator.
func NewMachine(cfg config.Config, clk clock.Clock, health *Evaluator) *Machine {
	return &Machine{
		cfg:    cfg,
		clock:  clk,
		health: health,
	}
}

// Proceed evaluates the transition rules for the group of the active
// node, the node whose agent just reported. Rules are evaluated in
// order and the first match wins; a rule assigning the node's current
// goal state yields no assignment, so evaluation is idempotent.
func (m *Machine) Proceed(group *Group, active *types.Node) ([]Assignment, error) {
	// when there's no other node anymore, not even one
	if len(group.Nodes) == 1 && !active.IsCurrentState(types.ReplicationStateSingle) {
		return assign(nil, active, types.ReplicationStateSingle, fmt.Sprintf(
			"Setting goal state of %s:%d to single as there is no other node.",
			active.Name, active.Port)), nil
	}

	// The primary server's rules loop over every other node to take
	// decisions, so they live in a specialized function.
	if active.GoalState.IsPrimaryRole() {
		return m.proceedPrimary(group, active), nil
	}

	primary, err := m.groupPrimary(group, active)
	if err != nil {
		return nil, err
	}
	if primary == nil {
		// an old primary on its way out has nobody to talk about yet
		return nil, nil
	}

	// when primary node is ready for replication:
	//  wait_standby -> catchingup
	if active.IsCurrentState(types.ReplicationStateWaitStandby) &&
		(primary.IsCurrentState(types.ReplicationStateWaitPrimary) ||
			primary.IsCurrentState(types.ReplicationStateJoinPrimary)) {
		return assign(nil, active, types.ReplicationStateCatchingup, fmt.Sprintf(
			"Setting goal state of %s:%d to catchingup after %s:%d converged to wait_primary.",
			active.Name, active.Port, primary.Name, primary.Port)), nil
	}

	// when secondary caught up:
	//      catchingup -> secondary
	//  + wait_primary -> primary
	if active.IsCurrentState(types.ReplicationStateCatchingup) &&
		(primary.IsCurrentState(types.ReplicationStateWaitPrimary) ||
			primary.IsCurrentState(types.ReplicationStateJoinPrimary)) &&
		m.health.IsHealthy(active) &&
		WalDifferenceWithin(active, primary, m.cfg.EnableSyncXlogThreshold) {
		description := fmt.Sprintf(
			"Setting goal state of %s:%d to primary and %s:%d to secondary after %s:%d caught up.",
			primary.Name, primary.Port, active.Name, active.Port, active.Name, active.Port)
		assignments := assign(nil, primary, types.ReplicationStatePrimary, description)
		return assign(assignments, active, types.ReplicationStateSecondary, description), nil
	}

	// when primary fails:
	//   secondary -> prepare_promotion
	// +   primary -> draining
	if active.IsCurrentState(types.ReplicationStateSecondary) &&
		primary.GoalState.IsPrimaryRole() &&
		m.health.IsUnhealthy(primary) &&
		m.health.IsHealthy(active) &&
		active.CandidatePriority > 0 &&
		WalDifferenceWithin(active, primary, m.cfg.PromoteXlogThreshold) &&
		m.isPreferredCandidate(group, primary, active) {
		description := fmt.Sprintf(
			"Setting goal state of %s:%d to draining and %s:%d to prepare_promotion after %s:%d became unhealthy.",
			primary.Name, primary.Port, active.Name, active.Port, primary.Name, primary.Port)
		assignments := assign(nil, primary, types.ReplicationStateDraining, description)
		return assign(assignments, active, types.ReplicationStatePreparePromotion, description), nil
	}

	// when a sharded worker blocked writes:
	//   prepare_promotion -> wait_primary
	if active.IsCurrentState(types.ReplicationStatePreparePromotion) &&
		group.Formation.Kind.IsSharded() && active.GroupID > 0 {
		description := fmt.Sprintf(
			"Setting goal state of %s:%d to wait_primary and %s:%d to demoted after the coordinator metadata was updated.",
			active.Name, active.Port, primary.Name, primary.Port)
		assignments := assign(nil, primary, types.ReplicationStateDemoted, description)
		return assign(assignments, active, types.ReplicationStateWaitPrimary, description), nil
	}

	// when node is seeing no more writes:
	//  prepare_promotion -> stop_replication
	if active.IsCurrentState(types.ReplicationStatePreparePromotion) {
		description := fmt.Sprintf(
			"Setting goal state of %s:%d to demote_timeout and %s:%d to stop_replication after %s:%d converged to prepare_promotion.",
			primary.Name, primary.Port, active.Name, active.Port, active.Name, active.Port)
		assignments := assign(nil, primary, types.ReplicationStateDemoteTimeout, description)
		return assign(assignments, active, types.ReplicationStateStopReplication, description), nil
	}

	// when drain time expires or primary reports it's drained:
	//  stop_replication -> wait_primary
	//  + demote_timeout -> demoted
	if active.IsCurrentState(types.ReplicationStateStopReplication) &&
		(primary.IsCurrentState(types.ReplicationStateDemoteTimeout) ||
			m.isDrainTimeExpired(primary)) {
		description := fmt.Sprintf(
			"Setting goal state of %s:%d to wait_primary and %s:%d to demoted after the demote timeout expired.",
			active.Name, active.Port, primary.Name, primary.Port)
		assignments := assign(nil, primary, types.ReplicationStateDemoted, description)
		return assign(assignments, active, types.ReplicationStateWaitPrimary, description), nil
	}

	// when a sharded worker blocked writes:
	//   stop_replication -> wait_primary
	if active.IsCurrentState(types.ReplicationStateStopReplication) &&
		group.Formation.Kind.IsSharded() && active.GroupID > 0 {
		description := fmt.Sprintf(
			"Setting goal state of %s:%d to wait_primary and %s:%d to demoted after the coordinator metadata was updated.",
			active.Name, active.Port, primary.Name, primary.Port)
		assignments := assign(nil, primary, types.ReplicationStateDemoted, description)
		return assign(assignments, active, types.ReplicationStateWaitPrimary, description), nil
	}

	// when a new primary is ready:
	//  demoted -> catchingup
	if active.IsCurrentState(types.ReplicationStateDemoted) &&
		primary.IsCurrentState(types.ReplicationStateWaitPrimary) {
		return assign(nil, active, types.ReplicationStateCatchingup, fmt.Sprintf(
			"Setting goal state of %s:%d to catchingup after it converged to demotion and %s:%d converged to wait_primary.",
			active.Name, active.Port, primary.Name, primary.Port)), nil
	}

	return nil, nil
}

// proceedPrimary evaluates the rules that apply when the reporting node
// itself holds a primary-role state.
func (m *Machine) proceedPrimary(group *Group, primary *types.Node) []Assignment {
	others := otherNodes(group, primary)

	// when a first "other" node wants to become standby:
	//  single -> wait_primary
	if primary.IsCurrentState(types.ReplicationStateSingle) {
		for _, other := range others {
			if other.IsCurrentState(types.ReplicationStateWaitStandby) {
				return assign(nil, primary, types.ReplicationStateWaitPrimary, fmt.Sprintf(
					"Setting goal state of %s:%d to wait_primary after %s:%d joined.",
					primary.Name, primary.Port, other.Name, other.Port))
			}
		}
	}

	// when another node wants to become standby:
	//  primary -> join_primary
	if primary.IsCurrentState(types.ReplicationStatePrimary) {
		for _, other := range others {
			if other.IsCurrentState(types.ReplicationStateWaitStandby) {
				return assign(nil, primary, types.ReplicationStateJoinPrimary, fmt.Sprintf(
					"Setting goal state of %s:%d to join_primary after %s:%d joined.",
					primary.Name, primary.Port, other.Name, other.Port))
			}
		}
	}

	// when secondaries go unhealthy:
	//   secondary -> catchingup
	// and, with no failover candidate left:
	//     primary -> wait_primary
	if primary.IsCurrentState(types.ReplicationStatePrimary) {
		var assignments []Assignment
		failoverCandidates := 0

		for _, other := range others {
			// a pinned standby is out of the candidate pool entirely
			if other.GoalState == types.ReplicationStateMaintenance {
				continue
			}

			if other.IsCurrentState(types.ReplicationStateSecondary) &&
				m.health.IsUnhealthy(other) {
				assignments = assign(assignments, other, types.ReplicationStateCatchingup, fmt.Sprintf(
					"Setting goal state of %s:%d to catchingup after it became unhealthy.",
					other.Name, other.Port))
				continue
			}

			if !other.ReplicationQuorum || other.CandidatePriority == 0 {
				continue
			}

			// a standby still catching up stays in the count: it is on
			// its way back to being promotable
			failoverCandidates++
		}

		// disable synchronous replication to maintain availability
		if failoverCandidates == 0 {
			assignments = assign(assignments, primary, types.ReplicationStateWaitPrimary, fmt.Sprintf(
				"Setting goal state of %s:%d to wait_primary now that none of the standbys are healthy anymore.",
				primary.Name, primary.Port))
		}

		return assignments
	}

	// when a node has changed its replication settings:
	//  apply_settings -> primary
	if primary.IsCurrentState(types.ReplicationStateApplySettings) {
		return assign(nil, primary, types.ReplicationStatePrimary, fmt.Sprintf(
			"Setting goal state of %s:%d to primary after it applied replication properties change.",
			primary.Name, primary.Port))
	}

	return nil
}

// FailoverCandidates returns the group members eligible to take over
// from the primary: converged healthy secondaries participating in the
// replication quorum with a non-zero candidate priority, within the
// promotion WAL threshold.
func (m *Machine) FailoverCandidates(group *Group, primary *types.Node) []*types.Node {
	var candidates []*types.Node
	for _, node := range otherNodes(group, primary) {
		if !node.IsCurrentState(types.ReplicationStateSecondary) {
			continue
		}
		if !m.health.IsHealthy(node) || m.health.IsUnhealthy(node) {
			continue
		}
		if !node.ReplicationQuorum || node.CandidatePriority == 0 {
			continue
		}
		if !WalDifferenceWithin(node, primary, m.cfg.PromoteXlogThreshold) {
			continue
		}
		candidates = append(candidates, node)
	}
	return candidates
}

// SelectCandidate picks the node to promote among candidates: highest
// candidate priority first, then smallest WAL distance to the primary,
// then smallest node id as the deterministic tiebreak.
func SelectCandidate(candidates []*types.Node, primary *types.Node) *types.Node {
	if len(candidates) == 0 {
		return nil
	}
	sorted := make([]*types.Node, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.CandidatePriority != b.CandidatePriority {
			return a.CandidatePriority > b.CandidatePriority
		}
		da := walDiff(a.ReportedLSN, primary.ReportedLSN)
		db := walDiff(b.ReportedLSN, primary.ReportedLSN)
		if da != db {
			return da < db
		}
		return a.ID < b.ID
	})
	return sorted[0]
}

// isPreferredCandidate reports whether active is the node the selection
// policy would promote. With several caught-up secondaries the rule only
// fires for the preferred one; the others keep replicating.
func (m *Machine) isPreferredCandidate(group *Group, primary, active *types.Node) bool {
	best := SelectCandidate(m.FailoverCandidates(group, primary), primary)
	return best == nil || best.ID == active.ID
}

// groupPrimary finds the node the replica-centric rules talk to: the
// unique member holding a primary-role goal state, or, mid-failover,
// the demoting old primary. Finding neither while a plain replica is
// reporting means the catalog is in an impossible configuration.
func (m *Machine) groupPrimary(group *Group, active *types.Node) (*types.Node, error) {
	var primary *types.Node
	for _, node := range group.Nodes {
		if !node.GoalState.IsPrimaryRole() {
			continue
		}
		if primary != nil {
			return nil, fmt.Errorf(
				"group %s/%d has two nodes in a primary-role state (%d and %d): %w",
				active.FormationID, active.GroupID, primary.ID, node.ID, types.ErrInvalidState)
		}
		primary = node
	}
	if primary != nil {
		return primary, nil
	}

	for _, node := range group.Nodes {
		if node.ID != active.ID && node.GoalState.IsDemoting() {
			return node, nil
		}
	}

	if active.GoalState.IsDemoting() ||
		active.GoalState == types.ReplicationStateDemoted ||
		active.GoalState == types.ReplicationStateMaintenance {
		return nil, nil
	}

	return nil, fmt.Errorf(
		"no primary node found in group %s/%d while %s:%d is reporting in state %s: %w",
		active.FormationID, active.GroupID, active.Name, active.Port,
		active.GoalState, types.ErrInvalidState)
}

// isDrainTimeExpired reports whether the demoting primary exhausted its
// drain timeout, measured against the wall time of its last goal-state
// change.
func (m *Machine) isDrainTimeExpired(node *types.Node) bool {
	if node == nil || node.GoalState != types.ReplicationStateDemoteTimeout {
		return false
	}
	return clock.ElapsedExceeds(node.StateChangeTime, m.clock.Now(), m.cfg.DrainTimeout())
}

// assign appends a goal-state decision unless the node already carries
// that goal, which keeps re-evaluation from emitting a second round of
// events.
func assign(assignments []Assignment, node *types.Node, state types.ReplicationState, description string) []Assignment {
	if node == nil || node.GoalState == state {
		return assignments
	}
	return append(assignments, Assignment{
		Node:        node,
		GoalState:   state,
		Description: description,
	})
}

func otherNodes(group *Group, node *types.Node) []*types.Node {
	var others []*types.Node
	for _, peer := range group.Nodes {
		if peer.ID != node.ID {
			others = append(others, peer)
		}
	}
	return others
}

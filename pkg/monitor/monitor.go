package monitor

import (
	"fmt"
	"time"

	"github.com/marcbachmann/pg-auto-failover/pkg/clock"
	"github.com/marcbachmann/pg-auto-failover/pkg/config"
	"github.com/marcbachmann/pg-auto-failover/pkg/events"
	"github.com/marcbachmann/pg-auto-failover/pkg/fsm"
	"github.com/marcbachmann/pg-auto-failover/pkg/log"
	"github.com/marcbachmann/pg-auto-failover/pkg/metrics"
	"github.com/marcbachmann/pg-auto-failover/pkg/storage"
	"github.com/marcbachmann/pg-auto-failover/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultCandidatePriority is assigned to newly registered nodes.
const DefaultCandidatePriority = 50

// Monitor implements the agent-facing operations. Every call that may
// change goal states runs one catalog transaction: it updates the
// reported fields, evaluates the group state machine, persists the
// assignments and their event rows, and publishes notifications after
// commit.
type Monitor struct {
	cfg     config.Config
	catalog storage.Catalog
	broker  *events.Broker
	clock   clock.Clock
	machine *fsm.Machine
	logger  zerolog.Logger
}

// New creates a monitor service. The monitor's start time anchors the
// startup grace period of the health evaluator.
func New(cfg config.Config, catalog storage.Catalog, broker *events.Broker, clk clock.Clock) *Monitor {
	evaluator := fsm.NewEvaluator(cfg, clk, clk.Now())
	return &Monitor{
		cfg:     cfg,
		catalog: catalog,
		broker:  broker,
		clock:   clk,
		machine: fsm.NewMachine(cfg, clk, evaluator),
		logger:  log.WithComponent("monitor"),
	}
}

// RegisterNodeRequest carries the arguments of RegisterNode.
type RegisterNodeRequest struct {
	FormationID string
	NodeName    string
	Host        string
	Port        int
	Kind        types.FormationKind
	GroupID     int
}

// RegisterNode allocates a node id and creates the node. The first node
// of a group is sent toward single; any later node starts as a standby.
// The formation is created on first use with the requested kind.
func (m *Monitor) RegisterNode(req RegisterNodeRequest) (*types.Node, error) {
	if req.FormationID == "" || req.NodeName == "" || req.Host == "" {
		return nil, fmt.Errorf("formation, node name and host are required: %w", types.ErrBadRequest)
	}
	if req.Port <= 0 || req.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d: %w", req.Port, types.ErrBadRequest)
	}
	if req.Kind == "" {
		req.Kind = types.FormationKindStandalone
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("unknown formation kind %q: %w", req.Kind, types.ErrBadRequest)
	}
	if req.GroupID < 0 {
		return nil, fmt.Errorf("invalid group id %d: %w", req.GroupID, types.ErrBadRequest)
	}

	var (
		node    *types.Node
		pending []*types.Event
	)
	err := m.catalog.Update(func(tx storage.Txn) error {
		pending = pending[:0]
		now := m.clock.Now()

		if _, err := tx.GetFormation(req.FormationID); err != nil {
			formation := &types.Formation{
				ID:        req.FormationID,
				Kind:      req.Kind,
				CreatedAt: now,
			}
			if err := tx.PutFormation(formation); err != nil {
				return err
			}
		}

		primary, err := tx.PrimaryNode(req.FormationID, req.GroupID)
		if err != nil {
			return err
		}

		goal := types.ReplicationStateSingle
		if primary != nil {
			goal = types.ReplicationStateWaitStandby
		}

		id, err := tx.NextNodeID()
		if err != nil {
			return err
		}

		node = &types.Node{
			ID:                id,
			FormationID:       req.FormationID,
			GroupID:           req.GroupID,
			Name:              req.NodeName,
			Host:              req.Host,
			Port:              req.Port,
			ReportedState:     types.ReplicationStateInit,
			GoalState:         goal,
			SyncState:         types.SyncStateUnknown,
			Health:            types.NodeHealthUnknown,
			CandidatePriority: DefaultCandidatePriority,
			ReplicationQuorum: true,
			StateChangeTime:   now,
			CreatedAt:         now,
		}
		if err := tx.PutNode(node); err != nil {
			return err
		}

		event := m.eventFor(node, fmt.Sprintf(
			"Registering node %s:%d to formation %q with goal state %s.",
			node.Name, node.Port, node.FormationID, goal))
		if err := tx.AppendEvent(event); err != nil {
			return err
		}
		pending = append(pending, event)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(pending)
	m.logger.Info().
		Int64("node_id", node.ID).
		Str("formation_id", node.FormationID).
		Int("group_id", node.GroupID).
		Str("goal_state", string(node.GoalState)).
		Msg("Node registered")
	return node, nil
}

// NodeActiveRequest is the periodic heartbeat and report of an agent.
type NodeActiveRequest struct {
	NodeID        int64
	ReportedState types.ReplicationState
	ReportedLSN   uint64
	PgIsRunning   bool
	SyncState     types.SyncState
}

// NodeActiveResponse returns the node's assignment after rule
// evaluation.
type NodeActiveResponse struct {
	GoalState         types.ReplicationState
	CandidatePriority int
	ReplicationQuorum bool
}

// NodeActive records the agent's report and drives the group state
// machine, returning the node's current goal state.
func (m *Monitor) NodeActive(req NodeActiveRequest) (NodeActiveResponse, error) {
	var resp NodeActiveResponse

	if !req.ReportedState.Valid() {
		return resp, fmt.Errorf("unknown reported state %q: %w", req.ReportedState, types.ErrBadRequest)
	}
	if req.SyncState == "" {
		req.SyncState = types.SyncStateUnknown
	}
	if !req.SyncState.Valid() {
		return resp, fmt.Errorf("unknown sync state %q: %w", req.SyncState, types.ErrBadRequest)
	}

	var pending []*types.Event
	err := m.catalog.Update(func(tx storage.Txn) error {
		pending = pending[:0]
		now := m.clock.Now()

		node, err := tx.GetNode(req.NodeID)
		if err != nil {
			return err
		}

		if req.ReportedState != node.ReportedState {
			m.logger.Info().
				Int64("node_id", node.ID).
				Str("from", string(node.ReportedState)).
				Str("to", string(req.ReportedState)).
				Msg("Node reported new state")
		}

		node.ReportedState = req.ReportedState
		node.ReportedLSN = req.ReportedLSN
		node.PgIsRunning = req.PgIsRunning
		node.SyncState = req.SyncState
		node.ReportTime = now
		if err := tx.PutNode(node); err != nil {
			return err
		}

		group, active, err := m.loadGroup(tx, node)
		if err != nil {
			return err
		}

		if err := checkSinglePrimary(group); err != nil {
			return err
		}

		assignments, err := m.machine.Proceed(group, active)
		if err != nil {
			return err
		}

		appended, err := m.applyAssignments(tx, assignments, now)
		if err != nil {
			return err
		}
		pending = append(pending, appended...)

		resp = NodeActiveResponse{
			GoalState:         active.GoalState,
			CandidatePriority: active.CandidatePriority,
			ReplicationQuorum: active.ReplicationQuorum,
		}
		return nil
	})
	if err != nil {
		return resp, err
	}

	m.publish(pending)
	return resp, nil
}

// RemoveNode deletes the node and re-evaluates the remainder of the
// group in the same transaction, so a primary left alone is sent to
// single right away.
func (m *Monitor) RemoveNode(nodeID int64) error {
	var pending []*types.Event
	err := m.catalog.Update(func(tx storage.Txn) error {
		pending = pending[:0]
		now := m.clock.Now()

		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		if err := tx.DeleteNode(nodeID); err != nil {
			return err
		}

		removed := m.eventFor(node, fmt.Sprintf(
			"Removing node %s:%d from formation %q.",
			node.Name, node.Port, node.FormationID))
		removed.GoalState = types.ReplicationStateDropped
		if err := tx.AppendEvent(removed); err != nil {
			return err
		}
		pending = append(pending, removed)

		formation, err := tx.GetFormation(node.FormationID)
		if err != nil {
			return err
		}
		remaining, err := tx.ListNodes(node.FormationID, node.GroupID)
		if err != nil {
			return err
		}

		group := &fsm.Group{Formation: formation, Nodes: remaining}
		for _, peer := range remaining {
			assignments, err := m.machine.Proceed(group, peer)
			if err != nil {
				return err
			}
			appended, err := m.applyAssignments(tx, assignments, now)
			if err != nil {
				return err
			}
			pending = append(pending, appended...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.publish(pending)
	return nil
}

// SetReplicationSettings changes the formation's number of sync
// standbys and drives the primary through apply_settings.
func (m *Monitor) SetReplicationSettings(formationID string, numberSyncStandbys int) error {
	if numberSyncStandbys < 0 {
		return fmt.Errorf("number_sync_standbys must not be negative: %w", types.ErrBadRequest)
	}

	var pending []*types.Event
	err := m.catalog.Update(func(tx storage.Txn) error {
		pending = pending[:0]

		formation, err := tx.GetFormation(formationID)
		if err != nil {
			return err
		}
		formation.NumberSyncStandbys = numberSyncStandbys
		if err := tx.PutFormation(formation); err != nil {
			return err
		}

		appended, err := m.applySettingsToPrimary(tx, formationID, 0, fmt.Sprintf(
			"Setting number_sync_standbys of formation %q to %d.",
			formationID, numberSyncStandbys))
		if err != nil {
			return err
		}
		pending = append(pending, appended...)
		return nil
	})
	if err != nil {
		return err
	}

	m.publish(pending)
	return nil
}

// SetNodeCandidatePriority changes the node's candidate priority and
// drives its primary through apply_settings.
func (m *Monitor) SetNodeCandidatePriority(nodeID int64, priority int) error {
	if priority < 0 || priority > 100 {
		return fmt.Errorf("candidate priority must be in 0..100, got %d: %w", priority, types.ErrBadRequest)
	}
	return m.updateNodeSettings(nodeID, func(node *types.Node) string {
		node.CandidatePriority = priority
		return fmt.Sprintf("Setting candidate priority of %s:%d to %d.",
			node.Name, node.Port, priority)
	})
}

// SetNodeReplicationQuorum changes the node's participation in the
// sync quorum and drives its primary through apply_settings.
func (m *Monitor) SetNodeReplicationQuorum(nodeID int64, quorum bool) error {
	return m.updateNodeSettings(nodeID, func(node *types.Node) string {
		node.ReplicationQuorum = quorum
		return fmt.Sprintf("Setting replication quorum of %s:%d to %v.",
			node.Name, node.Port, quorum)
	})
}

func (m *Monitor) updateNodeSettings(nodeID int64, mutate func(*types.Node) string) error {
	var pending []*types.Event
	err := m.catalog.Update(func(tx storage.Txn) error {
		pending = pending[:0]

		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		description := mutate(node)
		if err := tx.PutNode(node); err != nil {
			return err
		}

		appended, err := m.applySettingsToPrimary(tx, node.FormationID, node.GroupID, description)
		if err != nil {
			return err
		}
		pending = append(pending, appended...)
		return nil
	})
	if err != nil {
		return err
	}

	m.publish(pending)
	return nil
}

// applySettingsToPrimary sends the group's primary through
// apply_settings so the replication properties are reloaded. A group
// without a converged primary records the change without a transition;
// the new settings are picked up on the next convergence.
func (m *Monitor) applySettingsToPrimary(tx storage.Txn, formationID string, groupID int, description string) ([]*types.Event, error) {
	primary, err := tx.PrimaryNode(formationID, groupID)
	if err != nil {
		return nil, err
	}
	if primary == nil || !primary.IsCurrentState(types.ReplicationStatePrimary) {
		return nil, nil
	}

	assignment := fsm.Assignment{
		Node:        primary,
		GoalState:   types.ReplicationStateApplySettings,
		Description: description,
	}
	return m.applyAssignments(tx, []fsm.Assignment{assignment}, m.clock.Now())
}

// PerformFailover is the operator-initiated promotion: it selects the
// healthiest caught-up candidate and runs the same transition as a
// primary failure.
func (m *Monitor) PerformFailover(formationID string, groupID int) error {
	var pending []*types.Event
	err := m.catalog.Update(func(tx storage.Txn) error {
		pending = pending[:0]
		now := m.clock.Now()

		primary, err := tx.PrimaryNode(formationID, groupID)
		if err != nil {
			return err
		}
		if primary == nil {
			return fmt.Errorf("group %s/%d has no primary to fail over from: %w",
				formationID, groupID, types.ErrInvalidState)
		}

		formation, err := tx.GetFormation(formationID)
		if err != nil {
			return err
		}
		nodes, err := tx.ListNodes(formationID, groupID)
		if err != nil {
			return err
		}
		group := &fsm.Group{Formation: formation, Nodes: nodes}

		// use the pointer from the group snapshot so assignments share it
		for _, node := range nodes {
			if node.ID == primary.ID {
				primary = node
			}
		}

		candidate := fsm.SelectCandidate(m.machine.FailoverCandidates(group, primary), primary)
		if candidate == nil {
			return fmt.Errorf("group %s/%d has no failover candidate: %w",
				formationID, groupID, types.ErrInvalidState)
		}

		description := fmt.Sprintf(
			"Setting goal state of %s:%d to draining and %s:%d to prepare_promotion after a failover was requested.",
			primary.Name, primary.Port, candidate.Name, candidate.Port)
		assignments := []fsm.Assignment{
			{Node: primary, GoalState: types.ReplicationStateDraining, Description: description},
			{Node: candidate, GoalState: types.ReplicationStatePreparePromotion, Description: description},
		}
		appended, err := m.applyAssignments(tx, assignments, now)
		if err != nil {
			return err
		}
		pending = append(pending, appended...)
		return nil
	})
	if err != nil {
		return err
	}

	metrics.FailoversTotal.Inc()
	m.publish(pending)
	return nil
}

// ReportHealthCheck records the outcome of an out-of-band health probe.
// Health is a separate dimension from agent reports and never assigns
// states by itself; the verdict feeds the next rule evaluation.
func (m *Monitor) ReportHealthCheck(nodeID int64, health types.NodeHealth) error {
	if health != types.NodeHealthGood && health != types.NodeHealthBad {
		return fmt.Errorf("health must be good or bad, got %q: %w", health, types.ErrBadRequest)
	}

	return m.catalog.Update(func(tx storage.Txn) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		node.Health = health
		node.HealthCheckTime = m.clock.Now()
		return tx.PutNode(node)
	})
}

// StartMaintenance pins a standby into maintenance until the operator
// releases it.
func (m *Monitor) StartMaintenance(nodeID int64) error {
	var pending []*types.Event
	err := m.catalog.Update(func(tx storage.Txn) error {
		pending = pending[:0]

		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		if !node.IsCurrentState(types.ReplicationStateSecondary) &&
			!node.IsCurrentState(types.ReplicationStateCatchingup) {
			return fmt.Errorf("node %s:%d is in state %s, maintenance starts from secondary or catchingup: %w",
				node.Name, node.Port, node.ReportedState, types.ErrBadRequest)
		}

		assignment := fsm.Assignment{
			Node:      node,
			GoalState: types.ReplicationStateMaintenance,
			Description: fmt.Sprintf("Setting goal state of %s:%d to maintenance as requested by the operator.",
				node.Name, node.Port),
		}
		appended, err := m.applyAssignments(tx, []fsm.Assignment{assignment}, m.clock.Now())
		if err != nil {
			return err
		}
		pending = append(pending, appended...)
		return nil
	})
	if err != nil {
		return err
	}

	m.publish(pending)
	return nil
}

// StopMaintenance releases a node from maintenance back into
// catchingup.
func (m *Monitor) StopMaintenance(nodeID int64) error {
	var pending []*types.Event
	err := m.catalog.Update(func(tx storage.Txn) error {
		pending = pending[:0]

		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		if node.GoalState != types.ReplicationStateMaintenance {
			return fmt.Errorf("node %s:%d is not in maintenance: %w",
				node.Name, node.Port, types.ErrBadRequest)
		}

		assignment := fsm.Assignment{
			Node:      node,
			GoalState: types.ReplicationStateCatchingup,
			Description: fmt.Sprintf("Setting goal state of %s:%d to catchingup after maintenance.",
				node.Name, node.Port),
		}
		appended, err := m.applyAssignments(tx, []fsm.Assignment{assignment}, m.clock.Now())
		if err != nil {
			return err
		}
		pending = append(pending, appended...)
		return nil
	})
	if err != nil {
		return err
	}

	m.publish(pending)
	return nil
}

// GetNodeState returns the node as stored in the catalog.
func (m *Monitor) GetNodeState(nodeID int64) (*types.Node, error) {
	var node *types.Node
	err := m.catalog.View(func(tx storage.Txn) error {
		var err error
		node, err = tx.GetNode(nodeID)
		return err
	})
	return node, err
}

// GetNodes returns the nodes of a group ordered by node_id.
func (m *Monitor) GetNodes(formationID string, groupID int) ([]*types.Node, error) {
	var nodes []*types.Node
	err := m.catalog.View(func(tx storage.Txn) error {
		var err error
		nodes, err = tx.ListNodes(formationID, groupID)
		return err
	})
	return nodes, err
}

// GetFormation returns the formation.
func (m *Monitor) GetFormation(formationID string) (*types.Formation, error) {
	var formation *types.Formation
	err := m.catalog.View(func(tx storage.Txn) error {
		var err error
		formation, err = tx.GetFormation(formationID)
		return err
	})
	return formation, err
}

// ListEvents returns the most recent events of a formation.
func (m *Monitor) ListEvents(formationID string, limit int) ([]*types.Event, error) {
	var eventRows []*types.Event
	err := m.catalog.View(func(tx storage.Txn) error {
		var err error
		eventRows, err = tx.ListEvents(formationID, limit)
		return err
	})
	return eventRows, err
}

// loadGroup builds the FSM's group snapshot. The active node pointer is
// taken from the snapshot slice so rule assignments and the response
// observe the same struct.
func (m *Monitor) loadGroup(tx storage.Txn, node *types.Node) (*fsm.Group, *types.Node, error) {
	formation, err := tx.GetFormation(node.FormationID)
	if err != nil {
		return nil, nil, err
	}
	nodes, err := tx.ListNodes(node.FormationID, node.GroupID)
	if err != nil {
		return nil, nil, err
	}

	group := &fsm.Group{Formation: formation, Nodes: nodes}
	for _, peer := range nodes {
		if peer.ID == node.ID {
			return group, peer, nil
		}
	}
	return nil, nil, fmt.Errorf("node %d vanished from group %s/%d: %w",
		node.ID, node.FormationID, node.GroupID, types.ErrNotFound)
}

// applyAssignments persists the FSM's decisions: goal state and
// state_change_time on the node row, one row in the events table per
// assignment. The returned events are published after commit.
func (m *Monitor) applyAssignments(tx storage.Txn, assignments []fsm.Assignment, now time.Time) ([]*types.Event, error) {
	var appended []*types.Event
	for _, assignment := range assignments {
		node := assignment.Node
		node.GoalState = assignment.GoalState
		node.StateChangeTime = now
		if err := tx.PutNode(node); err != nil {
			return nil, err
		}

		event := m.eventFor(node, assignment.Description)
		if err := tx.AppendEvent(event); err != nil {
			return nil, err
		}
		appended = append(appended, event)

		metrics.StateTransitionsTotal.WithLabelValues(string(assignment.GoalState)).Inc()
		metrics.EventsRecordedTotal.Inc()
	}
	return appended, nil
}

func (m *Monitor) eventFor(node *types.Node, description string) *types.Event {
	return &types.Event{
		Time:              m.clock.Now(),
		FormationID:       node.FormationID,
		GroupID:           node.GroupID,
		NodeID:            node.ID,
		NodeName:          node.Name,
		NodePort:          node.Port,
		ReportedState:     node.ReportedState,
		GoalState:         node.GoalState,
		SyncState:         node.SyncState,
		ReportedLSN:       node.ReportedLSN,
		CandidatePriority: node.CandidatePriority,
		ReplicationQuorum: node.ReplicationQuorum,
		Description:       description,
	}
}

// publish sends the committed events on the "state" channel and their
// descriptions on the "log" channel. Best-effort: the events table is
// the source of truth and a failed publication never fails the call.
func (m *Monitor) publish(pending []*types.Event) {
	for _, event := range pending {
		m.broker.Publish(events.ChannelState, events.StatePayloadFromEvent(event))
		m.broker.LogAndNotify("%s", event.Description)
	}
}

// checkSinglePrimary enforces the group invariant: at most one node may
// hold the primary role. A node only counts while both its reported and
// its goal state are primary-role; an old primary being demoted keeps a
// stale primary report until it rejoins and must not trip the check.
func checkSinglePrimary(group *fsm.Group) error {
	count := 0
	for _, node := range group.Nodes {
		if node.ReportedState.IsPrimaryRole() && node.GoalState.IsPrimaryRole() {
			count++
		}
	}
	if count > 1 {
		return fmt.Errorf(
			"group %s/%d has %d nodes reporting a primary-role state: %w",
			group.Nodes[0].FormationID, group.Nodes[0].GroupID, count, types.ErrInvalidState)
	}
	return nil
}

package fsm

import (
	"errors"
	"testing"
	"time"

	"github.com/marcbachmann/pg-auto-failover/pkg/clock"
	"github.com/marcbachmann/pg-auto-failover/pkg/config"
	"github.com/marcbachmann/pg-auto-failover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	machine *Machine
	clock   *clock.Fake
	cfg     config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	clk := clock.NewFake(testBase)
	// the monitor has been running long past its startup grace
	ev := NewEvaluator(cfg, clk, testBase.Add(-time.Hour))
	return &fixture{
		machine: NewMachine(cfg, clk, ev),
		clock:   clk,
		cfg:     cfg,
	}
}

// converged builds a healthy node converged at the given state with a
// fresh report.
func converged(id int64, name string, state types.ReplicationState) *types.Node {
	return &types.Node{
		ID:                id,
		FormationID:       "default",
		GroupID:           0,
		Name:              name,
		Host:              "10.0.0.1",
		Port:              5432,
		ReportedState:     state,
		GoalState:         state,
		ReportedLSN:       1000,
		SyncState:         types.SyncStateSync,
		PgIsRunning:       true,
		Health:            types.NodeHealthGood,
		CandidatePriority: 50,
		ReplicationQuorum: true,
		ReportTime:        testBase.Add(-time.Second),
		StateChangeTime:   testBase.Add(-time.Minute),
	}
}

func failed(node *types.Node) *types.Node {
	node.Health = types.NodeHealthBad
	node.ReportTime = testBase.Add(-time.Minute)
	return node
}

func group(kind types.FormationKind, nodes ...*types.Node) *Group {
	return &Group{
		Formation: &types.Formation{ID: "default", Kind: kind},
		Nodes:     nodes,
	}
}

func standalone(nodes ...*types.Node) *Group {
	return group(types.FormationKindStandalone, nodes...)
}

// applyAssignments mutates the nodes the way the monitor would.
func applyAssignments(assignments []Assignment) {
	for _, a := range assignments {
		a.Node.GoalState = a.GoalState
	}
}

func TestRuleAlone(t *testing.T) {
	f := newFixture(t)

	t.Run("lone node already heading for single is not reassigned", func(t *testing.T) {
		active := converged(1, "node-a", types.ReplicationStateInit)
		active.ReportedState = types.ReplicationStateInit
		active.GoalState = types.ReplicationStateSingle

		assignments, err := f.machine.Proceed(standalone(active), active)
		require.NoError(t, err)
		// already heading for single: no re-assignment
		assert.Empty(t, assignments)
	})

	t.Run("primary left alone after peer removal", func(t *testing.T) {
		active := converged(1, "node-a", types.ReplicationStatePrimary)

		assignments, err := f.machine.Proceed(standalone(active), active)
		require.NoError(t, err)
		require.Len(t, assignments, 1)
		assert.Equal(t, types.ReplicationStateSingle, assignments[0].GoalState)
		assert.Same(t, active, assignments[0].Node)
	})

	t.Run("lone converged single is stable", func(t *testing.T) {
		active := converged(1, "node-a", types.ReplicationStateSingle)

		assignments, err := f.machine.Proceed(standalone(active), active)
		require.NoError(t, err)
		assert.Empty(t, assignments)
	})
}

func TestRuleStandbyRecognized(t *testing.T) {
	f := newFixture(t)

	for _, primaryState := range []types.ReplicationState{
		types.ReplicationStateWaitPrimary,
		types.ReplicationStateJoinPrimary,
	} {
		t.Run(string(primaryState), func(t *testing.T) {
			primary := converged(1, "node-a", primaryState)
			active := converged(2, "node-b", types.ReplicationStateWaitStandby)

			assignments, err := f.machine.Proceed(standalone(primary, active), active)
			require.NoError(t, err)
			require.Len(t, assignments, 1)
			assert.Equal(t, types.ReplicationStateCatchingup, assignments[0].GoalState)
			assert.Same(t, active, assignments[0].Node)
		})
	}

	t.Run("primary not ready yet", func(t *testing.T) {
		primary := converged(1, "node-a", types.ReplicationStateSingle)
		active := converged(2, "node-b", types.ReplicationStateWaitStandby)

		assignments, err := f.machine.Proceed(standalone(primary, active), active)
		require.NoError(t, err)
		assert.Empty(t, assignments)
	})
}

func TestRuleCaughtUp(t *testing.T) {
	f := newFixture(t)

	t.Run("caught up secondary promotes the pair", func(t *testing.T) {
		primary := converged(1, "node-a", types.ReplicationStateWaitPrimary)
		active := converged(2, "node-b", types.ReplicationStateCatchingup)
		primary.ReportedLSN = 5000
		active.ReportedLSN = 5000

		assignments, err := f.machine.Proceed(standalone(primary, active), active)
		require.NoError(t, err)
		require.Len(t, assignments, 2)
		// primary's row is assigned first
		assert.Same(t, primary, assignments[0].Node)
		assert.Equal(t, types.ReplicationStatePrimary, assignments[0].GoalState)
		assert.Same(t, active, assignments[1].Node)
		assert.Equal(t, types.ReplicationStateSecondary, assignments[1].GoalState)
	})

	t.Run("lagging secondary stays catchingup", func(t *testing.T) {
		primary := converged(1, "node-a", types.ReplicationStateWaitPrimary)
		active := converged(2, "node-b", types.ReplicationStateCatchingup)
		primary.ReportedLSN = 5000
		active.ReportedLSN = uint64(5000 + f.cfg.EnableSyncXlogThreshold + 1)

		assignments, err := f.machine.Proceed(standalone(primary, active), active)
		require.NoError(t, err)
		assert.Empty(t, assignments)
	})

	t.Run("no lsn reported yet blocks the transition", func(t *testing.T) {
		primary := converged(1, "node-a", types.ReplicationStateWaitPrimary)
		active := converged(2, "node-b", types.ReplicationStateCatchingup)
		active.ReportedLSN = 0

		assignments, err := f.machine.Proceed(standalone(primary, active), active)
		require.NoError(t, err)
		assert.Empty(t, assignments)
	})

	t.Run("unhealthy secondary is not promoted", func(t *testing.T) {
		primary := converged(1, "node-a", types.ReplicationStateWaitPrimary)
		active := converged(2, "node-b", types.ReplicationStateCatchingup)
		active.Health = types.NodeHealthUnknown

		assignments, err := f.machine.Proceed(standalone(primary, active), active)
		require.NoError(t, err)
		assert.Empty(t, assignments)
	})
}

func TestRuleFailoverCandidateChosen(t *testing.T) {
	f := newFixture(t)

	t.Run("secondary takes over from unhealthy primary", func(t *testing.T) {
		primary := failed(converged(1, "node-a", types.ReplicationStatePrimary))
		active := converged(2, "node-b", types.ReplicationStateSecondary)

		assignments, err := f.machine.Proceed(standalone(primary, active), active)
		require.NoError(t, err)
		require.Len(t, assignments, 2)
		assert.Same(t, primary, assignments[0].Node)
		assert.Equal(t, types.ReplicationStateDraining, assignments[0].GoalState)
		assert.Same(t, active, assignments[1].Node)
		assert.Equal(t, types.ReplicationStatePreparePromotion, assignments[1].GoalState)
	})

	t.Run("healthy primary means no failover", func(t *testing.T) {
		primary := converged(1, "node-a", types.ReplicationStatePrimary)
		active := converged(2, "node-b", types.ReplicationStateSecondary)

		assignments, err := f.machine.Proceed(standalone(primary, active), active)
		require.NoError(t, err)
		assert.Empty(t, assignments)
	})

	t.Run("lagging secondary is not promoted", func(t *testing.T) {
		primary := failed(converged(1, "node-a", types.ReplicationStatePrimary))
		active := converged(2, "node-b", types.ReplicationStateSecondary)
		primary.ReportedLSN = 5000
		active.ReportedLSN = uint64(5000 + f.cfg.PromoteXlogThreshold + 1)

		assignments, err := f.machine.Proceed(standalone(primary, active), active)
		require.NoError(t, err)
		assert.Empty(t, assignments)
	})

	t.Run("zero candidate priority never promotes", func(t *testing.T) {
		primary := failed(converged(1, "node-a", types.ReplicationStatePrimary))
		active := converged(2, "node-b", types.ReplicationStateSecondary)
		active.CandidatePriority = 0

		assignments, err := f.machine.Proceed(standalone(primary, active), active)
		require.NoError(t, err)
		assert.Empty(t, assignments)
	})

	t.Run("only the preferred candidate is promoted", func(t *testing.T) {
		primary := failed(converged(1, "node-a", types.ReplicationStatePrimary))
		better := converged(2, "node-b", types.ReplicationStateSecondary)
		active := converged(3, "node-c", types.ReplicationStateSecondary)
		better.CandidatePriority = 90
		active.CandidatePriority = 50

		g := standalone(primary, better, active)

		assignments, err := f.machine.Proceed(g, active)
		require.NoError(t, err)
		assert.Empty(t, assignments)

		assignments, err = f.machine.Proceed(g, better)
		require.NoError(t, err)
		require.Len(t, assignments, 2)
		assert.Same(t, better, assignments[1].Node)
		assert.Equal(t, types.ReplicationStatePreparePromotion, assignments[1].GoalState)
	})
}

func TestRulePromotionProgresses(t *testing.T) {
	f := newFixture(t)

	primary := failed(converged(1, "node-a", types.ReplicationStatePrimary))
	primary.GoalState = types.ReplicationStateDraining
	primary.ReportedState = types.ReplicationStatePrimary
	active := converged(2, "node-b", types.ReplicationStatePreparePromotion)

	assignments, err := f.machine.Proceed(standalone(primary, active), active)
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	assert.Same(t, primary, assignments[0].Node)
	assert.Equal(t, types.ReplicationStateDemoteTimeout, assignments[0].GoalState)
	assert.Same(t, active, assignments[1].Node)
	assert.Equal(t, types.ReplicationStateStopReplication, assignments[1].GoalState)
}

func TestRuleShardedShortCircuit(t *testing.T) {
	f := newFixture(t)

	t.Run("worker group skips the demote timeout", func(t *testing.T) {
		primary := failed(converged(1, "node-a", types.ReplicationStatePrimary))
		primary.GoalState = types.ReplicationStateDraining
		primary.GroupID = 2
		active := converged(2, "node-b", types.ReplicationStatePreparePromotion)
		active.GroupID = 2

		g := group(types.FormationKindShardedWorker, primary, active)
		assignments, err := f.machine.Proceed(g, active)
		require.NoError(t, err)
		require.Len(t, assignments, 2)
		assert.Equal(t, types.ReplicationStateDemoted, assignments[0].GoalState)
		assert.Equal(t, types.ReplicationStateWaitPrimary, assignments[1].GoalState)
	})

	t.Run("coordinator group follows the regular path", func(t *testing.T) {
		primary := failed(converged(1, "node-a", types.ReplicationStatePrimary))
		primary.GoalState = types.ReplicationStateDraining
		active := converged(2, "node-b", types.ReplicationStatePreparePromotion)

		g := group(types.FormationKindShardedCoordinator, primary, active)
		assignments, err := f.machine.Proceed(g, active)
		require.NoError(t, err)
		require.Len(t, assignments, 2)
		assert.Equal(t, types.ReplicationStateDemoteTimeout, assignments[0].GoalState)
		assert.Equal(t, types.ReplicationStateStopReplication, assignments[1].GoalState)
	})
}

func TestRuleDrainComplete(t *testing.T) {
	f := newFixture(t)

	t.Run("primary converged to demote_timeout", func(t *testing.T) {
		primary := failed(converged(1, "node-a", types.ReplicationStateDemoteTimeout))
		active := converged(2, "node-b", types.ReplicationStateStopReplication)

		assignments, err := f.machine.Proceed(standalone(primary, active), active)
		require.NoError(t, err)
		require.Len(t, assignments, 2)
		assert.Same(t, primary, assignments[0].Node)
		assert.Equal(t, types.ReplicationStateDemoted, assignments[0].GoalState)
		assert.Same(t, active, assignments[1].Node)
		assert.Equal(t, types.ReplicationStateWaitPrimary, assignments[1].GoalState)
	})

	t.Run("drain timeout expires without a report", func(t *testing.T) {
		primary := failed(converged(1, "node-a", types.ReplicationStatePrimary))
		primary.GoalState = types.ReplicationStateDemoteTimeout
		primary.StateChangeTime = testBase.Add(-f.cfg.DrainTimeout() - time.Second)
		active := converged(2, "node-b", types.ReplicationStateStopReplication)

		assignments, err := f.machine.Proceed(standalone(primary, active), active)
		require.NoError(t, err)
		require.Len(t, assignments, 2)
		assert.Equal(t, types.ReplicationStateDemoted, assignments[0].GoalState)
		assert.Equal(t, types.ReplicationStateWaitPrimary, assignments[1].GoalState)
	})

	t.Run("drain still in progress", func(t *testing.T) {
		primary := failed(converged(1, "node-a", types.ReplicationStatePrimary))
		primary.GoalState = types.ReplicationStateDemoteTimeout
		primary.StateChangeTime = testBase.Add(-time.Second)
		active := converged(2, "node-b", types.ReplicationStateStopReplication)

		assignments, err := f.machine.Proceed(standalone(primary, active), active)
		require.NoError(t, err)
		assert.Empty(t, assignments)
	})
}

func TestRuleRejoinAfterDemotion(t *testing.T) {
	f := newFixture(t)

	primary := converged(1, "node-b", types.ReplicationStateWaitPrimary)
	active := converged(2, "node-a", types.ReplicationStateDemoted)

	assignments, err := f.machine.Proceed(standalone(primary, active), active)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Same(t, active, assignments[0].Node)
	assert.Equal(t, types.ReplicationStateCatchingup, assignments[0].GoalState)
}

func TestRuleFirstStandby(t *testing.T) {
	f := newFixture(t)

	active := converged(1, "node-a", types.ReplicationStateSingle)
	standby := converged(2, "node-b", types.ReplicationStateWaitStandby)

	assignments, err := f.machine.Proceed(standalone(active, standby), active)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Same(t, active, assignments[0].Node)
	assert.Equal(t, types.ReplicationStateWaitPrimary, assignments[0].GoalState)
}

func TestRuleAdditionalStandby(t *testing.T) {
	f := newFixture(t)

	active := converged(1, "node-a", types.ReplicationStatePrimary)
	secondary := converged(2, "node-b", types.ReplicationStateSecondary)
	standby := converged(3, "node-c", types.ReplicationStateWaitStandby)

	assignments, err := f.machine.Proceed(standalone(active, secondary, standby), active)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Same(t, active, assignments[0].Node)
	assert.Equal(t, types.ReplicationStateJoinPrimary, assignments[0].GoalState)
}

func TestRuleAllStandbysFailed(t *testing.T) {
	f := newFixture(t)

	t.Run("all secondaries unhealthy", func(t *testing.T) {
		active := converged(1, "node-a", types.ReplicationStatePrimary)
		b := failed(converged(2, "node-b", types.ReplicationStateSecondary))
		c := failed(converged(3, "node-c", types.ReplicationStateSecondary))

		assignments, err := f.machine.Proceed(standalone(active, b, c), active)
		require.NoError(t, err)
		require.Len(t, assignments, 3)
		assert.Same(t, b, assignments[0].Node)
		assert.Equal(t, types.ReplicationStateCatchingup, assignments[0].GoalState)
		assert.Same(t, c, assignments[1].Node)
		assert.Equal(t, types.ReplicationStateCatchingup, assignments[1].GoalState)
		assert.Same(t, active, assignments[2].Node)
		assert.Equal(t, types.ReplicationStateWaitPrimary, assignments[2].GoalState)
	})

	t.Run("one healthy candidate keeps the primary", func(t *testing.T) {
		active := converged(1, "node-a", types.ReplicationStatePrimary)
		b := failed(converged(2, "node-b", types.ReplicationStateSecondary))
		c := converged(3, "node-c", types.ReplicationStateSecondary)

		assignments, err := f.machine.Proceed(standalone(active, b, c), active)
		require.NoError(t, err)
		require.Len(t, assignments, 1)
		assert.Same(t, b, assignments[0].Node)
		assert.Equal(t, types.ReplicationStateCatchingup, assignments[0].GoalState)
	})

	t.Run("non-quorum standby is no candidate", func(t *testing.T) {
		active := converged(1, "node-a", types.ReplicationStatePrimary)
		b := converged(2, "node-b", types.ReplicationStateSecondary)
		b.ReplicationQuorum = false

		assignments, err := f.machine.Proceed(standalone(active, b), active)
		require.NoError(t, err)
		require.Len(t, assignments, 1)
		assert.Same(t, active, assignments[0].Node)
		assert.Equal(t, types.ReplicationStateWaitPrimary, assignments[0].GoalState)
	})

	t.Run("zero priority standby is no candidate", func(t *testing.T) {
		active := converged(1, "node-a", types.ReplicationStatePrimary)
		b := converged(2, "node-b", types.ReplicationStateSecondary)
		b.CandidatePriority = 0

		assignments, err := f.machine.Proceed(standalone(active, b), active)
		require.NoError(t, err)
		require.Len(t, assignments, 1)
		assert.Equal(t, types.ReplicationStateWaitPrimary, assignments[0].GoalState)
	})

	t.Run("healthy group is stable", func(t *testing.T) {
		active := converged(1, "node-a", types.ReplicationStatePrimary)
		b := converged(2, "node-b", types.ReplicationStateSecondary)

		assignments, err := f.machine.Proceed(standalone(active, b), active)
		require.NoError(t, err)
		assert.Empty(t, assignments)
	})
}

func TestRuleSettingsApplied(t *testing.T) {
	f := newFixture(t)

	active := converged(1, "node-a", types.ReplicationStateApplySettings)
	secondary := converged(2, "node-b", types.ReplicationStateSecondary)

	assignments, err := f.machine.Proceed(standalone(active, secondary), active)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Same(t, active, assignments[0].Node)
	assert.Equal(t, types.ReplicationStatePrimary, assignments[0].GoalState)
}

func TestInvalidConfigurations(t *testing.T) {
	f := newFixture(t)

	t.Run("no primary while a replica reports", func(t *testing.T) {
		active := converged(1, "node-a", types.ReplicationStateSecondary)
		other := converged(2, "node-b", types.ReplicationStateSecondary)

		_, err := f.machine.Proceed(standalone(active, other), active)
		assert.True(t, errors.Is(err, types.ErrInvalidState))
	})

	t.Run("two primary-role nodes", func(t *testing.T) {
		active := converged(1, "node-a", types.ReplicationStateSecondary)
		p1 := converged(2, "node-b", types.ReplicationStatePrimary)
		p2 := converged(3, "node-c", types.ReplicationStateWaitPrimary)

		_, err := f.machine.Proceed(standalone(active, p1, p2), active)
		assert.True(t, errors.Is(err, types.ErrInvalidState))
	})

	t.Run("demoting old primary reporting mid-failover is tolerated", func(t *testing.T) {
		old := converged(1, "node-a", types.ReplicationStateDraining)
		candidate := converged(2, "node-b", types.ReplicationStatePreparePromotion)

		assignments, err := f.machine.Proceed(standalone(old, candidate), old)
		require.NoError(t, err)
		assert.Empty(t, assignments)
	})
}

func TestRuleEvaluationIsIdempotent(t *testing.T) {
	f := newFixture(t)

	primary := failed(converged(1, "node-a", types.ReplicationStatePrimary))
	active := converged(2, "node-b", types.ReplicationStateSecondary)
	g := standalone(primary, active)

	assignments, err := f.machine.Proceed(g, active)
	require.NoError(t, err)
	require.NotEmpty(t, assignments)

	applyAssignments(assignments)

	// same snapshot, goal states already assigned: nothing new
	again, err := f.machine.Proceed(g, active)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSelectCandidate(t *testing.T) {
	primary := &types.Node{ID: 1, ReportedLSN: 10_000}

	tests := []struct {
		name       string
		candidates []*types.Node
		expectedID int64
	}{
		{
			name: "highest priority wins",
			candidates: []*types.Node{
				{ID: 2, CandidatePriority: 50, ReportedLSN: 10_000},
				{ID: 3, CandidatePriority: 90, ReportedLSN: 8_000},
			},
			expectedID: 3,
		},
		{
			name: "smaller wal distance breaks priority ties",
			candidates: []*types.Node{
				{ID: 2, CandidatePriority: 50, ReportedLSN: 7_000},
				{ID: 3, CandidatePriority: 50, ReportedLSN: 9_500},
			},
			expectedID: 3,
		},
		{
			name: "smallest node id is the final tiebreak",
			candidates: []*types.Node{
				{ID: 5, CandidatePriority: 50, ReportedLSN: 9_000},
				{ID: 2, CandidatePriority: 50, ReportedLSN: 9_000},
			},
			expectedID: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			best := SelectCandidate(tt.candidates, primary)
			require.NotNil(t, best)
			assert.Equal(t, tt.expectedID, best.ID)
		})
	}

	t.Run("no candidates", func(t *testing.T) {
		assert.Nil(t, SelectCandidate(nil, primary))
	})
}

func TestFailoverCandidates(t *testing.T) {
	f := newFixture(t)

	primary := failed(converged(1, "node-a", types.ReplicationStatePrimary))
	eligible := converged(2, "node-b", types.ReplicationStateSecondary)
	noQuorum := converged(3, "node-c", types.ReplicationStateSecondary)
	noQuorum.ReplicationQuorum = false
	lagging := converged(4, "node-d", types.ReplicationStateSecondary)
	lagging.ReportedLSN = uint64(int64(primary.ReportedLSN) + f.cfg.PromoteXlogThreshold + 1)
	catching := converged(5, "node-e", types.ReplicationStateCatchingup)

	g := standalone(primary, eligible, noQuorum, lagging, catching)

	candidates := f.machine.FailoverCandidates(g, primary)
	require.Len(t, candidates, 1)
	assert.Equal(t, eligible.ID, candidates[0].ID)
}

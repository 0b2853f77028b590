package fsm

import (
	"time"

	"github.com/marcbachmann/pg-auto-failover/pkg/clock"
	"github.com/marcbachmann/pg-auto-failover/pkg/config"
	"github.com/marcbachmann/pg-auto-failover/pkg/types"
)

// Evaluator classifies nodes as healthy or unhealthy. The two verdicts
// are not complements: a node with a fresh report but unknown probe
// outcome is neither.
//
// Health combines two independent dimensions: freshness of the agent's
// reports and the outcome of the monitor's out-of-band probes.
type Evaluator struct {
	cfg       config.Config
	clock     clock.Clock
	startedAt time.Time
}

// NewEvaluator creates an evaluator. startedAt is the monitor's start
// time; during the startup grace period no node is declared unhealthy
// from report absence alone.
func NewEvaluator(cfg config.Config, clk clock.Clock, startedAt time.Time) *Evaluator {
	return &Evaluator{
		cfg:       cfg,
		clock:     clk,
		startedAt: startedAt,
	}
}

// IsHealthy reports whether the node passed its last health probe and
// its database instance is reported as running by the agent.
func (e *Evaluator) IsHealthy(node *types.Node) bool {
	if node == nil {
		return false
	}
	return node.Health == types.NodeHealthGood && node.PgIsRunning
}

// IsUnhealthy reports whether the node should be treated as failed: the
// agent says the database is not running, or the agent has been silent
// beyond the unhealthy timeout while the health probes say bad and the
// monitor is past its startup grace period.
func (e *Evaluator) IsUnhealthy(node *types.Node) bool {
	if node == nil {
		return true
	}

	if !node.PgIsRunning {
		return true
	}

	now := e.clock.Now()
	if clock.ElapsedExceeds(node.ReportTime, now, e.cfg.UnhealthyTimeout()) &&
		node.Health == types.NodeHealthBad &&
		clock.ElapsedExceeds(e.startedAt, now, e.cfg.StartupGrace()) {
		return true
	}

	return false
}

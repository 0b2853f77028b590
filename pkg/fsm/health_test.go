package fsm

import (
	"testing"
	"time"

	"github.com/marcbachmann/pg-auto-failover/pkg/clock"
	"github.com/marcbachmann/pg-auto-failover/pkg/config"
	"github.com/marcbachmann/pg-auto-failover/pkg/types"
	"github.com/stretchr/testify/assert"
)

var testBase = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestIsHealthy(t *testing.T) {
	cfg := config.Default()
	clk := clock.NewFake(testBase)
	ev := NewEvaluator(cfg, clk, testBase)

	tests := []struct {
		name     string
		node     *types.Node
		expected bool
	}{
		{
			name:     "good health and running",
			node:     &types.Node{Health: types.NodeHealthGood, PgIsRunning: true},
			expected: true,
		},
		{
			name:     "good health but not running",
			node:     &types.Node{Health: types.NodeHealthGood, PgIsRunning: false},
			expected: false,
		},
		{
			name:     "bad health",
			node:     &types.Node{Health: types.NodeHealthBad, PgIsRunning: true},
			expected: false,
		},
		{
			name:     "unknown health",
			node:     &types.Node{Health: types.NodeHealthUnknown, PgIsRunning: true},
			expected: false,
		},
		{
			name:     "nil node",
			node:     nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ev.IsHealthy(tt.node))
		})
	}
}

func TestIsUnhealthy(t *testing.T) {
	cfg := config.Default()

	tests := []struct {
		name        string
		node        *types.Node
		uptime      time.Duration // monitor uptime at evaluation time
		freshReport bool
		expected    bool
	}{
		{
			name:     "nil node is unhealthy",
			node:     nil,
			uptime:   time.Hour,
			expected: true,
		},
		{
			name: "pg not running is unhealthy regardless of freshness",
			node: &types.Node{
				PgIsRunning: false,
				Health:      types.NodeHealthGood,
			},
			uptime:      time.Hour,
			freshReport: true,
			expected:    true,
		},
		{
			name: "silent and probed bad past grace",
			node: &types.Node{
				PgIsRunning: true,
				Health:      types.NodeHealthBad,
			},
			uptime:   time.Hour,
			expected: true,
		},
		{
			name: "silent but probe says good",
			node: &types.Node{
				PgIsRunning: true,
				Health:      types.NodeHealthGood,
			},
			uptime:   time.Hour,
			expected: false,
		},
		{
			name: "silent and probed bad but inside startup grace",
			node: &types.Node{
				PgIsRunning: true,
				Health:      types.NodeHealthBad,
			},
			uptime:   5 * time.Second,
			expected: false,
		},
		{
			name: "probed bad but report is fresh",
			node: &types.Node{
				PgIsRunning: true,
				Health:      types.NodeHealthBad,
			},
			uptime:      time.Hour,
			freshReport: true,
			expected:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(testBase)
			ev := NewEvaluator(cfg, clk, testBase.Add(-tt.uptime))

			if tt.node != nil {
				if tt.freshReport {
					tt.node.ReportTime = testBase.Add(-time.Second)
				} else {
					tt.node.ReportTime = testBase.Add(-cfg.UnhealthyTimeout() - time.Second)
				}
			}

			assert.Equal(t, tt.expected, ev.IsUnhealthy(tt.node))
		})
	}
}

func TestHealthyAndUnhealthyAreNotComplements(t *testing.T) {
	cfg := config.Default()
	clk := clock.NewFake(testBase)
	ev := NewEvaluator(cfg, clk, testBase.Add(-time.Hour))

	// fresh report, unknown probe outcome: neither healthy nor unhealthy
	node := &types.Node{
		PgIsRunning: true,
		Health:      types.NodeHealthUnknown,
		ReportTime:  testBase.Add(-time.Second),
	}

	assert.False(t, ev.IsHealthy(node))
	assert.False(t, ev.IsUnhealthy(node))
}

func TestStartupGraceSuppressesAbsenceVerdict(t *testing.T) {
	cfg := config.Default()
	clk := clock.NewFake(testBase)
	ev := NewEvaluator(cfg, clk, testBase)

	node := &types.Node{
		PgIsRunning: true,
		Health:      types.NodeHealthBad,
		ReportTime:  testBase.Add(-time.Hour),
	}

	// monitor just started: silence alone does not make a node unhealthy
	assert.False(t, ev.IsUnhealthy(node))

	clk.Advance(cfg.StartupGrace() + time.Second)
	assert.True(t, ev.IsUnhealthy(node))
}

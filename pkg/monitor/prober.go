package monitor

import (
	"net"
	"time"

	"github.com/marcbachmann/pg-auto-failover/pkg/log"
	"github.com/marcbachmann/pg-auto-failover/pkg/metrics"
	"github.com/marcbachmann/pg-auto-failover/pkg/storage"
	"github.com/marcbachmann/pg-auto-failover/pkg/types"
	"github.com/rs/zerolog"
)

// Prober runs the monitor's out-of-band health checks: a periodic TCP
// probe of every registered node's host:port. Probe outcomes are a
// separate dimension from agent reports; both feed the unhealthy
// verdict of the health evaluator.
type Prober struct {
	monitor  *Monitor
	interval time.Duration
	timeout  time.Duration
	dial     func(addr string, timeout time.Duration) error
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewProber creates a prober over the monitor's node catalog.
func NewProber(m *Monitor) *Prober {
	return &Prober{
		monitor:  m,
		interval: m.cfg.HealthCheckInterval(),
		timeout:  m.cfg.HealthCheckTimeout(),
		dial:     dialTCP,
		logger:   log.WithComponent("prober"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the probe loop.
func (p *Prober) Start() {
	go p.run()
}

// Stop stops the prober.
func (p *Prober) Stop() {
	close(p.stopCh)
}

func (p *Prober) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.interval).Msg("Health prober started")

	for {
		select {
		case <-ticker.C:
			if err := p.probeAll(); err != nil {
				p.logger.Error().Err(err).Msg("Health check cycle failed")
			}
		case <-p.stopCh:
			p.logger.Info().Msg("Health prober stopped")
			return
		}
	}
}

// probeAll checks every node once and records the outcome.
func (p *Prober) probeAll() error {
	var nodes []*types.Node
	err := p.monitor.catalog.View(func(tx storage.Txn) error {
		var err error
		nodes, err = tx.AllNodes()
		return err
	})
	if err != nil {
		return err
	}

	for _, node := range nodes {
		health := types.NodeHealthGood
		if err := p.dial(node.Addr(), p.timeout); err != nil {
			health = types.NodeHealthBad
			p.logger.Debug().
				Int64("node_id", node.ID).
				Str("addr", node.Addr()).
				Err(err).
				Msg("Health probe failed")
		}
		metrics.HealthChecksTotal.WithLabelValues(string(health)).Inc()

		if err := p.monitor.ReportHealthCheck(node.ID, health); err != nil {
			p.logger.Error().
				Err(err).
				Int64("node_id", node.ID).
				Msg("Failed to record health check outcome")
		}
	}
	return nil
}

func dialTCP(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

/*
Package clock provides the monitor's time source and the duration
comparison the failover timeouts are built on.

# Why a seam

Three of the monitor's decisions are pure functions of elapsed time:
whether a silent node is a candidate for unhealthy, whether a freshly
started monitor is still in its grace period, and whether a demoted
primary exhausted its drain timeout. None of these can be tested
against the wall clock without sleeping through the timeouts, so the
state machine and the health evaluator take a Clock and never call
time.Now directly.

# Usage

Production wiring:

	m := monitor.New(cfg, catalog, broker, clock.System())

Tests steer time explicitly:

	clk := clock.NewFake(base)
	...
	clk.Advance(cfg.DrainTimeout() + time.Second)
	// the next rule evaluation sees the drain as expired

ElapsedExceeds is the single comparison primitive:

	clock.ElapsedExceeds(node.ReportTime, clk.Now(), cfg.UnhealthyTimeout())

A zero start time never exceeds anything: a node that was never heard
from has no reference point to measure silence against, so absence of
data is not treated as infinite silence.

# See Also

  - pkg/fsm for the two time-gated predicates built on this package
  - pkg/config for the timeout values themselves
*/
package clock

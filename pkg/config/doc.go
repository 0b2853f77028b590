/*
Package config carries the monitor's tunable timeouts and thresholds.

# Tunables

	drain_timeout_ms            30000   how long a demoted primary may
	                                    flush before the drain is
	                                    considered complete without its
	                                    report
	unhealthy_timeout_ms        20000   report silence that makes a node
	                                    a candidate for unhealthy
	startup_grace_ms            10000   post-start window in which no
	                                    node is declared unhealthy from
	                                    absence alone
	enable_sync_xlog_threshold  16MB    max WAL lag for a catching-up
	                                    standby to become a sync
	                                    candidate
	promote_xlog_threshold      16MB    max WAL lag for a secondary to
	                                    be promotable on primary failure
	health_check_interval_ms    5000    period of the TCP health probe
	health_check_timeout_ms     2000    per-probe dial timeout

Both WAL thresholds default to one 16MB WAL segment. Raising the
promote threshold trades durability for availability: a further-behind
standby becomes promotable, widening the data-loss window on failover.

# Loading

Defaults, overridden by an optional YAML file, overridden by CLI flags:

	cfg, err := config.Load("/etc/pg-auto-failover/monitor.yaml")

	# monitor.yaml
	listen: ":5431"
	data_dir: /var/lib/pg-auto-failover
	drain_timeout_ms: 45000

A missing file is not an error — the defaults stand. Load validates
what it parsed; non-positive timeouts or thresholds fail startup
rather than producing a monitor that can never declare anything
unhealthy.

The Config value travels explicitly into the state machine and the
health evaluator — there are no process globals, so tests parametrize
every timeout per instance.

Millisecond fields have duration accessors (DrainTimeout,
UnhealthyTimeout, StartupGrace, HealthCheckInterval,
HealthCheckTimeout) so call sites compare time.Duration values, not
raw integers.

# See Also

  - pkg/fsm for how the thresholds gate transitions
  - cmd/pg-auto-failover for the flag plumbing
*/
package config

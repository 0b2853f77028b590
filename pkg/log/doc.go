/*
Package log provides the process-wide zerolog logger and the child
loggers the monitor's components derive from it.

# Usage

Initialize once at startup, from flags:

	log.Init(log.Config{Level: "info", JSONOutput: true})

Components tag a child logger and keep it:

	logger := log.WithComponent("prober")
	logger.Warn().Int64("node_id", n.ID).Msg("Health probe failed")

Per-node decision logging uses WithNode, which stamps both the id and
the name so operators can grep either:

	log.WithNode(n.ID, n.Name).Info().Msg("assigned catchingup")

# Behavior

Levels are zerolog's own names (trace through panic), parsed by
zerolog; an unknown level falls back to info rather than failing
monitor startup — a logging misconfiguration must never keep the
failover monitor down. Console output with RFC3339 timestamps is the
default; JSONOutput switches to machine-readable lines. Before Init
runs the package logs JSON to stdout, so early startup errors are not
lost.

The "log" notification channel duplicates these messages for remote
subscribers; see pkg/events.
*/
package log

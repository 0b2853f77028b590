/*
Package metrics defines the monitor's Prometheus collectors, exposed on
the API server's /metrics endpoint.

# Collectors

	pgaf_nodes_total                       gauge, by formation
	pgaf_state_transitions_total           counter, by goal_state
	pgaf_failovers_total                   counter
	pgaf_api_requests_total                counter, by operation/status
	pgaf_api_request_duration_seconds      histogram, by operation
	pgaf_health_checks_total               counter, by outcome
	pgaf_events_recorded_total             counter

# What to watch

	pgaf_state_transitions_total{goal_state="draining"} climbing means
	failovers are happening; correlate with pgaf_health_checks_total
	{outcome="bad"} to tell real node failures from monitor-side
	network trouble. A flat pgaf_events_recorded_total during agent
	traffic is healthy: converged groups assign nothing.

# Usage

Collectors register in init; handlers time themselves with the Timer
helper:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.APIRequestDuration, "node_active")

Handler() returns the promhttp handler the API server mounts.
*/
package metrics

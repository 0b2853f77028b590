/*
Package api exposes the monitor's operations over HTTP/JSON.

# Routes

	POST   /v1/nodes                                  register a node
	POST   /v1/nodes/{id}/active                      agent heartbeat + report
	GET    /v1/nodes/{id}                             read one node
	DELETE /v1/nodes/{id}                             remove a node
	PUT    /v1/nodes/{id}/health                      record a probe verdict
	PUT    /v1/nodes/{id}/candidate-priority          0..100, 0 = never promote
	PUT    /v1/nodes/{id}/replication-quorum          sync-quorum membership
	POST   /v1/nodes/{id}/maintenance                 pin a standby
	DELETE /v1/nodes/{id}/maintenance                 release it
	PUT    /v1/formations/{f}/replication-settings    number_sync_standbys
	GET    /v1/formations/{f}/groups/{g}/nodes        list group members
	POST   /v1/formations/{f}/groups/{g}/failover     operator failover
	GET    /v1/formations/{f}/events?limit=N          recent events
	GET    /v1/events?channel=state&channel=log       live event stream (SSE)
	GET    /healthz                                   liveness
	GET    /metrics                                   Prometheus metrics

# Error codes

Every error body is {"error": ..., "code": ...} with the code mapped
onto the status:

	not_found      404   unknown node or formation
	bad_request    400   validation failure at the boundary
	conflict       409   serialization retry, agents back off and retry
	invalid_state  422   the catalog contradicts itself; operators
	                     inspect and correct it, the monitor does not
	                     self-repair
	internal       500   everything else

Agents treat conflict with exponential backoff; all other errors
propagate to the operator.

# Event stream

/v1/events streams the notification channels as server-sent events, one
event per published message with the channel as the SSE event name.
Delivery is best-effort: a slow consumer misses messages and recovers
by re-reading the catalog, so the stream needs no acknowledgement or
replay protocol.

	curl -N 'http://monitor:5431/v1/events?channel=state'

# Usage

	server := api.NewServer(m, broker)
	go server.Start(cfg.Listen)
	...
	server.Stop(ctx)

Handlers are instrumented with per-operation request counters and
duration histograms; Handler() returns the bare router for tests.

# See Also

  - pkg/monitor for the operations behind each route
  - pkg/events for stream payloads and delivery semantics
  - pkg/metrics for the collectors exposed on /metrics
*/
package api

/*
Package events implements the monitor's notification side: a broker
with the named channels "state" and "log".

# Channels

The monitor notifies on two channels about everything it does:

	state   one JSON record per goal-state assignment: node identity,
	        reported and goal state, sync state, reported LSN,
	        candidate priority, replication quorum, description, time
	log     the monitor's own log messages, duplicated so a client can
	        follow the chatter without tailing server logs

# Delivery guarantees

There are none, on purpose. Every assignment is recorded as a row in
the append-only events table inside the assigning transaction; broker
publication happens after commit. A subscriber with a full buffer
misses the message, a crashed subscriber misses everything in between,
and neither affects correctness — subscribers recover by re-reading the
catalog. The broker likewise never blocks a publisher: a full backlog
drops the message.

# Usage

Publishing (the monitor side):

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	broker.Publish(events.ChannelState, events.StatePayloadFromEvent(row))
	description := broker.LogAndNotify(
		"Setting goal state of %s:%d to single", name, port)

LogAndNotify formats once, writes the message to the monitor log,
publishes it on "log" and returns it so callers reuse the same string
as the event description.

Subscribing (the observer side):

	sub := broker.Subscribe(events.ChannelState)
	defer broker.Unsubscribe(sub)

	for msg := range sub {
		var payload events.StatePayload
		_ = json.Unmarshal(msg.Payload, &payload)
		// react to the assignment
	}

Subscribe with no channel names delivers every channel. Each message
carries a correlation id, its channel and the publication time.

# See Also

  - pkg/monitor for where assignments are committed before publication
  - pkg/api for the server-sent-events stream over these channels
*/
package events

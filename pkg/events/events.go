package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcbachmann/pg-auto-failover/pkg/log"
	"github.com/marcbachmann/pg-auto-failover/pkg/types"
)

// The monitor notifies on two named channels about everything it does:
// "state" carries goal-state assignments, "log" duplicates messages sent
// to the monitor's own log so a client can subscribe to the chatter
// without tailing server logs.
const (
	ChannelState = "state"
	ChannelLog   = "log"
)

// Message is one published notification.
type Message struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// StatePayload is the JSON record published on the "state" channel for
// every goal-state assignment. The events table row is the source of
// truth; this payload is a best-effort copy for live subscribers.
type StatePayload struct {
	NodeID            int64                  `json:"node_id"`
	NodeName          string                 `json:"node_name"`
	NodePort          int                    `json:"port"`
	FormationID       string                 `json:"formation_id"`
	GroupID           int                    `json:"group_id"`
	ReportedState     types.ReplicationState `json:"reported_state"`
	GoalState         types.ReplicationState `json:"goal_state"`
	SyncState         types.SyncState        `json:"sync_state"`
	ReportedLSN       uint64                 `json:"reported_lsn"`
	CandidatePriority int                    `json:"candidate_priority"`
	ReplicationQuorum bool                   `json:"replication_quorum"`
	Description       string                 `json:"description"`
	Time              time.Time              `json:"time"`
}

// StatePayloadFromEvent builds the "state" channel record from an event
// row.
func StatePayloadFromEvent(ev *types.Event) StatePayload {
	return StatePayload{
		NodeID:            ev.NodeID,
		NodeName:          ev.NodeName,
		NodePort:          ev.NodePort,
		FormationID:       ev.FormationID,
		GroupID:           ev.GroupID,
		ReportedState:     ev.ReportedState,
		GoalState:         ev.GoalState,
		SyncState:         ev.SyncState,
		ReportedLSN:       ev.ReportedLSN,
		CandidatePriority: ev.CandidatePriority,
		ReplicationQuorum: ev.ReplicationQuorum,
		Description:       ev.Description,
		Time:              ev.Time,
	}
}

// Subscriber is a channel that receives published messages.
type Subscriber chan *Message

// Broker distributes messages to channel subscribers. Delivery is
// best-effort: a subscriber with a full buffer misses the message and
// has to re-read the catalog to recover state.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]map[string]bool
	messageCh   chan *Message
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new notification broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]map[string]bool),
		messageCh:   make(chan *Message, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe registers interest in the given channels and returns a
// buffered subscriber. With no channels given, all channels are
// delivered.
func (b *Broker) Subscribe(channels ...string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	var wanted map[string]bool
	if len(channels) > 0 {
		wanted = make(map[string]bool, len(channels))
		for _, ch := range channels {
			wanted[ch] = true
		}
	}
	b.subscribers[sub] = wanted
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish sends a payload on a named channel. Marshalling or delivery
// failure never propagates to the caller: publication must not abort
// the transaction that produced the event.
func (b *Broker) Publish(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger := log.WithComponent("events")
		logger.Error().Err(err).
			Str("channel", channel).
			Msg("Failed to encode notification payload")
		return
	}

	msg := &Message{
		ID:      uuid.New().String(),
		Channel: channel,
		Time:    time.Now(),
		Payload: data,
	}

	select {
	case b.messageCh <- msg:
	case <-b.stopCh:
	default:
		// broker backlog full, drop
	}
}

func (b *Broker) run() {
	for {
		select {
		case msg := <-b.messageCh:
			b.broadcast(msg)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(msg *Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, wanted := range b.subscribers {
		if wanted != nil && !wanted[msg.Channel] {
			continue
		}
		select {
		case sub <- msg:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// LogAndNotify formats the message once, writes it to the monitor log
// and publishes it on the "log" channel. It returns the formatted
// message so callers can reuse it as an event description.
func (b *Broker) LogAndNotify(format string, args ...any) string {
	message := fmt.Sprintf(format, args...)
	logger := log.WithComponent("monitor")
	logger.Info().Msg(message)
	b.Publish(ChannelLog, map[string]string{"message": message})
	return message
}

// Package notify implements the Notification Broker (NB): an envelope
// format and in-process pub/sub that fans out change events and position
// closures to delivery adapters and the live WS stream (spec §4.4).
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/domain"
)

// EventType classifies an Envelope's payload, mirroring the teacher's
// typed-event-data idiom (one constant, one payload struct, one method).
type EventType string

const (
	EventSignalChange  EventType = "signal_change"
	EventPositionClosed EventType = "position_closed"
)

// EventData is implemented by every payload type an Envelope can carry.
type EventData interface {
	EventType() EventType
}

// SignalChangeData carries a qualifying change event plus the signal that
// triggered it. It goes through the Broker's single stream; subscribers tell
// it apart by Envelope.Reason == EventSignalChange.
type SignalChangeData struct {
	Change domain.SignalChangeEvent `json:"change"`
	Signal domain.Signal            `json:"signal"`
}

func (d SignalChangeData) EventType() EventType { return EventSignalChange }

// PositionClosedData carries a position's terminal state (spec §4.6 step 5).
// It goes through the same Broker stream as signal changes, marked by
// Envelope.Reason == EventPositionClosed; there is no separate
// position-closed channel.
type PositionClosedData struct {
	Position domain.Position `json:"position"`
}

func (d PositionClosedData) EventType() EventType { return EventPositionClosed }

// Envelope is NB's wire format (spec §4.4).
type Envelope struct {
	EmittedAt  time.Time    `json:"emitted_at"`
	EventID    string       `json:"event_id"`
	Instrument domain.Instrument `json:"instrument"`
	Reason     EventType    `json:"reason"`
	Payload    EventData    `json:"payload"`
}

// channelBuffer bounds each subscriber's backlog; a slow subscriber drops
// envelopes rather than blocking the publisher (see Broker.Publish).
const channelBuffer = 64

// Broker is an in-process pub/sub hub. Unlike the teacher's single-channel
// event bus, each Subscribe call gets its own buffered channel so one slow
// consumer (e.g. a stalled webhook adapter) can't stall delivery to others.
type Broker struct {
	mu          sync.Mutex
	subscribers map[int]chan Envelope
	nextID      int
	log         zerolog.Logger
}

// NewBroker builds an empty Broker.
func NewBroker(log zerolog.Logger) *Broker {
	return &Broker{subscribers: make(map[int]chan Envelope), log: log.With().Str("component", "notify").Logger()}
}

// Subscribe registers a new consumer and returns its channel plus an
// unsubscribe func. The channel closes when unsubscribe is called.
func (b *Broker) Subscribe() (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Envelope, channelBuffer)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Publish fans envelope out to every current subscriber. A subscriber whose
// channel is full has the envelope dropped for it and a warning logged,
// rather than blocking every other subscriber.
func (b *Broker) Publish(ctx context.Context, envelope Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- envelope:
		case <-ctx.Done():
			return
		default:
			b.log.Warn().Int("subscriber", id).Str("event_id", envelope.EventID).Msg("subscriber channel full, dropping envelope")
		}
	}
}

// SubscriberCount reports the current number of live subscribers, used by
// health/metrics endpoints.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

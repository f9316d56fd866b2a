package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTypeQueueChanged         EventType = "queue_changed"
	EventTypeNowPlayingChanged    EventType = "now_playing"
	EventTypePlaybackStateChanged EventType = "player_state"
	EventTypePlaybackError        EventType = "player_error"
)

type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Event payload types
type QueueChangedPayload struct {
	PlaylistID string `json:"playlist_id"`
}

type PlaybackStatePayload struct {
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}

type PlaybackErrorPayload struct {
	Reason string `json:"reason"`
}

// Bus is the in-process domain event bus. Publishers hand events to a
// single dispatcher goroutine which fans them out to every subscriber, so
// subscribers observe events in emission order. A subscriber that falls
// behind has events dropped rather than stalling the dispatcher.
type Bus struct {
	log zerolog.Logger

	mu     sync.Mutex
	subs   []chan Event
	in     chan Event
	done   chan struct{}
	closed bool
}

func NewBus(log zerolog.Logger) *Bus {
	b := &Bus{
		log:  log.With().Str("component", "bus").Logger(),
		in:   make(chan Event, 256),
		done: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Publish emits an event. The payload is marshalled once, at emission.
func (b *Bus) Publish(eventType EventType, payload interface{}) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		b.log.Error().Err(err).Str("event", string(eventType)).Msg("failed to marshal payload")
		return
	}

	ev := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payloadJSON,
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	b.in <- ev
}

// Subscribe registers a new subscriber and returns its event channel.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) dispatch() {
	for ev := range b.in {
		b.mu.Lock()
		subs := b.subs
		b.mu.Unlock()

		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
				b.log.Warn().Str("event", string(ev.Type)).Msg("slow subscriber, event dropped")
			}
		}
	}
	b.mu.Lock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.mu.Unlock()
	close(b.done)
}

// Close stops the dispatcher and closes all subscriber channels after the
// queued events have been delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.in)
	<-b.done
}

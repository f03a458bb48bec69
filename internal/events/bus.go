// Package events is an in-process pub/sub used for observability. Slow
// subscribers miss events rather than blocking publishers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	StateChanged    = "state_changed"
	ServiceCalled   = "service_called"
	ProviderChanged = "provider_changed"
)

// Event is one published change.
type Event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id,omitempty"`
	Time     time.Time      `json:"time"`
	Data     map[string]any `json:"data,omitempty"`
}

// New stamps an id and time onto an event.
func New(typ, entityID string, data map[string]any) Event {
	return Event{ID: uuid.NewString(), Type: typ, EntityID: entityID, Time: time.Now(), Data: data}
}

// Bus fans events out to buffered subscriber channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus { return &Bus{subs: make(map[chan Event]struct{})} }

// Subscribe returns a channel and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

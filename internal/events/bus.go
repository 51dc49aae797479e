// Package events is the in-process change feed. Components publish small
// flat envelopes; subscribers drain them from buffered channels. Publishing
// never blocks: a subscriber that falls behind loses its oldest pending
// events, never the publisher's time.
package events

import (
	"sync"

	"github.com/google/uuid"

	"doppel/internal/ids"
)

// Event is one change-feed entry. Kind names the transition
// ("worker_started", "task_completed", "alert_raised", ...); TargetID is
// the entity that changed.
type Event struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	OutcomeID string `json:"outcome_id,omitempty"`
	TargetID  string `json:"target_id,omitempty"`
	Message   string `json:"message,omitempty"`
	At        int64  `json:"at"`
}

// Bus fans events out to subscribers. The zero value is not usable; a nil
// *Bus is: every publish on it is a no-op, so components can treat the bus
// as optional without guarding call sites.
type Bus struct {
	clock ids.Clock

	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus returns a Bus. A nil clock means the system clock.
func NewBus(clock ids.Clock) *Bus {
	if clock == nil {
		clock = ids.SystemClock()
	}
	return &Bus{
		clock: clock,
		subs:  make(map[int]chan Event),
	}
}

// Publish stamps and delivers the event to every subscriber without
// blocking. Full subscriber buffers drop their oldest event to make room.
func (b *Bus) Publish(kind, outcomeID, targetID, message string) {
	if b == nil {
		return
	}
	ev := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		OutcomeID: outcomeID,
		TargetID:  targetID,
		Message:   message,
		At:        b.clock.Now().UnixMilli(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Subscribe registers a buffered listener. The cancel func detaches it and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers reports the number of attached listeners.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

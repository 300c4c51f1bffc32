package cleanup

import (
	"fmt"
	"sync"
	"time"

	"github.com/docforge/rescache/pkg/utils"
)

// EventType identifies a coordinator notification.
type EventType string

const (
	// EventCleanupPerformed follows every full cleanup. Collaborators should
	// drop their own derived state.
	EventCleanupPerformed EventType = "cleanup-performed"

	// EventLowMemoryEntered is emitted once, when low-memory mode begins.
	EventLowMemoryEntered EventType = "low-memory-entered"
)

// Event is delivered to subscribers.
type Event struct {
	Type      EventType
	Timestamp time.Time
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// bus delivers events to subscribers in subscription order.
type bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
	logger *utils.StructuredLogger
}

func (b *bus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *bus) emit(ev Event) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *bus) deliver(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber panicked", map[string]interface{}{
				"event":      string(ev.Type),
				"subscriber": s.id,
				"panic":      fmt.Sprint(r),
			})
		}
	}()
	s.fn(ev)
}

// Package eventbus provides a small in-memory pub/sub used to surface
// operational events (key rotations, delivery outcomes, sweep summaries)
// without coupling components to each other.
package eventbus

import (
	"sync"
	"time"
)

// Well-known event types published in this repo.
const (
	TypeKeyRotated   = "youtube.key_rotated"
	TypeSweepDone    = "watch.sweep_done"
	TypeNotifyQueued = "notify.queued"
	TypeNotifySent   = "notify.sent"
	TypeNotifyFailed = "notify.failed"
	TypeNotifyDrop   = "notify.dropped"
)

// Event is a lightweight operational signal.
//
// Publish never blocks: slow subscribers drop events rather than stalling
// the publisher. Data should be small and JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{}
}

type subscriber struct {
	ch     chan Event
	closed bool
}

type memBus struct {
	mu   sync.Mutex
	subs []*subscriber
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- e:
		default:
			// subscriber buffer full; drop
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		for i, cur := range b.subs {
			if cur == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(s.ch)
	}
	return s.ch, unsub
}

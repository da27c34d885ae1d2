// Package notify carries engine notifications to explicitly registered
// subscribers.
package notify

import (
	"sync"
	"time"

	"github.com/lanikai/alohacast/internal/logging"
)

var log = logging.DefaultLogger.WithTag("notify")

type Type string

const (
	// The first sample of a capture run arrived.
	SourceReady Type = "source-ready"

	// Capture failed and the graph was torn down.
	EncoderError Type = "encoder-error"

	// The upstream controller changed state.
	UpstreamStateChanged Type = "upstream-state"

	// A measurement period closed on the uplink.
	Throughput Type = "throughput"

	// The number of pull consumers of a class changed.
	ConsumersChanged Type = "consumers"
)

type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`

	State string `json:"state,omitempty"`
	Kbps  int    `json:"kbps,omitempty"`
	Error string `json:"error,omitempty"`
	Class string `json:"class,omitempty"`
	Count int    `json:"count,omitempty"`
}

func (ev Event) String() string {
	switch ev.Type {
	case UpstreamStateChanged:
		return string(ev.Type) + "(" + ev.State + ")"
	case EncoderError:
		return string(ev.Type) + "(" + ev.Error + ")"
	}
	return string(ev.Type)
}

type Handler func(ev Event)

// Bus delivers each published event to every subscriber, synchronously and
// in subscription order. Publish is typically called with the engine's shared
// lock held, so handlers must not block or call back into the engine.
type Bus struct {
	mu       sync.Mutex
	handlers []*subscription

	now func() time.Time
}

type subscription struct {
	fn Handler
}

func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers fn. The returned function removes it again.
func (b *Bus) Subscribe(fn Handler) (cancel func()) {
	sub := &subscription{fn}
	b.mu.Lock()
	// Copy on write, so Publish can iterate without holding mu.
	handlers := make([]*subscription, len(b.handlers), len(b.handlers)+1)
	copy(handlers, b.handlers)
	b.handlers = append(handlers, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub) })
	}
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := make([]*subscription, 0, len(b.handlers))
	for _, s := range b.handlers {
		if s != sub {
			handlers = append(handlers, s)
		}
	}
	b.handlers = handlers
}

// Publish stamps ev with the current time if unset and hands it to all
// subscribers.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}
	b.mu.Lock()
	handlers := b.handlers
	b.mu.Unlock()

	log.Debug("Publish %v to %d subscribers", ev, len(handlers))
	for _, s := range handlers {
		s.fn(ev)
	}
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

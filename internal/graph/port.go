package graph

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacast/internal/media"
)

// A Port is the entry point of a chain: it forwards samples to the next node
// while tracking whether a sample is in flight. Draining a port stops new
// samples from being admitted and waits for the in-flight one to finish, which
// is the only safe moment to unlink what lies behind it.
type Port struct {
	name string
	next media.Sink

	// Number of Push calls currently forwarding a sample.
	inflight int

	// Once set, pushes are dropped at the door.
	draining bool

	// One-shot hooks run before the next admitted sample.
	intercepts []func() error

	pushed  uint64
	dropped uint64

	mu   sync.Mutex
	idle *sync.Cond
}

func NewPort(name string, next media.Sink) *Port {
	p := &Port{
		name: name,
		next: next,
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

func (p *Port) Name() string {
	return p.name
}

func (p *Port) Push(s media.Sample) error {
	p.mu.Lock()
	if p.draining {
		p.dropped++
		p.mu.Unlock()
		return nil
	}
	p.inflight++
	p.pushed++
	intercepts := p.intercepts
	p.intercepts = nil
	next := p.next
	p.mu.Unlock()

	defer p.done()

	for _, fn := range intercepts {
		if err := fn(); err != nil {
			return errors.Wrapf(err, "port %s: intercept", p.name)
		}
	}
	if next == nil {
		return nil
	}
	return next.Push(s)
}

func (p *Port) done() {
	p.mu.Lock()
	p.inflight--
	if p.inflight == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()
}

// Once registers fn to run exactly once, ahead of the next sample admitted by
// the port. The hook removes itself after firing; an error from it is returned
// to the pusher and the sample is not forwarded.
func (p *Port) Once(fn func() error) {
	p.mu.Lock()
	p.intercepts = append(p.intercepts, fn)
	p.mu.Unlock()
}

// Drain stops admitting samples and blocks until none is in flight. It must
// not be called from inside a Push on the same port.
func (p *Port) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.draining {
		log.Trace(5, "port %s: draining", p.name)
	}
	p.draining = true
	for p.inflight > 0 {
		p.idle.Wait()
	}
}

// Draining reports whether the port stopped admitting samples.
func (p *Port) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// Idle reports whether no sample is in flight.
func (p *Port) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight == 0
}

// Stats returns the number of forwarded and dropped samples.
func (p *Port) Stats() (pushed, dropped uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushed, p.dropped
}

// Ports are nodes too, so they can sit inside a chain (e.g. in front of a
// transport to carry an intercept).

func (p *Port) Link(next media.Sink) error {
	p.mu.Lock()
	p.next = next
	p.mu.Unlock()
	return nil
}

func (p *Port) Unlink() {
	p.mu.Lock()
	p.next = nil
	p.mu.Unlock()
}

func (p *Port) Start() error {
	return nil
}

func (p *Port) Stop() error {
	p.Drain()
	return nil
}

package media

import (
	"sync"
	"time"
)

// RelayConfig sizes a Relay.
type RelayConfig struct {
	// Name used in log messages.
	Name string

	// MaxDepth bounds the decode-time span between the oldest and newest
	// buffered samples. Zero disables the time bound.
	MaxDepth time.Duration

	// MaxSamples bounds the number of buffered samples. Must be positive.
	MaxSamples int

	// Held relays buffer pushes but do not deliver until Release is called.
	Held bool
}

// Relay is a bounded FIFO between two nodes. Pushed samples are placed in a
// circular queue; a pump goroutine started by Start delivers them to the linked
// downstream sink. When full, the oldest sample is evicted so latency stays
// bounded.
//
// OnOverrun fires when a push finds the relay full. It is edge-triggered: it
// fires again only after the relay has drained below capacity. OnUnderrun fires
// when the pump finds the relay empty, and is re-armed by the next push. Both
// are called without the relay's lock held.
type Relay struct {
	name     string
	maxDepth time.Duration

	// A circular queue of samples.
	bufs []Sample

	// Number of slots in the circular queue. This is just len(bufs).
	nbufs int

	// Number of slots currently occupied. 0 <= nused <= nbufs.
	nused int

	// The index of the oldest sample. 0 <= first < nbufs.
	first int

	// Single-item channel indicating that the pump should look at the queue.
	available chan struct{}

	// One-time channel indicating that the relay has been stopped.
	dead chan struct{}

	// Closed when the pump goroutine exits.
	done chan struct{}

	held          bool
	started       bool
	overrunArmed  bool
	underrunArmed bool
	evicted       uint64

	next Sink

	OnOverrun  func()
	OnUnderrun func()

	// Mutex held when modifying circular queue state.
	sync.Mutex
}

func NewRelay(cfg RelayConfig) *Relay {
	n := cfg.MaxSamples
	if n <= 0 {
		n = 1
	}
	return &Relay{
		name:         cfg.Name,
		maxDepth:     cfg.MaxDepth,
		bufs:         make([]Sample, n),
		nbufs:        n,
		available:    make(chan struct{}, 1),
		dead:         make(chan struct{}),
		done:         make(chan struct{}),
		held:         cfg.Held,
		overrunArmed: true,
	}
}

func (r *Relay) Name() string {
	return r.name
}

// Push appends s, evicting the oldest samples if the relay is full.
func (r *Relay) Push(s Sample) error {
	r.Lock()
	select {
	case <-r.dead:
		r.Unlock()
		return ErrStopped
	default:
	}

	overrun := false
	if r.wouldOverflow(s) {
		if r.overrunArmed {
			r.overrunArmed = false
			overrun = true
		}
		for r.nused > 0 && r.wouldOverflow(s) {
			r.bufs[r.first] = Sample{}
			r.first = (r.first + 1) % r.nbufs
			r.nused--
			r.evicted++
		}
	}

	r.bufs[(r.first+r.nused)%r.nbufs] = s
	r.nused++
	r.underrunArmed = true
	onOverrun := r.OnOverrun
	r.Unlock()

	r.signal()

	if overrun {
		log.Debug("relay %s: overrun", r.name)
		if onOverrun != nil {
			onOverrun()
		}
	}
	return nil
}

// Must be called with the lock held.
func (r *Relay) wouldOverflow(s Sample) bool {
	if r.nused == r.nbufs {
		return true
	}
	if r.maxDepth > 0 && r.nused > 0 {
		return s.DTS-r.bufs[r.first].DTS > r.maxDepth
	}
	return false
}

// Must be called with the lock held.
func (r *Relay) depth() time.Duration {
	if r.nused == 0 {
		return 0
	}
	last := r.bufs[(r.first+r.nused-1)%r.nbufs]
	return last.DTS - r.bufs[r.first].DTS
}

func (r *Relay) signal() {
	select {
	case r.available <- struct{}{}:
	default:
	}
}

// pop removes the oldest sample. It reports false when the relay is held or
// empty; an empty relay fires OnUnderrun once per fill.
func (r *Relay) pop() (Sample, bool) {
	r.Lock()
	select {
	case <-r.dead:
		r.Unlock()
		return Sample{}, false
	default:
	}
	if r.held {
		r.Unlock()
		return Sample{}, false
	}
	if r.nused == 0 {
		underrun := r.underrunArmed
		r.underrunArmed = false
		onUnderrun := r.OnUnderrun
		r.Unlock()
		if underrun {
			log.Trace(5, "relay %s: underrun", r.name)
			if onUnderrun != nil {
				onUnderrun()
			}
		}
		return Sample{}, false
	}

	s := r.bufs[r.first]
	r.bufs[r.first] = Sample{}
	r.first = (r.first + 1) % r.nbufs
	r.nused--

	// Drained below capacity: the next fill may report an overrun again.
	if !r.overrunArmed && r.nused < r.nbufs && (r.maxDepth == 0 || r.depth() < r.maxDepth) {
		r.overrunArmed = true
	}
	r.Unlock()
	return s, true
}

// Link sets the downstream sink. The relay must not be running.
func (r *Relay) Link(next Sink) error {
	r.Lock()
	defer r.Unlock()
	r.next = next
	return nil
}

func (r *Relay) Unlink() {
	r.Lock()
	r.next = nil
	r.Unlock()
}

func (r *Relay) output() Sink {
	r.Lock()
	defer r.Unlock()
	return r.next
}

// Start launches the pump goroutine.
func (r *Relay) Start() error {
	r.Lock()
	defer r.Unlock()
	select {
	case <-r.dead:
		return ErrStopped
	default:
	}
	if r.started {
		return nil
	}
	r.started = true
	go r.pump()
	return nil
}

// Release lets a held relay start delivering.
func (r *Relay) Release() {
	r.Lock()
	r.held = false
	r.Unlock()
	r.signal()
}

// Stop moves the relay to its terminal state, drops buffered samples and waits
// for the pump to exit. A downstream sink blocked in Push must be stopped first.
func (r *Relay) Stop() error {
	r.Lock()
	select {
	case <-r.dead:
	default:
		close(r.dead)
	}
	started := r.started
	for r.nused > 0 {
		r.bufs[r.first] = Sample{}
		r.first = (r.first + 1) % r.nbufs
		r.nused--
	}
	r.Unlock()

	if started {
		<-r.done
	}
	return nil
}

func (r *Relay) pump() {
	defer close(r.done)
	for {
		if s, ok := r.pop(); ok {
			if next := r.output(); next != nil {
				if err := next.Push(s); err != nil {
					log.Trace(5, "relay %s: downstream push: %v", r.name, err)
				}
			}
			continue
		}

		select {
		case <-r.dead:
			return
		case <-r.available:
		}
	}
}

// Len returns the number of buffered samples.
func (r *Relay) Len() int {
	r.Lock()
	defer r.Unlock()
	return r.nused
}

// Depth returns the decode-time span currently buffered.
func (r *Relay) Depth() time.Duration {
	r.Lock()
	defer r.Unlock()
	return r.depth()
}

// Evicted returns the number of samples dropped to make room.
func (r *Relay) Evicted() uint64 {
	r.Lock()
	defer r.Unlock()
	return r.evicted
}

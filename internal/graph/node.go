package graph

import (
	"sync"
	"sync/atomic"

	"github.com/lanikai/alohacast/internal/media"
)

// Node is a stage in a branch. Nodes are linked into a chain before they are
// started, and stopped (a terminal state) before they are discarded.
type Node interface {
	media.Sink

	// Link sets the downstream node. Nil is not allowed; use Unlink.
	Link(next media.Sink) error
	Unlink()

	Start() error

	// Stop moves the node to its terminal state. Pushes after Stop are
	// dropped or rejected, never forwarded.
	Stop() error
}

// Formatter is implemented by nodes that accept a desired stream format.
type Formatter interface {
	SetFormat(f media.Format) error
}

// Capsfilter passes only samples whose format matches its caps. Zero fields in
// the caps match anything.
type Capsfilter struct {
	name string
	caps media.Format
	next media.Sink

	stopped bool
	dropped uint64

	mu sync.Mutex
}

func NewCapsfilter(name string, caps media.Format) *Capsfilter {
	return &Capsfilter{name: name, caps: caps}
}

func (c *Capsfilter) SetFormat(f media.Format) error {
	c.mu.Lock()
	c.caps = f
	c.mu.Unlock()
	return nil
}

func (c *Capsfilter) Format() media.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

func (c *Capsfilter) Push(s media.Sample) error {
	c.mu.Lock()
	next, caps, stopped := c.next, c.caps, c.stopped
	c.mu.Unlock()

	if stopped {
		return media.ErrStopped
	}
	if !matchCaps(caps, s.Format) {
		if atomic.AddUint64(&c.dropped, 1) == 1 {
			log.Debug("%s: dropping %v samples, caps %v", c.name, s.Format, caps)
		}
		return nil
	}
	if next == nil {
		return nil
	}
	return next.Push(s)
}

// Dropped returns the number of samples rejected by the caps.
func (c *Capsfilter) Dropped() uint64 {
	return atomic.LoadUint64(&c.dropped)
}

func (c *Capsfilter) Link(next media.Sink) error {
	c.mu.Lock()
	c.next = next
	c.mu.Unlock()
	return nil
}

func (c *Capsfilter) Unlink() {
	c.mu.Lock()
	c.next = nil
	c.mu.Unlock()
}

func (c *Capsfilter) Start() error {
	return nil
}

func (c *Capsfilter) Stop() error {
	c.mu.Lock()
	c.stopped = true
	c.next = nil
	c.mu.Unlock()
	return nil
}

func matchCaps(caps, f media.Format) bool {
	switch {
	case caps.Codec != "" && caps.Codec != f.Codec:
		return false
	case caps.Width != 0 && caps.Width != f.Width:
		return false
	case caps.Height != 0 && caps.Height != f.Height:
		return false
	case caps.SampleRate != 0 && caps.SampleRate != f.SampleRate:
		return false
	case caps.Channels != 0 && caps.Channels != f.Channels:
		return false
	}
	return true
}

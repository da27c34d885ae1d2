package graph

import (
	"sync"
	"time"

	"github.com/lanikai/alohacast/internal/media"
)

// collector is a terminal node that records what it receives, and counts pushes
// that arrive after it was stopped.
type collector struct {
	got        []media.Sample
	started    bool
	stopped    bool
	violations int
	startErr   error

	next   media.Sink
	onPush func(media.Sample)

	mu sync.Mutex
}

func (p *collector) Push(s media.Sample) error {
	p.mu.Lock()
	if p.stopped {
		p.violations++
		p.mu.Unlock()
		return media.ErrStopped
	}
	p.got = append(p.got, s)
	next, onPush := p.next, p.onPush
	p.mu.Unlock()

	if onPush != nil {
		onPush(s)
	}
	if next != nil {
		return next.Push(s)
	}
	return nil
}

func (p *collector) Link(next media.Sink) error {
	p.mu.Lock()
	p.next = next
	p.mu.Unlock()
	return nil
}

func (p *collector) Unlink() {
	p.mu.Lock()
	p.next = nil
	p.mu.Unlock()
}

func (p *collector) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.started = true
	return nil
}

func (p *collector) Stop() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	return nil
}

func (p *collector) samples() []media.Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]media.Sample(nil), p.got...)
}

func (p *collector) linked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next != nil
}

func (p *collector) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func seq(n int) media.Sample {
	t := time.Duration(n) * time.Millisecond
	return media.Sample{Kind: media.Video, PTS: t, DTS: t, Keyframe: n%10 == 0, Data: []byte{byte(n)}}
}

// inOrder reports whether got is seq(from), seq(from+1), ...
func inOrder(got []media.Sample, from int) bool {
	for i, s := range got {
		if s.DTS != seq(from+i).DTS {
			return false
		}
	}
	return true
}

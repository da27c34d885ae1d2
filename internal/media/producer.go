package media

import (
	"sync"
	"sync/atomic"
)

// Producer runs a Source's read loop and routes samples by kind to the graph.
// The loop runs while at least one consumer class holds a vote (Acquire); Pause
// and Resume throttle it without tearing it down.
type Producer struct {
	src   Source
	sinks map[Kind]Sink
	loop  *singletonLoop

	mu     sync.Mutex
	paused bool
	resume chan struct{}

	produced uint64

	// OnReady is called from the read loop when a run delivers its first sample.
	OnReady func()

	// OnError is called from the read loop when the source fails. The loop has
	// already stopped reading; the callback must not wait for it.
	OnError func(err error)
}

func NewProducer(src Source, sinks map[Kind]Sink) *Producer {
	p := &Producer{
		src:   src,
		sinks: sinks,
	}
	p.loop = newSingletonLoop(p.run)
	return p
}

func (p *Producer) Source() Source {
	return p.src
}

// Acquire adds a vote for capture to run.
func (p *Producer) Acquire() {
	if p.loop.start() {
		log.Info("Capture started")
	}
}

// Release removes a vote; the last one halts capture.
func (p *Producer) Release() {
	if p.loop.stop() {
		log.Info("Capture halted")
	}
}

// Running reports whether any vote is held.
func (p *Producer) Running() bool {
	return p.loop.running()
}

// Pause stops producing samples until Resume. It never blocks.
func (p *Producer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.resume = make(chan struct{})
		log.Debug("Capture paused")
	}
}

// Resume undoes Pause. It never blocks.
func (p *Producer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		close(p.resume)
		log.Debug("Capture resumed")
	}
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Produced returns the number of samples routed to the graph.
func (p *Producer) Produced() uint64 {
	return atomic.LoadUint64(&p.produced)
}

// waitUnpaused blocks while paused. It returns false when quit is closed.
func (p *Producer) waitUnpaused(quit <-chan struct{}) bool {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return true
	}
	resume := p.resume
	p.mu.Unlock()

	select {
	case <-quit:
		return false
	case <-resume:
		return true
	}
}

func (p *Producer) run(quit <-chan struct{}) {
	first := true
	for {
		if !p.waitUnpaused(quit) {
			return
		}

		s, err := p.src.ReadSample()
		select {
		case <-quit:
			return
		default:
		}
		if err != nil {
			log.Error("Capture read failed: %v", err)
			if p.OnError != nil {
				p.OnError(err)
			}
			return
		}

		// Samples encoded while a pause was being requested are discarded.
		if p.Paused() {
			continue
		}

		if first {
			first = false
			if p.OnReady != nil {
				p.OnReady()
			}
		}

		sink := p.sinks[s.Kind]
		if sink == nil {
			continue
		}
		atomic.AddUint64(&p.produced, 1)
		if err := sink.Push(s); err != nil {
			log.Trace(5, "Push %v sample: %v", s.Kind, err)
		}
	}
}

package graph

import (
	"sync"

	"github.com/lanikai/alohacast/internal/media"
)

// MuxFormat is announced for interleaved samples produced by a Muxer.
var MuxFormat = media.Format{Codec: "FRAMES"}

// A Muxer interleaves the samples of several branches into one stream of Mux
// samples (each carrying one encoded frame) and feeds its own downstream chain.
// There is one muxer per destination class; it lives as long as it has inputs.
type Muxer struct {
	class string

	// Downstream chain; nodes[0] receives the muxed samples.
	nodes []Node

	inputs map[*Port]struct{}

	frames uint64

	// Serializes interleaving so frames leave in arrival order.
	muxMu sync.Mutex

	lock sync.Mutex
}

// A MuxerFactory builds the muxer for a destination class, including its
// downstream chain. The surgeon links and starts it.
type MuxerFactory func(class string) (*Muxer, error)

func NewMuxer(class string, downstream ...Node) *Muxer {
	return &Muxer{
		class:  class,
		nodes:  downstream,
		inputs: make(map[*Port]struct{}),
	}
}

func (m *Muxer) Class() string {
	return m.class
}

// NewInput creates an input port feeding the muxer.
func (m *Muxer) NewInput(name string) *Port {
	p := NewPort(m.class+"/mux/"+name, media.SinkFunc(m.push))
	m.lock.Lock()
	m.inputs[p] = struct{}{}
	m.lock.Unlock()
	return p
}

// RemoveInput drains p and forgets it. It returns the number of inputs left.
func (m *Muxer) RemoveInput(p *Port) int {
	p.Drain()
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.inputs, p)
	return len(m.inputs)
}

// Inputs returns the number of live inputs.
func (m *Muxer) Inputs() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.inputs)
}

// Frames returns the number of samples interleaved so far.
func (m *Muxer) Frames() uint64 {
	m.muxMu.Lock()
	defer m.muxMu.Unlock()
	return m.frames
}

func (m *Muxer) push(s media.Sample) error {
	m.muxMu.Lock()
	defer m.muxMu.Unlock()
	if len(m.nodes) == 0 {
		return nil
	}
	m.frames++
	return m.nodes[0].Push(media.Sample{
		Kind:     media.Mux,
		PTS:      s.PTS,
		DTS:      s.DTS,
		Keyframe: s.Kind == media.Video && s.Keyframe,
		Format:   MuxFormat,
		Data:     media.AppendFrame(nil, s),
	})
}

// start links the downstream chain and starts it from the tail.
func (m *Muxer) start() error {
	if err := linkChain(m.nodes); err != nil {
		return err
	}
	if err := startChain(m.nodes); err != nil {
		unlinkChain(m.nodes)
		return err
	}
	return nil
}

// stop drains any remaining inputs, then unlinks and stops the downstream
// chain.
func (m *Muxer) stop() {
	m.lock.Lock()
	inputs := make([]*Port, 0, len(m.inputs))
	for p := range m.inputs {
		inputs = append(inputs, p)
	}
	m.inputs = make(map[*Port]struct{})
	m.lock.Unlock()

	for _, p := range inputs {
		p.Drain()
	}
	unlinkChain(m.nodes)
	stopChain(m.nodes)
}

//////////////////////////////////////////////////////////////////////////////
//
// Fan-out splitter
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package graph

import (
	"sync"
	"sync/atomic"

	"github.com/lanikai/alohacast/internal/media"
)

// Splitter duplicates one input stream to any number of output ports. Ports
// can be attached and detached while samples are flowing; the port list is
// copy-on-write, so a detach never holds up delivery to the other ports.
type Splitter struct {
	name string

	// Start is called when the first port is attached.
	Start func()

	// Stop is called when the last port is detached.
	Stop func()

	// Replaced wholesale on attach/detach; never modified in place.
	ports []*Port

	pushed uint64

	mu sync.RWMutex
}

func NewSplitter(name string) *Splitter {
	return &Splitter{name: name}
}

func (sp *Splitter) Name() string {
	return sp.name
}

// Attach allocates an output port that forwards to next.
func (sp *Splitter) Attach(name string, next media.Sink) *Port {
	p := NewPort(sp.name+"/"+name, next)

	sp.mu.Lock()
	ports := make([]*Port, len(sp.ports), len(sp.ports)+1)
	copy(ports, sp.ports)
	sp.ports = append(ports, p)
	first := len(sp.ports) == 1
	sp.mu.Unlock()

	log.Debug("%s: attached %s", sp.name, p.name)
	if first && sp.Start != nil {
		sp.Start()
	}
	return p
}

// Detach releases a port's slot. The caller should drain the port first;
// a port detached while busy finishes its current sample undisturbed.
func (sp *Splitter) Detach(p *Port) error {
	sp.mu.Lock()
	found := -1
	for i, port := range sp.ports {
		if port == p {
			found = i
			break
		}
	}
	if found < 0 {
		sp.mu.Unlock()
		return errUnknownPort
	}
	ports := make([]*Port, 0, len(sp.ports)-1)
	ports = append(ports, sp.ports[:found]...)
	ports = append(ports, sp.ports[found+1:]...)
	sp.ports = ports
	last := len(sp.ports) == 0
	sp.mu.Unlock()

	log.Debug("%s: detached %s", sp.name, p.name)
	if last && sp.Stop != nil {
		sp.Stop()
	}
	return nil
}

// Push hands s to every attached port, in attach order.
func (sp *Splitter) Push(s media.Sample) error {
	sp.mu.RLock()
	ports := sp.ports
	sp.mu.RUnlock()

	atomic.AddUint64(&sp.pushed, 1)
	for _, p := range ports {
		if err := p.Push(s); err != nil {
			log.Trace(5, "%s: %v", p.name, err)
		}
	}
	return nil
}

// Len returns the number of attached ports.
func (sp *Splitter) Len() int {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return len(sp.ports)
}

// Pushed returns the number of samples received.
func (sp *Splitter) Pushed() uint64 {
	return atomic.LoadUint64(&sp.pushed)
}

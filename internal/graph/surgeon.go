//////////////////////////////////////////////////////////////////////////////
//
// Runtime insertion and removal of branches
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package graph

import (
	"sync"

	"github.com/pkg/errors"
)

// Surgeon inserts branches into and removes them from a live graph.
//
// Branch bookkeeping is guarded by the lock handed to NewSurgeon (normally the
// owner's shared lock); Insert and Remove take it only briefly and must be
// called without it held, since removal waits for samples in flight and those
// samples may need the same lock to finish.
type Surgeon struct {
	lock sync.Locker

	factories map[string]MuxerFactory
	muxers    map[string]*Muxer

	// Per class, serializes muxer creation and teardown. Guarded by lock.
	classMu map[string]*sync.Mutex

	exec *executor
}

func NewSurgeon(lock sync.Locker) *Surgeon {
	return &Surgeon{
		lock:      lock,
		factories: make(map[string]MuxerFactory),
		muxers:    make(map[string]*Muxer),
		classMu:   make(map[string]*sync.Mutex),
		exec:      newExecutor(),
	}
}

// RegisterMuxer sets the factory used to create the shared muxer of a
// destination class on first use.
func (s *Surgeon) RegisterMuxer(class string, factory MuxerFactory) {
	s.lock.Lock()
	s.factories[class] = factory
	s.lock.Unlock()
}

// Muxer returns the live muxer of a class, or nil.
func (s *Surgeon) Muxer(class string) *Muxer {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.muxers[class]
}

// State returns the branch's lifecycle state.
func (s *Surgeon) State(b *Branch) BranchState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return b.state
}

// Insert links b's chain, starts it and attaches it to sp. On failure b is
// left unattached and nothing of it is reachable from the graph.
func (s *Surgeon) Insert(sp *Splitter, b *Branch) error {
	if len(b.Nodes) == 0 {
		return ErrEmptyBranch
	}
	s.lock.Lock()
	if b.state != Unattached {
		s.lock.Unlock()
		return errors.Wrapf(ErrNotUnattached, "%v is %v", b, b.state)
	}
	s.lock.Unlock()

	if err := s.build(b); err != nil {
		log.Warn("Insert %v failed: %v", b, err)
		return errors.Wrapf(err, "insert %v", b)
	}

	port := sp.Attach(b.Name, b.Nodes[0])

	s.lock.Lock()
	b.state = Attached
	b.splitter = sp
	b.port = port
	s.lock.Unlock()

	log.Info("Inserted %v into %s", b, sp.Name())
	return nil
}

// build prepares a disconnected chain: link, apply format, join the class muxer
// and start from the tail. It undoes its own work on failure.
func (s *Surgeon) build(b *Branch) (err error) {
	defer func() {
		if err != nil {
			unlinkChain(b.Nodes)
			if b.mux != nil {
				s.releaseMuxer(b.mux, b.muxIn)
				b.mux, b.muxIn = nil, nil
			}
		}
	}()

	if err := linkChain(b.Nodes); err != nil {
		return err
	}

	if !b.Format.IsZero() {
		for _, n := range b.Nodes {
			if f, ok := n.(Formatter); ok {
				if err := f.SetFormat(b.Format); err != nil {
					return errors.Wrapf(err, "set format %v", b.Format)
				}
			}
		}
	}

	if b.Muxed {
		m, in, err := s.joinMuxer(b)
		if err != nil {
			return err
		}
		b.mux, b.muxIn = m, in
		if err := b.Nodes[len(b.Nodes)-1].Link(in); err != nil {
			return errors.Wrap(err, "link to muxer")
		}
	}

	return startChain(b.Nodes)
}

// joinMuxer returns the class muxer, creating and starting it if needed, and
// a fresh input port on it.
func (s *Surgeon) joinMuxer(b *Branch) (*Muxer, *Port, error) {
	mu := s.classLock(b.Class)
	mu.Lock()
	defer mu.Unlock()

	s.lock.Lock()
	m := s.muxers[b.Class]
	factory := s.factories[b.Class]
	s.lock.Unlock()

	if m == nil {
		if factory == nil {
			return nil, nil, errors.Wrapf(ErrNoMuxer, "class '%s'", b.Class)
		}
		var err error
		if m, err = factory(b.Class); err != nil {
			return nil, nil, errors.Wrapf(err, "create %s muxer", b.Class)
		}
		if err := m.start(); err != nil {
			return nil, nil, errors.Wrapf(err, "start %s muxer", b.Class)
		}
		s.lock.Lock()
		s.muxers[b.Class] = m
		s.lock.Unlock()
		log.Debug("Created %s muxer", b.Class)
	}
	return m, m.NewInput(b.Name), nil
}

// classLock returns the lock serializing muxer changes of one class, so that
// tearing down one class's muxer never delays another class.
func (s *Surgeon) classLock(class string) *sync.Mutex {
	s.lock.Lock()
	defer s.lock.Unlock()
	mu := s.classMu[class]
	if mu == nil {
		mu = new(sync.Mutex)
		s.classMu[class] = mu
	}
	return mu
}

// releaseMuxer removes one input and tears the muxer down with its last one.
func (s *Surgeon) releaseMuxer(m *Muxer, in *Port) {
	mu := s.classLock(m.class)
	mu.Lock()
	defer mu.Unlock()

	if m.RemoveInput(in) > 0 {
		return
	}

	s.lock.Lock()
	if s.muxers[m.class] == m {
		delete(s.muxers, m.class)
	}
	s.lock.Unlock()

	m.stop()
	log.Debug("Removed %s muxer", m.class)
}

// Remove waits for b's entry port to go idle, detaches it, and stops every
// node of the chain. Must not be called from a sample callback running on the
// branch itself; use RemoveLater there.
func (s *Surgeon) Remove(b *Branch) error {
	s.lock.Lock()
	if b.state != Attached {
		s.lock.Unlock()
		return errors.Wrapf(ErrNotAttached, "%v is %v", b, b.state)
	}
	b.state = Draining
	sp, port := b.splitter, b.port
	s.lock.Unlock()

	port.Drain()
	if err := sp.Detach(port); err != nil {
		log.Warn("Detach %v: %v", b, err)
	}
	unlinkChain(b.Nodes)
	stopChain(b.Nodes)

	if b.mux != nil {
		s.releaseMuxer(b.mux, b.muxIn)
	}

	s.lock.Lock()
	b.state = Detached
	b.splitter, b.port = nil, nil
	b.mux, b.muxIn = nil, nil
	s.lock.Unlock()

	log.Info("Removed %v", b)
	return nil
}

// Defer runs fn on the surgeon's executor goroutine, after any previously
// deferred work.
func (s *Surgeon) Defer(fn func()) {
	s.exec.submit(fn)
}

// RemoveLater schedules Remove(b) on the executor and calls done (if not nil)
// with its result.
func (s *Surgeon) RemoveLater(b *Branch, done func(error)) {
	s.Defer(func() {
		err := s.Remove(b)
		if done != nil {
			done(err)
		}
	})
}

// Sync waits for all previously deferred work to finish. It must not be called
// from deferred work.
func (s *Surgeon) Sync() {
	ch := make(chan struct{})
	s.Defer(func() { close(ch) })
	<-ch
}

// Close runs pending deferred work and stops the executor.
func (s *Surgeon) Close() {
	s.exec.close()
}

// Package consumer tracks attached pull consumers and delivers rebased samples
// to them.
package consumer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Class is a destination class. All sessions of a class share one delivery
// path.
type Class string

const (
	// Elementary streams: separate video and audio samples.
	ES Class = "es"

	// Multiplexed stream: interleaved frames from the class muxer.
	TS Class = "ts"
)

// ErrUnknownSession is returned when closing a session that is not open.
var ErrUnknownSession = errors.New("consumer: unknown session")

// DefaultQueueLen bounds each session's outbound queue.
const DefaultQueueLen = 256

// Registry tracks open sessions. Its state is guarded by the lock passed to
// NewRegistry, which delivery nodes also take for each sample.
type Registry struct {
	lock sync.Locker

	sessions map[uuid.UUID]*Session
	counts   map[Class]int

	// Called with the lock held whenever a class count changes.
	observers []func(class Class, count int)

	// QueueLen sizes the queue of sessions opened afterwards.
	QueueLen int
}

func NewRegistry(lock sync.Locker) *Registry {
	return &Registry{
		lock:     lock,
		sessions: make(map[uuid.UUID]*Session),
		counts:   make(map[Class]int),
		QueueLen: DefaultQueueLen,
	}
}

// Observe registers fn to be called, under the lock, on every count change.
// fn must not block.
func (r *Registry) Observe(fn func(class Class, count int)) {
	r.lock.Lock()
	r.observers = append(r.observers, fn)
	r.lock.Unlock()
}

// Open adds a session of the given class.
func (r *Registry) Open(class Class) *Session {
	s := newSession(class, r.QueueLen)

	r.lock.Lock()
	defer r.lock.Unlock()
	r.sessions[s.ID] = s
	r.counts[class]++
	log.Info("Session %s opened (%s, %d live)", s.ID, class, r.counts[class])
	r.notify(class)
	return s
}

// Close removes a session and ends its Done channel.
func (r *Registry) Close(id uuid.UUID) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return errors.Wrapf(ErrUnknownSession, "%s", id)
	}
	delete(r.sessions, id)
	r.counts[s.Class]--
	close(s.done)
	log.Info("Session %s closed after %v (%s, %d live)",
		id, time.Since(s.Opened).Round(time.Second), s.Class, r.counts[s.Class])
	r.notify(s.Class)
	return nil
}

// CloseAll closes every session, e.g. when local distribution is disabled.
func (r *Registry) CloseAll() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	n := 0
	for id, s := range r.sessions {
		delete(r.sessions, id)
		r.counts[s.Class]--
		close(s.done)
		n++
	}
	for class := range r.counts {
		r.notify(class)
	}
	return n
}

// Count returns the live sessions of a class.
func (r *Registry) Count(class Class) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.counts[class]
}

// Total returns the live sessions of all classes.
func (r *Registry) Total() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.sessions)
}

// Must be called with the lock held.
func (r *Registry) classSessions(class Class) []*Session {
	if r.counts[class] == 0 {
		return nil
	}
	out := make([]*Session, 0, r.counts[class])
	for _, s := range r.sessions {
		if s.Class == class {
			out = append(out, s)
		}
	}
	return out
}

// Must be called with the lock held.
func (r *Registry) notify(class Class) {
	for _, fn := range r.observers {
		fn(class, r.counts[class])
	}
}

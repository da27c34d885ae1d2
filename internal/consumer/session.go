package consumer

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lanikai/alohacast/internal/media"
	"github.com/lanikai/alohacast/internal/rebase"
)

// Message is one item for a consumer: either a format announcement or a
// rebased sample.
type Message struct {
	// Non-nil for announcements, in which case Sample carries only the kind.
	Format *media.Format

	Sample media.Sample
}

// Session is one attached pull consumer.
type Session struct {
	ID     uuid.UUID
	Class  Class
	Opened time.Time

	// Guarded by the registry lock.
	rebaser *rebase.Rebaser

	out  chan Message
	done chan struct{}

	sent    uint64
	dropped uint64
}

func newSession(class Class, queueLen int) *Session {
	if queueLen <= 0 {
		queueLen = DefaultQueueLen
	}
	// Room for a format announcement and its keyframe.
	if queueLen < 2 {
		queueLen = 2
	}
	return &Session{
		ID:      uuid.New(),
		Class:   class,
		Opened:  time.Now(),
		rebaser: rebase.NewRebaser(),
		out:     make(chan Message, queueLen),
		done:    make(chan struct{}),
	}
}

// Messages returns the outbound queue. It is never closed; select on Done.
func (s *Session) Messages() <-chan Message {
	return s.out
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// enqueue adds m without blocking. It returns false, leaving the queue as it
// was, if the consumer is not keeping up.
func (s *Session) enqueue(m Message) bool {
	select {
	case s.out <- m:
		atomic.AddUint64(&s.sent, 1)
		return true
	default:
		return false
	}
}

// resync discards everything queued. Queued samples depend on each other (and
// on the format announced ahead of them), so dropping any one of them breaks
// the stream until the next keyframe. Must be called with the registry lock
// held.
func (s *Session) resync() {
	var n uint64
flush:
	for {
		select {
		case <-s.out:
			n++
		default:
			break flush
		}
	}
	total := atomic.AddUint64(&s.dropped, n)
	log.Warn("Session %s: consumer too slow, dropped %d messages (%d total)", s.ID, n, total)
	s.rebaser.Resync()
}

// Stats returns the number of queued and dropped messages.
func (s *Session) Stats() (sent, dropped uint64) {
	return atomic.LoadUint64(&s.sent), atomic.LoadUint64(&s.dropped)
}

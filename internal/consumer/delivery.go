package consumer

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/lanikai/alohacast/internal/media"
)

// DefaultHeartbeat is the interval between idle heartbeats.
const DefaultHeartbeat = 10 * time.Second

var errTerminal = errors.New("consumer: delivery is a terminal node")

// Delivery is the terminal node of a pull branch. For each sample it looks up
// the live sessions of its class; with none, the sample is dropped and an
// occasional heartbeat is emitted instead. Otherwise every session rebases the
// sample onto its own timeline and queues it.
type Delivery struct {
	name     string
	class    Class
	registry *Registry

	heartbeat *rate.Limiter

	// OnHeartbeat is called (without the lock) when an idle heartbeat is due.
	OnHeartbeat func(class Class)

	// Totals, if set, accumulates counts across deliveries.
	Totals *Totals

	stopped   int32
	delivered uint64
	gated     uint64
}

func NewDelivery(name string, class Class, registry *Registry, heartbeat time.Duration) *Delivery {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Delivery{
		name:      name,
		class:     class,
		registry:  registry,
		heartbeat: rate.NewLimiter(rate.Every(heartbeat), 1),
	}
}

func (d *Delivery) Class() Class {
	return d.class
}

func (d *Delivery) Push(s media.Sample) error {
	if atomic.LoadInt32(&d.stopped) != 0 {
		return media.ErrStopped
	}

	r := d.registry
	r.lock.Lock()
	sessions := r.classSessions(d.class)
	if len(sessions) == 0 {
		r.lock.Unlock()
		atomic.AddUint64(&d.gated, 1)
		if d.Totals != nil {
			atomic.AddUint64(&d.Totals.gated, 1)
		}
		if d.heartbeat.Allow() {
			log.Debug("%s: idle, no %s consumers", d.name, d.class)
			if d.OnHeartbeat != nil {
				d.OnHeartbeat(d.class)
			}
		}
		return nil
	}

	for _, sess := range sessions {
		if d.deliver(sess, s) {
			atomic.AddUint64(&d.delivered, 1)
			if d.Totals != nil {
				atomic.AddUint64(&d.Totals.delivered, 1)
			}
		}
	}
	r.lock.Unlock()
	return nil
}

// deliver queues s, preceded by its format if that changed, and reports
// whether it was queued. A session whose queue is full is resynchronized and
// s is offered once more; it only gets through if it is a keyframe.
//
// Must be called with the registry lock held.
func (d *Delivery) deliver(sess *Session, s media.Sample) bool {
	for attempt := 0; attempt < 2; attempt++ {
		out, announce, ok := sess.rebaser.Apply(s)
		if !ok {
			return false
		}
		if announce {
			f := out.Format
			if !sess.enqueue(Message{Format: &f, Sample: media.Sample{Kind: out.Kind}}) {
				sess.resync()
				continue
			}
		}
		if sess.enqueue(Message{Sample: out}) {
			return true
		}
		sess.resync()
	}
	return false
}

// Delivered returns the number of samples queued to sessions.
func (d *Delivery) Delivered() uint64 {
	return atomic.LoadUint64(&d.delivered)
}

// Gated returns the number of samples dropped for lack of consumers.
func (d *Delivery) Gated() uint64 {
	return atomic.LoadUint64(&d.gated)
}

func (d *Delivery) Link(media.Sink) error {
	return errTerminal
}

func (d *Delivery) Unlink() {}

func (d *Delivery) Start() error {
	return nil
}

func (d *Delivery) Stop() error {
	atomic.StoreInt32(&d.stopped, 1)
	return nil
}

// Totals are delivery counters that outlive individual delivery nodes.
type Totals struct {
	delivered uint64
	gated     uint64
}

func (t *Totals) Delivered() uint64 {
	return atomic.LoadUint64(&t.delivered)
}

func (t *Totals) Gated() uint64 {
	return atomic.LoadUint64(&t.gated)
}

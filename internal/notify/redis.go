package notify

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel events are published on.
const DefaultChannel = "alohacast:events"

// Publisher is the subset of redis.UniversalClient used here.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher forwards events to a Redis pub/sub channel as JSON. Handle is
// safe to use as a Bus subscriber: it only queues, and drops events when the
// queue is full. Run does the network I/O.
type RedisPublisher struct {
	client  Publisher
	channel string
	queue   chan Event

	published uint64
	dropped   uint64
	failed    uint64
}

// NewRedisClient connects to one or more Redis nodes.
func NewRedisClient(addrs []string, password string) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: password,
	})
}

func NewRedisPublisher(client Publisher, channel string, queueLen int) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if queueLen <= 0 {
		queueLen = 64
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		queue:   make(chan Event, queueLen),
	}
}

// Handle queues ev for publishing. It never blocks.
func (p *RedisPublisher) Handle(ev Event) {
	select {
	case p.queue <- ev:
	default:
		if atomic.AddUint64(&p.dropped, 1)%50 == 1 {
			log.Warn("Redis queue full, dropping %v", ev)
		}
	}
}

// Run publishes queued events until ctx is done.
func (p *RedisPublisher) Run(ctx context.Context) error {
	log.Info("Publishing events to redis channel %q", p.channel)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.queue:
			if err := p.publish(ctx, ev); err != nil {
				atomic.AddUint64(&p.failed, 1)
				log.Warn("%v", err)
			}
		}
	}
}

func (p *RedisPublisher) publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "redis publish %v", ev)
	}
	atomic.AddUint64(&p.published, 1)
	return nil
}

// Stats returns the number of published, dropped and failed events.
func (p *RedisPublisher) Stats() (published, dropped, failed uint64) {
	return atomic.LoadUint64(&p.published), atomic.LoadUint64(&p.dropped), atomic.LoadUint64(&p.failed)
}

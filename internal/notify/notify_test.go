package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusOrderAndCancel(t *testing.T) {
	bus := NewBus()
	var got []string
	cancelA := bus.Subscribe(func(ev Event) { got = append(got, "a:"+string(ev.Type)) })
	bus.Subscribe(func(ev Event) { got = append(got, "b:"+string(ev.Type)) })
	assert.Equal(t, 2, bus.Len())

	bus.Publish(Event{Type: SourceReady})
	cancelA()
	cancelA()
	bus.Publish(Event{Type: Throughput, Kbps: 10})

	assert.Equal(t, []string{"a:source-ready", "b:source-ready", "b:throughput"}, got)
	assert.Equal(t, 1, bus.Len())
}

func TestBusStampsTime(t *testing.T) {
	bus := NewBus()
	at := time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return at }

	var got Event
	bus.Subscribe(func(ev Event) { got = ev })
	bus.Publish(Event{Type: UpstreamStateChanged, State: "Waiting"})
	assert.Equal(t, at, got.Time)
	assert.Equal(t, "upstream-state(Waiting)", got.String())
}

func TestBusUnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus()
	var cancel func()
	calls := 0
	cancel = bus.Subscribe(func(ev Event) {
		calls++
		cancel()
	})
	bus.Publish(Event{Type: SourceReady})
	bus.Publish(Event{Type: SourceReady})
	assert.Equal(t, 1, calls)
}

type fakeRedis struct {
	sync.Mutex
	channel  string
	messages [][]byte
	err      error
	sent     chan struct{}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.Lock()
	defer f.Unlock()
	defer func() { f.sent <- struct{}{} }()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.channel = channel
	f.messages = append(f.messages, message.([]byte))
	return redis.NewIntResult(1, nil)
}

func TestRedisPublisher(t *testing.T) {
	fake := &fakeRedis{sent: make(chan struct{}, 8)}
	p := NewRedisPublisher(fake, "", 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	p.Handle(Event{Type: Throughput, Kbps: 1234})
	p.Handle(Event{Type: EncoderError, Error: "read failed"})
	<-fake.sent
	<-fake.sent
	cancel()
	require.NoError(t, <-done)

	fake.Lock()
	defer fake.Unlock()
	assert.Equal(t, DefaultChannel, fake.channel)
	require.Len(t, fake.messages, 2)
	var ev Event
	require.NoError(t, json.Unmarshal(fake.messages[0], &ev))
	assert.Equal(t, Throughput, ev.Type)
	assert.Equal(t, 1234, ev.Kbps)

	published, dropped, failed := p.Stats()
	assert.EqualValues(t, 2, published)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)
}

func TestRedisPublisherDropsAndFails(t *testing.T) {
	fake := &fakeRedis{sent: make(chan struct{}, 8), err: errors.New("connection refused")}
	p := NewRedisPublisher(fake, "events", 1)

	p.Handle(Event{Type: SourceReady})
	p.Handle(Event{Type: SourceReady})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()
	<-fake.sent
	cancel()
	require.NoError(t, <-done)

	published, dropped, failed := p.Stats()
	assert.Zero(t, published)
	assert.EqualValues(t, 1, dropped)
	assert.EqualValues(t, 1, failed)
}

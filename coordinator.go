//////////////////////////////////////////////////////////////////////////////
//
// Coordinator distributes one live source to pull consumers and one push
// destination.
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package alohacast

import (
	"net/http"
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacast/internal/consumer"
	"github.com/lanikai/alohacast/internal/graph"
	"github.com/lanikai/alohacast/internal/media"
	"github.com/lanikai/alohacast/internal/metrics"
	"github.com/lanikai/alohacast/internal/notify"
	"github.com/lanikai/alohacast/internal/pull"
	"github.com/lanikai/alohacast/internal/upstream"
)

// Coordinator owns the processing graph: the capture producer, one splitter
// per elementary stream, and the branches hanging off them. All bookkeeping is
// guarded by one shared lock, which is handed to the surgeon, the consumer
// registry and the upstream controller.
type Coordinator struct {
	cfg Config

	// The shared lock.
	mu sync.Mutex

	// Serializes local distribution changes and teardown.
	localMu sync.Mutex

	source   media.Source
	producer *media.Producer
	video    *graph.Splitter
	audio    *graph.Splitter

	surgeon  *graph.Surgeon
	registry *consumer.Registry
	upstream *upstream.Controller

	bus     *notify.Bus
	metrics *metrics.Metrics
	totals  consumer.Totals

	// Guarded by mu.
	local   *localDistribution
	failing bool
	closed  bool
}

type localDistribution struct {
	server   *pull.Server
	branches []*graph.Branch
}

// New builds the graph around src. Nothing runs until a branch is inserted.
func New(src media.Source, cfg Config) (*Coordinator, error) {
	if src.Video() == nil {
		return nil, ErrNoVideo
	}

	c := &Coordinator{
		cfg:     cfg,
		source:  src,
		video:   graph.NewSplitter("video"),
		bus:     notify.NewBus(),
		metrics: metrics.New(),
	}
	sinks := map[media.Kind]media.Sink{media.Video: c.video}
	if src.Audio() != nil {
		c.audio = graph.NewSplitter("audio")
		sinks[media.Audio] = c.audio
	}

	c.producer = media.NewProducer(src, sinks)
	c.producer.OnReady = c.sourceReady
	c.producer.OnError = c.captureFailed

	// Each splitter holds one capture vote while it has ports.
	for _, sp := range []*graph.Splitter{c.video, c.audio} {
		if sp != nil {
			sp.Start = c.producer.Acquire
			sp.Stop = c.producer.Release
		}
	}

	c.surgeon = graph.NewSurgeon(&c.mu)
	c.surgeon.RegisterMuxer(string(consumer.TS), c.newTSMuxer)

	c.registry = consumer.NewRegistry(&c.mu)
	if cfg.SessionQueue > 0 {
		c.registry.QueueLen = cfg.SessionQueue
	}
	c.registry.Observe(c.consumersChanged)

	deps := upstream.Deps{
		Lock:         &c.mu,
		Surgeon:      c.surgeon,
		Video:        c.video,
		Audio:        c.audio,
		Capture:      c.producer,
		VideoEncoder: src.Video(),
		AudioEncoder: src.Audio(),
		Dialer:       cfg.Dialer,
		OnState:      c.upstreamStateChanged,
		OnThroughput: c.throughputMeasured,
	}
	c.upstream = upstream.NewController(cfg.Upstream, deps)

	c.metrics.CounterFunc("alohacast_gated_samples_total",
		"Samples dropped by delivery branches with no consumers",
		func() float64 { return float64(c.totals.Gated()) })
	c.metrics.CounterFunc("alohacast_delivered_samples_total",
		"Samples queued to pull sessions",
		func() float64 { return float64(c.totals.Delivered()) })
	c.metrics.CounterFunc("alohacast_upstream_overruns_total",
		"Total number of uplink relay overruns",
		func() float64 { return float64(c.upstream.Overruns()) })
	c.metrics.SetUpstreamState(int(upstream.Disabled), upstream.Disabled.String())
	c.updateGauges()

	return c, nil
}

// Subscribe registers fn for notifications. fn is called with the shared lock
// held and must not block or call back into the coordinator.
func (c *Coordinator) Subscribe(fn notify.Handler) (cancel func()) {
	return c.bus.Subscribe(fn)
}

// MetricsHandler serves the coordinator's Prometheus registry.
func (c *Coordinator) MetricsHandler() http.Handler {
	return c.metrics.Handler(c.updateGauges)
}

// Metrics returns the coordinator's collectors, e.g. for request middleware.
func (c *Coordinator) Metrics() *metrics.Metrics {
	return c.metrics
}

func (c *Coordinator) updateGauges() {
	c.metrics.SetBitrate("video", c.source.Video().Bitrate())
	if a := c.source.Audio(); a != nil {
		c.metrics.SetBitrate("audio", a.Bitrate())
	}
}

func (c *Coordinator) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

//
// Upstream
//

// EnableUpstream starts pushing to host:port, authenticating with token if it
// is not empty.
func (c *Coordinator) EnableUpstream(host string, port int, token string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.upstream.Enable(host, port, token)
}

// DisableUpstream stops the push destination. It returns
// upstream.ErrNotEnabled when already disabled.
func (c *Coordinator) DisableUpstream() error {
	return c.upstream.Disable()
}

func (c *Coordinator) UpstreamState() upstream.State {
	return c.upstream.State()
}

// Throughput returns the last measured upstream throughput in kbit/s.
func (c *Coordinator) Throughput() int {
	return c.upstream.Throughput()
}

func (c *Coordinator) AutoBitrate() bool {
	return c.upstream.AutoBitrate()
}

func (c *Coordinator) SetAutoBitrate(enabled bool) {
	c.upstream.SetAutoBitrate(enabled)
}

// Must be called with the shared lock held.
func (c *Coordinator) upstreamStateChanged(s upstream.State) {
	c.metrics.SetUpstreamState(int(s), s.String())
	c.bus.Publish(notify.Event{Type: notify.UpstreamStateChanged, State: s.String()})
}

// Must be called with the shared lock held.
func (c *Coordinator) throughputMeasured(kbps int) {
	c.metrics.SetThroughput(kbps)
	c.bus.Publish(notify.Event{Type: notify.Throughput, Kbps: kbps})
}

//
// Local distribution
//

// EnableLocalDistribution starts serving pull consumers on port, with
// elementary streams at path and the multiplexed stream at path/ts. Basic
// auth is required when user is not empty.
func (c *Coordinator) EnableLocalDistribution(path string, port int, user, pass string) error {
	cfg := pull.Config{
		Path:     path,
		Host:     c.cfg.LocalHost,
		Port:     port,
		User:     user,
		Pass:     pass,
		MaxConns: c.cfg.MaxViewers,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.localMu.Lock()
	defer c.localMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.local != nil {
		c.mu.Unlock()
		return ErrLocalEnabled
	}
	c.mu.Unlock()

	server, err := pull.NewServer(cfg, c.registry)
	if err != nil {
		return err
	}

	var inserted []*graph.Branch
	rollback := func() {
		for i := len(inserted) - 1; i >= 0; i-- {
			if err := c.surgeon.Remove(inserted[i]); err != nil {
				log.Warn("Rollback %v: %v", inserted[i], err)
			}
		}
	}
	for _, b := range c.localBranches() {
		if err := c.surgeon.Insert(b.splitter, b.Branch); err != nil {
			rollback()
			return errors.Wrap(err, "local distribution")
		}
		inserted = append(inserted, b.Branch)
	}

	if err := server.Start(); err != nil {
		rollback()
		return err
	}

	c.mu.Lock()
	c.local = &localDistribution{server: server, branches: inserted}
	c.mu.Unlock()

	log.Info("Local distribution enabled on port %d at %s", port, path)
	return nil
}

type splitterBranch struct {
	*graph.Branch
	splitter *graph.Splitter
}

// localBranches returns, per elementary stream, one branch delivering to
// elementary stream sessions and one feeding the shared ts muxer.
func (c *Coordinator) localBranches() []splitterBranch {
	var out []splitterBranch
	add := func(kind string, sp *graph.Splitter, enc media.Transform) {
		if sp == nil {
			return
		}
		caps := media.Format{Codec: enc.Format().Codec}

		es := graph.NewBranch(kind, string(consumer.ES),
			graph.NewCapsfilter("es/"+kind, caps),
			c.newDelivery("es/"+kind, consumer.ES))
		out = append(out, splitterBranch{es, sp})

		ts := graph.NewBranch(kind, string(consumer.TS),
			graph.NewCapsfilter("ts/"+kind, caps))
		ts.Muxed = true
		out = append(out, splitterBranch{ts, sp})
	}
	add("video", c.video, c.source.Video())
	add("audio", c.audio, c.source.Audio())
	return out
}

// newTSMuxer builds the multiplexed class muxer, which delivers to ts sessions.
func (c *Coordinator) newTSMuxer(class string) (*graph.Muxer, error) {
	return graph.NewMuxer(class, c.newDelivery(class+"/mux", consumer.TS)), nil
}

func (c *Coordinator) newDelivery(name string, class consumer.Class) *consumer.Delivery {
	d := consumer.NewDelivery(name, class, c.registry, c.cfg.Heartbeat)
	d.Totals = &c.totals
	d.OnHeartbeat = func(class consumer.Class) {
		c.metrics.IncHeartbeat(string(class))
	}
	return d
}

// DisableLocalDistribution closes every pull session and removes the local
// branches. It returns ErrLocalNotEnabled when not enabled.
func (c *Coordinator) DisableLocalDistribution() error {
	c.localMu.Lock()
	defer c.localMu.Unlock()

	c.mu.Lock()
	local := c.local
	c.local = nil
	c.mu.Unlock()
	if local == nil {
		return ErrLocalNotEnabled
	}

	if err := local.server.Close(); err != nil {
		log.Warn("Close pull server: %v", err)
	}
	for i := len(local.branches) - 1; i >= 0; i-- {
		if err := c.surgeon.Remove(local.branches[i]); err != nil {
			log.Warn("Remove %v: %v", local.branches[i], err)
		}
	}
	log.Info("Local distribution disabled")
	return nil
}

// LocalAddr returns the pull server's listening address, or "" when local
// distribution is disabled.
func (c *Coordinator) LocalAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return ""
	}
	if addr := c.local.server.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// ConsumerCount returns the number of attached pull consumers.
func (c *Coordinator) ConsumerCount() int {
	return c.registry.Total()
}

// Must be called with the shared lock held.
func (c *Coordinator) consumersChanged(class consumer.Class, count int) {
	c.metrics.SetConsumers(string(class), count)
	c.bus.Publish(notify.Event{Type: notify.ConsumersChanged, Class: string(class), Count: count})
}

//
// Capture
//

func (c *Coordinator) sourceReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bus.Publish(notify.Event{Type: notify.SourceReady})
}

// captureFailed is called from the capture loop. Everything is torn down on
// the surgeon's executor; capture is not restarted until a destination is
// enabled again.
func (c *Coordinator) captureFailed(err error) {
	c.mu.Lock()
	if c.failing {
		c.mu.Unlock()
		return
	}
	c.failing = true
	c.metrics.IncEncoderErrors()
	c.bus.Publish(notify.Event{Type: notify.EncoderError, Error: err.Error()})
	c.mu.Unlock()

	c.surgeon.Defer(func() {
		c.teardown()
		c.mu.Lock()
		c.failing = false
		c.mu.Unlock()
	})
}

// teardown disables every destination.
func (c *Coordinator) teardown() {
	if err := c.upstream.Disable(); err != nil && err != upstream.ErrNotEnabled {
		log.Warn("Disable upstream: %v", err)
	}
	if err := c.DisableLocalDistribution(); err != nil && err != ErrLocalNotEnabled {
		log.Warn("Disable local distribution: %v", err)
	}
}

//
// Encoder properties
//

// Resolution returns the video encoder's frame size.
func (c *Coordinator) Resolution() (width, height int) {
	f := c.source.Video().Format()
	return f.Width, f.Height
}

func (c *Coordinator) SetResolution(width, height int) error {
	v := c.source.Video()
	f := v.Format()
	f.Width, f.Height = width, height
	if err := v.SetFormat(f); err != nil {
		return err
	}
	log.Info("Resolution %dx%d", width, height)
	return nil
}

func (c *Coordinator) Framerate() int {
	return c.source.Video().Format().Framerate
}

func (c *Coordinator) SetFramerate(fps int) error {
	v := c.source.Video()
	f := v.Format()
	f.Framerate = fps
	if err := v.SetFormat(f); err != nil {
		return err
	}
	log.Info("Framerate %d", fps)
	return nil
}

// VideoBitrate is in kbit/s.
func (c *Coordinator) VideoBitrate() int {
	return c.source.Video().Bitrate()
}

func (c *Coordinator) SetVideoBitrate(kbps int) error {
	if err := c.source.Video().SetBitrate(kbps); err != nil {
		return err
	}
	c.metrics.SetBitrate("video", kbps)
	return nil
}

// AudioBitrate is in kbit/s; zero when the source has no audio.
func (c *Coordinator) AudioBitrate() int {
	if a := c.source.Audio(); a != nil {
		return a.Bitrate()
	}
	return 0
}

func (c *Coordinator) SetAudioBitrate(kbps int) error {
	a := c.source.Audio()
	if a == nil {
		return ErrNoAudio
	}
	if err := a.SetBitrate(kbps); err != nil {
		return err
	}
	c.metrics.SetBitrate("audio", kbps)
	return nil
}

func (c *Coordinator) InputMode() media.InputMode {
	return c.source.Video().InputMode()
}

// SetInputMode switches what the capture hardware encodes, on every stream.
func (c *Coordinator) SetInputMode(m media.InputMode) error {
	if err := c.source.Video().SetInputMode(m); err != nil {
		return err
	}
	if a := c.source.Audio(); a != nil {
		if err := a.SetInputMode(m); err != nil {
			return err
		}
	}
	log.Info("Input mode %v", m)
	return nil
}

// Close disables every destination, stops deferred work and closes the
// source. The coordinator cannot be reused.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	// Let a pending capture failure teardown finish first.
	c.surgeon.Sync()
	c.teardown()
	c.surgeon.Close()
	return c.source.Close()
}

//////////////////////////////////////////////////////////////////////////////
//
// Adaptive upstream controller
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package upstream

import (
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohacast/internal/graph"
	"github.com/lanikai/alohacast/internal/media"
)

// Class is the destination class of the uplink muxer.
const Class = "upstream"

// Capture is the part of the producer the controller throttles.
type Capture interface {
	Pause()
	Resume()
}

// Timer is a cancellable pending call, as returned by time.AfterFunc.
type Timer interface {
	Stop() bool
}

// Deps are the handles the controller works through. Lock is the shared lock;
// OnState and OnThroughput are called with it held and must not block.
type Deps struct {
	Lock    sync.Locker
	Surgeon *graph.Surgeon

	// Splitters the uplink branches attach to. Audio may be nil.
	Video *graph.Splitter
	Audio *graph.Splitter

	Capture      Capture
	VideoEncoder media.Transform
	AudioEncoder media.Transform

	// Defaults to NewDialer(DialTimeout, SendBuffer).
	Dialer Dialer

	// Injectable for tests; default to time.Now and time.AfterFunc.
	Clock     func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer

	OnState      func(s State)
	OnThroughput func(kbps int)
}

type target struct {
	addr  string
	token string
}

// Controller drives the single push destination: it builds the uplink branches
// through the surgeon, throttles capture on relay overruns and adapts the
// encoder bitrate to measured throughput.
type Controller struct {
	Deps
	cfg Config

	// Serializes Enable, Disable and teardown.
	opMu sync.Mutex

	// Everything below is guarded by Deps.Lock.

	state State

	// Incremented by every Enable; callbacks from an older session are ignored.
	session int

	// Set while branches are being removed; data-path callbacks back off.
	closing bool

	// Set once a transport error has scheduled a teardown.
	failing bool

	// Set while Enable builds the uplink. State changes are held back in
	// pending and only reported once the build succeeded.
	building bool
	pending  []State

	target   target
	branches []*graph.Branch
	relay    *media.Relay

	paused bool

	// Overrun counting window.
	windowStart time.Time
	overruns    int

	// Resume timer used in Overload. resumeSeq invalidates stale timers.
	resumeTimer Timer
	resumeSeq   int

	// Throughput measurement window.
	measureStart   time.Time
	measureBytes   int64
	periodOverruns int
	throughput     int

	totalOverruns uint64
}

func NewController(cfg Config, deps Deps) *Controller {
	cfg = cfg.withDefaults()
	if deps.Dialer == nil {
		deps.Dialer = NewDialer(cfg.DialTimeout, cfg.SendBuffer)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.AfterFunc == nil {
		deps.AfterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	c := &Controller{
		Deps: deps,
		cfg:  cfg,
	}
	deps.Surgeon.RegisterMuxer(Class, c.newMuxer)
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	return c.state
}

// Throughput returns the last measured throughput in kbit/s.
func (c *Controller) Throughput() int {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	return c.throughput
}

// Overruns returns the number of uplink relay overruns seen so far.
func (c *Controller) Overruns() uint64 {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	return c.totalOverruns
}

func (c *Controller) AutoBitrate() bool {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	return c.cfg.AutoBitrate
}

func (c *Controller) SetAutoBitrate(enabled bool) {
	c.Lock.Lock()
	c.cfg.AutoBitrate = enabled
	c.Lock.Unlock()
	log.Info("Auto bitrate: %v", enabled)
}

// ValidateTarget checks Enable's arguments without touching any state.
func ValidateTarget(host string, port int, token string) error {
	if host == "" {
		return ErrInvalidHost
	}
	if port <= 0 || port > 65535 {
		return errors.Errorf("%d: %w", port, ErrInvalidPort)
	}
	if token != "" && len(token) != TokenLen {
		return errors.Errorf("length %d, want %d: %w", len(token), TokenLen, ErrInvalidToken)
	}
	return nil
}

// Enable starts streaming to host:port. It returns once the uplink branches
// are in place and the connection attempt has started; a connect failure is
// reported later as a transport error and returns the controller to Disabled.
func (c *Controller) Enable(host string, port int, token string) error {
	if err := ValidateTarget(host, port, token); err != nil {
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.Lock.Lock()
	if c.state != Disabled {
		st := c.state
		c.Lock.Unlock()
		return errors.Errorf("%v: %w", st, ErrAlreadyEnabled)
	}
	c.session++
	c.target = target{
		addr:  net.JoinHostPort(host, strconv.Itoa(port)),
		token: token,
	}
	c.resetCounters()
	c.building = true
	c.setState(Connecting)
	c.Lock.Unlock()

	var inserted []*graph.Branch
	for _, b := range c.newBranches() {
		if err := c.Surgeon.Insert(b.splitter, b.Branch); err != nil {
			for i := len(inserted) - 1; i >= 0; i-- {
				c.Surgeon.Remove(inserted[i])
			}
			// Nothing was reported yet; go back quietly.
			c.Lock.Lock()
			c.cancelResume()
			c.resumeCapture()
			c.relay = nil
			c.failing = false
			c.building = false
			c.pending = nil
			c.state = Disabled
			c.Lock.Unlock()
			return errors.Errorf("build uplink: %w", err)
		}
		inserted = append(inserted, b.Branch)
	}

	c.Lock.Lock()
	c.branches = inserted
	c.building = false
	pending := c.pending
	c.pending = nil
	if c.OnState != nil {
		for _, st := range pending {
			c.OnState(st)
		}
	}
	c.Lock.Unlock()
	return nil
}

type splitterBranch struct {
	*graph.Branch
	splitter *graph.Splitter
}

func (c *Controller) newBranches() []splitterBranch {
	var out []splitterBranch
	add := func(name string, sp *graph.Splitter, enc media.Transform) {
		if sp == nil {
			return
		}
		var caps media.Format
		if enc != nil {
			caps.Codec = enc.Format().Codec
		}
		b := graph.NewBranch(name, Class, graph.NewCapsfilter(Class+"/"+name, caps))
		b.Muxed = true
		out = append(out, splitterBranch{b, sp})
	}
	add("video", c.Video, c.VideoEncoder)
	add("audio", c.Audio, c.AudioEncoder)
	return out
}

// newMuxer builds the uplink: muxer -> relay (held until the first overrun)
// -> transport entry port (carries the token intercept) -> sender.
func (c *Controller) newMuxer(class string) (*graph.Muxer, error) {
	c.Lock.Lock()
	t, session, cfg := c.target, c.session, c.cfg
	c.Lock.Unlock()

	relay := media.NewRelay(media.RelayConfig{
		Name:       "uplink",
		MaxDepth:   cfg.RelayDepth,
		MaxSamples: cfg.RelaySamples,
		Held:       true,
	})
	relay.OnOverrun = func() { c.overrun(session) }
	relay.OnUnderrun = func() { c.underrun(session) }

	sender := NewSender(t.addr, c.Dialer)
	sender.OnError = func(err error) { c.transportError(session, err) }
	sender.OnWrite = func(n int) { c.addBytes(session, n) }

	entry := graph.NewPort("uplink/transport", nil)
	if t.token != "" {
		token := []byte(t.token)
		entry.Once(func() error {
			log.Debug("Sending token")
			return sender.WriteToken(token)
		})
	}

	c.Lock.Lock()
	c.relay = relay
	c.Lock.Unlock()

	return graph.NewMuxer(class, relay, entry, sender), nil
}

// Disable tears the uplink down. It returns ErrNotEnabled, and does nothing
// else, when already disabled.
func (c *Controller) Disable() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.Lock.Lock()
	if c.state == Disabled {
		c.Lock.Unlock()
		return ErrNotEnabled
	}
	c.Lock.Unlock()

	c.teardown()
	return nil
}

// teardown removes the uplink branches and returns to Disabled. Must be called
// with opMu held and the shared lock released.
func (c *Controller) teardown() {
	c.Lock.Lock()
	c.closing = true
	branches := c.branches
	c.branches = nil
	c.cancelResume()
	c.resumeCapture()
	c.Lock.Unlock()

	for i := len(branches) - 1; i >= 0; i-- {
		if err := c.Surgeon.Remove(branches[i]); err != nil {
			log.Warn("Remove %v: %v", branches[i], err)
		}
	}

	c.Lock.Lock()
	c.closing = false
	c.failing = false
	c.relay = nil
	c.setState(Disabled)
	c.Lock.Unlock()
}

// transportError schedules a teardown on the surgeon's executor; it may be
// called from the relay pump, which the teardown waits for.
func (c *Controller) transportError(session int, err error) {
	c.Lock.Lock()
	if session != c.session || c.state == Disabled || c.closing || c.failing {
		c.Lock.Unlock()
		return
	}
	c.failing = true
	c.Lock.Unlock()

	log.Error("Upstream failed: %v", err)
	c.Surgeon.Defer(func() {
		c.opMu.Lock()
		defer c.opMu.Unlock()

		c.Lock.Lock()
		stale := session != c.session || c.state == Disabled
		c.Lock.Unlock()
		if !stale {
			c.teardown()
		}
	})
}

// Must be called with the lock held.
func (c *Controller) active(session int) bool {
	return session == c.session && c.state != Disabled && !c.closing
}

func (c *Controller) overrun(session int) {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	if !c.active(session) {
		return
	}
	c.totalOverruns++

	switch c.state {
	case Connecting:
		// The transport's initial buffering filled the relay; start sending.
		c.pauseCapture()
		if c.relay != nil {
			c.relay.Release()
		}
		c.setState(Waiting)

	case Transmitting:
		c.periodOverruns++
		now := c.Clock()
		if now.Sub(c.windowStart) >= c.cfg.OverrunWindow {
			c.windowStart = now
			c.overruns = 0
		}
		c.pauseCapture()
		if c.overruns >= c.cfg.OverrunThreshold {
			log.Warn("%d overruns within %v", c.overruns, c.cfg.OverrunWindow)
			c.scheduleResume(session)
			c.setState(Overload)
		} else {
			c.overruns++
			c.setState(Waiting)
		}

	case Overload:
		c.pauseCapture()
		c.scheduleResume(session)
	}
}

func (c *Controller) underrun(session int) {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	if !c.active(session) {
		return
	}

	switch c.state {
	case Waiting:
		c.cancelResume()
		c.resumeCapture()
		if c.measureStart.IsZero() {
			c.measureStart = c.Clock()
		}
		c.setState(Transmitting)

	case Overload:
		c.cancelResume()
		c.resumeCapture()
	}
}

// Must be called with the lock held.
func (c *Controller) scheduleResume(session int) {
	c.cancelResume()
	c.resumeSeq++
	seq := c.resumeSeq
	c.resumeTimer = c.AfterFunc(c.cfg.ResumeDelay, func() {
		c.Lock.Lock()
		defer c.Lock.Unlock()
		if seq != c.resumeSeq || !c.active(session) {
			return
		}
		c.resumeTimer = nil
		log.Debug("Resume delay elapsed")
		c.resumeCapture()
	})
}

// Must be called with the lock held.
func (c *Controller) cancelResume() {
	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
		c.resumeTimer = nil
	}
	c.resumeSeq++
}

// Must be called with the lock held.
func (c *Controller) pauseCapture() {
	if !c.paused {
		c.paused = true
		c.Capture.Pause()
	}
}

// Must be called with the lock held.
func (c *Controller) resumeCapture() {
	if c.paused {
		c.paused = false
		c.Capture.Resume()
	}
}

// Must be called with the lock held.
func (c *Controller) resetCounters() {
	c.windowStart = c.Clock()
	c.overruns = 0
	c.measureStart = time.Time{}
	c.measureBytes = 0
	c.periodOverruns = 0
	c.throughput = 0
}

// Must be called with the lock held.
func (c *Controller) setState(s State) {
	if s == c.state {
		return
	}
	if !CanTransition(c.state, s) {
		log.Error("Illegal transition %v -> %v", c.state, s)
	}
	log.Info("Upstream %v -> %v", c.state, s)
	c.state = s
	if c.building {
		c.pending = append(c.pending, s)
		return
	}
	if c.OnState != nil {
		c.OnState(s)
	}
}

// addBytes accounts for bytes written to the transport, and closes the
// measurement period when it has elapsed.
func (c *Controller) addBytes(session int, n int) {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	if !c.active(session) {
		return
	}
	c.measureBytes += int64(n)

	if c.state != Transmitting || c.measureStart.IsZero() {
		return
	}
	now := c.Clock()
	elapsed := now.Sub(c.measureStart)
	if elapsed < c.cfg.MeasurePeriod {
		return
	}

	kbps := int(float64(c.measureBytes) * 8 / elapsed.Seconds() / 1000)
	overruns := c.periodOverruns
	c.measureStart = now
	c.measureBytes = 0
	c.periodOverruns = 0
	c.throughput = kbps

	log.Debug("Throughput %d kbit/s (%d overruns)", kbps, overruns)
	if c.OnThroughput != nil {
		c.OnThroughput(kbps)
	}
	if c.cfg.AutoBitrate {
		c.retarget(kbps)
	}
}

// retarget adjusts the video encoder when the measured throughput differs
// from the encoder target by more than the tolerance.
//
// Must be called with the lock held.
func (c *Controller) retarget(measured int) {
	if c.VideoEncoder == nil {
		return
	}
	current := c.VideoEncoder.Bitrate()
	audio := 0
	if c.AudioEncoder != nil {
		audio = c.AudioEncoder.Bitrate()
	}

	want := measured - audio
	if math.Abs(float64(want-current)) <= float64(current)*c.cfg.Tolerance {
		return
	}
	if want < c.cfg.MinBitrate {
		want = c.cfg.MinBitrate
	}
	if want > c.cfg.MaxBitrate {
		want = c.cfg.MaxBitrate
	}
	if want == current {
		return
	}
	log.Info("Retargeting video bitrate %d -> %d kbit/s", current, want)
	if err := c.VideoEncoder.SetBitrate(want); err != nil {
		log.Warn("Set bitrate: %v", err)
	}
}

package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohacast/internal/graph"
	"github.com/lanikai/alohacast/internal/media"
)

var h264Format = media.Format{Codec: "H264", Width: 1280, Height: 720, Framerate: 25}

type fakeCapture struct {
	paused  bool
	pauses  int
	resumes int
	mu      sync.Mutex
}

func (c *fakeCapture) Pause() {
	c.mu.Lock()
	c.paused = true
	c.pauses++
	c.mu.Unlock()
}

func (c *fakeCapture) Resume() {
	c.mu.Lock()
	c.paused = false
	c.resumes++
	c.mu.Unlock()
}

func (c *fakeCapture) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// pipeDialer hands out in-memory connections; the far ends appear on remote.
type pipeDialer struct {
	remote chan net.Conn
	err    error
}

func (d *pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	local, remote := net.Pipe()
	d.remote <- remote
	return local, nil
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type harness struct {
	*Controller
	lock    *sync.Mutex
	surgeon *graph.Surgeon
	video   *graph.Splitter
	audio   *graph.Splitter
	capture *fakeCapture
	dialer  *pipeDialer
	venc    *media.Endpoint
	now     time.Time
	timers  []*fakeTimer
	states  []State
	kbps    []int
}

func newHarness(t *testing.T, cfg Config) *harness {
	h := &harness{
		lock:    new(sync.Mutex),
		video:   graph.NewSplitter("video"),
		audio:   graph.NewSplitter("audio"),
		capture: &fakeCapture{},
		dialer:  &pipeDialer{remote: make(chan net.Conn, 4)},
		venc:    media.NewEndpoint(media.Video, h264Format, 2000),
		now:     time.Unix(1000, 0),
	}
	h.surgeon = graph.NewSurgeon(h.lock)
	t.Cleanup(h.surgeon.Close)

	h.Controller = NewController(cfg, Deps{
		Lock:         h.lock,
		Surgeon:      h.surgeon,
		Video:        h.video,
		Audio:        h.audio,
		Capture:      h.capture,
		VideoEncoder: h.venc,
		AudioEncoder: media.NewEndpoint(media.Audio, media.Format{Codec: "AAC", SampleRate: 48000, Channels: 2}, 128),
		Dialer:       h.dialer,
		Clock:        func() time.Time { return h.now },
		AfterFunc: func(d time.Duration, f func()) Timer {
			timer := &fakeTimer{d: d, f: f}
			h.timers = append(h.timers, timer)
			return timer
		},
		OnState:      func(s State) { h.states = append(h.states, s) },
		OnThroughput: func(kbps int) { h.kbps = append(h.kbps, kbps) },
	})
	t.Cleanup(func() { h.Disable() })
	return h
}

func (h *harness) currentSession() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.session
}

func (h *harness) overrun()  { h.Controller.overrun(h.currentSession()) }
func (h *harness) underrun() { h.Controller.underrun(h.currentSession()) }

func (h *harness) observed() []State {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]State(nil), h.states...)
}

// transmit walks a fresh controller to Transmitting.
func (h *harness) transmit(t *testing.T) {
	require.NoError(t, h.Enable("uplink.example.com", 9000, ""))
	h.overrun()
	h.underrun()
	require.Equal(t, Transmitting, h.State())
}

func assertLegal(t *testing.T, states []State) {
	prev := Disabled
	for _, s := range states {
		assert.True(t, CanTransition(prev, s), "%v -> %v", prev, s)
		prev = s
	}
}

func TestEnableConnectWaitTransmit(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.Enable("uplink.example.com", 9000, ""))
	assert.Equal(t, Connecting, h.State())
	assert.Equal(t, 1, h.video.Len())
	assert.Equal(t, 1, h.audio.Len())
	require.NotNil(t, h.surgeon.Muxer(Class))

	h.overrun()
	assert.Equal(t, Waiting, h.State())
	assert.True(t, h.capture.isPaused())

	h.underrun()
	assert.Equal(t, Transmitting, h.State())
	assert.False(t, h.capture.isPaused())

	require.NoError(t, h.Disable())
	assert.Equal(t, Disabled, h.State())
	assert.Equal(t, 0, h.video.Len())
	assert.Equal(t, 0, h.audio.Len())
	assert.Nil(t, h.surgeon.Muxer(Class))

	states := h.observed()
	assert.Equal(t, []State{Connecting, Waiting, Transmitting, Disabled}, states)
	assertLegal(t, states)
}

func TestOverrunEscalation(t *testing.T) {
	h := newHarness(t, Config{})
	h.transmit(t)

	for i := 0; i < 20; i++ {
		h.overrun()
		require.Equal(t, Waiting, h.State(), "overrun %d", i+1)
		h.underrun()
		require.Equal(t, Transmitting, h.State())
	}

	h.overrun()
	assert.Equal(t, Overload, h.State())
	assert.True(t, h.capture.isPaused())
	assertLegal(t, h.observed())

	// Overload is sticky.
	h.underrun()
	h.overrun()
	assert.Equal(t, Overload, h.State())
}

func TestFewOverrunsKeepWaiting(t *testing.T) {
	h := newHarness(t, Config{})
	h.transmit(t)

	for i := 0; i < 5; i++ {
		h.overrun()
		h.underrun()
	}
	h.overrun()
	assert.Equal(t, Waiting, h.State())
}

func TestOverrunWindowResets(t *testing.T) {
	h := newHarness(t, Config{OverrunThreshold: 3, OverrunWindow: 10 * time.Second})
	h.transmit(t)

	for i := 0; i < 3; i++ {
		h.overrun()
		h.underrun()
	}
	h.now = h.now.Add(10 * time.Second)
	h.overrun()
	assert.Equal(t, Waiting, h.State())
}

func TestOverloadResumeTimer(t *testing.T) {
	h := newHarness(t, Config{OverrunThreshold: 1, ResumeDelay: 20 * time.Second})
	h.transmit(t)

	h.overrun()
	h.underrun()
	h.overrun()
	require.Equal(t, Overload, h.State())
	require.Len(t, h.timers, 1)
	assert.Equal(t, 20*time.Second, h.timers[0].d)
	assert.True(t, h.capture.isPaused())

	// A genuine underrun beats the timer.
	h.underrun()
	assert.True(t, h.timers[0].stopped)
	assert.False(t, h.capture.isPaused())
	assert.Equal(t, Overload, h.State())

	h.overrun()
	require.Len(t, h.timers, 2)
	assert.True(t, h.capture.isPaused())

	// The cancelled timer firing late has no effect.
	h.timers[0].f()
	assert.True(t, h.capture.isPaused())

	h.timers[1].f()
	assert.False(t, h.capture.isPaused())
	assert.Equal(t, Overload, h.State())
}

func TestDisableWhenDisabled(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Equal(t, ErrNotEnabled, h.Disable())
	assert.Empty(t, h.observed())
	assert.Equal(t, Disabled, h.State())
}

func TestEnableValidation(t *testing.T) {
	h := newHarness(t, Config{})
	assert.True(t, errors.Is(h.Enable("", 9000, ""), ErrInvalidHost))
	assert.True(t, errors.Is(h.Enable("host", 0, ""), ErrInvalidPort))
	assert.True(t, errors.Is(h.Enable("host", 70000, ""), ErrInvalidPort))
	assert.True(t, errors.Is(h.Enable("host", 9000, "short"), ErrInvalidToken))
	assert.Empty(t, h.observed())
	assert.Equal(t, 0, h.video.Len())

	require.NoError(t, h.Enable("host", 9000, strings.Repeat("t", TokenLen)))
	assert.True(t, errors.Is(h.Enable("host", 9000, ""), ErrAlreadyEnabled))
}

func pushVideo(sp *graph.Splitter, from, to int) {
	for i := from; i < to; i++ {
		d := time.Duration(i) * 40 * time.Millisecond
		sp.Push(media.Sample{
			Kind:     media.Video,
			PTS:      d,
			DTS:      d,
			Keyframe: i%25 == 0,
			Format:   h264Format,
			Data:     []byte{0, 0, 0, 1, 0x41, byte(i)},
		})
	}
}

func TestFailedBuildHasNoSideEffects(t *testing.T) {
	h := newHarness(t, Config{})
	h.surgeon.RegisterMuxer(Class, func(string) (*graph.Muxer, error) {
		return nil, errors.New("no uplink")
	})

	assert.Error(t, h.Enable("uplink.example.com", 9000, ""))
	assert.Equal(t, Disabled, h.State())
	assert.Empty(t, h.observed())
	assert.Equal(t, 0, h.video.Len())
	assert.False(t, h.capture.isPaused())
	assert.Equal(t, ErrNotEnabled, h.Disable())
}

func TestTokenPrecedesMedia(t *testing.T) {
	h := newHarness(t, Config{RelaySamples: 4})
	token := strings.Repeat("k", TokenLen)
	require.NoError(t, h.Enable("uplink.example.com", 9000, token))

	var remote net.Conn
	select {
	case remote = <-h.dialer.remote:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
	}
	defer remote.Close()

	// The held relay fills; the fifth sample overruns and releases it.
	pushVideo(h.video, 0, 5)
	assert.Equal(t, Waiting, h.State())

	got := make([]byte, TokenLen)
	_, err := io.ReadFull(remote, got)
	require.NoError(t, err)
	assert.Equal(t, token, string(got))

	for i := 1; i < 5; i++ {
		outer, err := media.ReadFrame(remote)
		require.NoError(t, err)
		assert.Equal(t, media.Mux, outer.Kind)
		inner, _, err := media.ParseFrame(outer.Data)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(i)*40*time.Millisecond, inner.DTS, "oldest sample evicted")
	}

	require.Eventually(t, func() bool { return h.State() == Transmitting }, 2*time.Second, time.Millisecond)
	assert.False(t, h.capture.isPaused())
}

func TestConnectFailureDisables(t *testing.T) {
	h := newHarness(t, Config{})
	h.dialer.err = errors.New("connection refused")

	require.NoError(t, h.Enable("uplink.example.com", 9000, ""))
	require.Eventually(t, func() bool { return h.State() == Disabled }, 2*time.Second, time.Millisecond)
	h.surgeon.Sync()

	assert.Equal(t, []State{Connecting, Disabled}, h.observed())
	assert.Equal(t, 0, h.video.Len())
	assert.Nil(t, h.surgeon.Muxer(Class))
}

func TestWriteFailureDisables(t *testing.T) {
	h := newHarness(t, Config{RelaySamples: 4})
	require.NoError(t, h.Enable("uplink.example.com", 9000, ""))
	remote := <-h.dialer.remote
	remote.Close()

	pushVideo(h.video, 0, 5)
	require.Eventually(t, func() bool { return h.State() == Disabled }, 2*time.Second, time.Millisecond)
	h.surgeon.Sync()

	assert.False(t, h.capture.isPaused())
	assertLegal(t, h.observed())
	assert.Equal(t, ErrNotEnabled, h.Disable())

	// A fresh session works after the failure.
	require.NoError(t, h.Enable("uplink.example.com", 9000, ""))
	assert.Equal(t, Connecting, h.State())
}

func TestThroughputAndAutoBitrate(t *testing.T) {
	h := newHarness(t, Config{AutoBitrate: true, MeasurePeriod: 5 * time.Second})
	h.transmit(t)
	session := h.currentSession()

	// 5 s at 1000 kbit/s. Audio takes 128 of it.
	h.now = h.now.Add(5 * time.Second)
	h.addBytes(session, 625000)
	assert.Equal(t, []int{1000}, h.kbps)
	assert.Equal(t, 1000, h.Throughput())
	assert.Equal(t, 872, h.venc.Bitrate())

	// Throughput matches the target: nothing changes.
	h.now = h.now.Add(5 * time.Second)
	h.addBytes(session, 625000)
	assert.Equal(t, 872, h.venc.Bitrate())

	// 1050 kbit/s is within the tolerance of 872 + 128.
	h.now = h.now.Add(5 * time.Second)
	h.addBytes(session, 656250)
	assert.Equal(t, []int{1000, 1000, 1050}, h.kbps)
	assert.Equal(t, 872, h.venc.Bitrate())

	// 700 kbit/s is well below the target.
	h.now = h.now.Add(5 * time.Second)
	h.addBytes(session, 437500)
	assert.Equal(t, 572, h.venc.Bitrate())

	// Period not yet elapsed.
	h.now = h.now.Add(time.Second)
	h.addBytes(session, 1000)
	assert.Len(t, h.kbps, 4)

	h.SetAutoBitrate(false)
	h.now = h.now.Add(5 * time.Second)
	h.addBytes(session, 10)
	assert.Len(t, h.kbps, 5)
	assert.Equal(t, 572, h.venc.Bitrate())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(Disabled, Connecting))
	assert.False(t, CanTransition(Disabled, Transmitting))
	assert.False(t, CanTransition(Connecting, Transmitting))
	assert.False(t, CanTransition(Waiting, Overload))
	assert.True(t, CanTransition(Overload, Disabled))
	assert.False(t, CanTransition(Overload, Transmitting))
	assert.Equal(t, "overload", Overload.String())
}

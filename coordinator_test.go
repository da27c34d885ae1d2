package alohacast

import (
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohacast/internal/media"
	"github.com/lanikai/alohacast/internal/notify"
	"github.com/lanikai/alohacast/internal/pull"
	"github.com/lanikai/alohacast/internal/upstream"
)

// failingSource wraps the synthetic source and fails on demand.
type failingSource struct {
	media.Source
	fail chan struct{}
}

func (s *failingSource) ReadSample() (media.Sample, error) {
	select {
	case <-s.fail:
		return media.Sample{}, errors.New("capture device lost")
	default:
	}
	return s.Source.ReadSample()
}

type recorder struct {
	sync.Mutex
	events []notify.Event
}

func (r *recorder) handle(ev notify.Event) {
	r.Lock()
	r.events = append(r.events, ev)
	r.Unlock()
}

func (r *recorder) has(typ notify.Type, state string) bool {
	r.Lock()
	defer r.Unlock()
	for _, ev := range r.events {
		if ev.Type == typ && (state == "" || ev.State == state) {
			return true
		}
	}
	return false
}

func (r *recorder) states() []string {
	r.Lock()
	defer r.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == notify.UpstreamStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

// pipeDialer connects the uplink to an in-memory reader that discards
// everything.
type pipeDialer struct{}

func (pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	local, remote := net.Pipe()
	go io.Copy(ioutil.Discard, remote)
	return local, nil
}

func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newCoordinator(t *testing.T, withAudio bool) (*Coordinator, *failingSource, *recorder) {
	opts := media.SourceOptions{Framerate: 50, VideoBitrate: 200, AudioBitrate: 64}
	src := &failingSource{Source: media.NewSyntheticSource(opts), fail: make(chan struct{})}
	var source media.Source = src
	if !withAudio {
		source = videoOnly{src}
	}

	c, err := New(source, Config{
		Upstream: upstream.Config{
			RelayDepth:    200 * time.Millisecond,
			MeasurePeriod: time.Second,
		},
		LocalHost: "127.0.0.1",
		Dialer:    pipeDialer{},
	})
	require.NoError(t, err)
	rec := &recorder{}
	c.Subscribe(rec.handle)
	t.Cleanup(func() { c.Close() })
	return c, src, rec
}

type videoOnly struct {
	*failingSource
}

func (videoOnly) Audio() media.Transform { return nil }

func dial(t *testing.T, c *Coordinator, path string) *websocket.Conn {
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+c.LocalAddr()+path, nil)
	require.NoError(t, err)
	var hello pull.Hello
	require.NoError(t, ws.ReadJSON(&hello))
	return ws
}

// firstFrame reads until a binary frame arrives, returning the announcements
// seen on the way.
func firstFrame(t *testing.T, ws *websocket.Conn) ([]pull.Announcement, media.Sample) {
	var anns []pull.Announcement
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		typ, data, err := ws.ReadMessage()
		require.NoError(t, err)
		if typ == websocket.TextMessage {
			var ann pull.Announcement
			require.NoError(t, json.Unmarshal(data, &ann))
			anns = append(anns, ann)
			continue
		}
		s, _, err := media.ParseFrame(data)
		require.NoError(t, err)
		return anns, s
	}
}

func TestLocalDistribution(t *testing.T) {
	c, _, rec := newCoordinator(t, true)

	require.NoError(t, c.EnableLocalDistribution("/live", freePort(t), "", ""))
	assert.Equal(t, ErrLocalEnabled, c.EnableLocalDistribution("/other", freePort(t), "", ""))

	// Samples flow but are gated until someone connects.
	require.Eventually(t, func() bool { return c.totals.Gated() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, c.totals.Delivered())

	ws := dial(t, c, "/live")
	defer ws.Close()
	require.Eventually(t, func() bool { return c.ConsumerCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, rec.has(notify.ConsumersChanged, ""))
	assert.True(t, rec.has(notify.SourceReady, ""))

	anns, s := firstFrame(t, ws)
	require.NotEmpty(t, anns)
	assert.Equal(t, "video", anns[0].Kind)
	assert.Equal(t, "H264", anns[0].Format.Codec)
	assert.Equal(t, media.Video, s.Kind)
	assert.True(t, s.Keyframe)
	assert.Equal(t, time.Duration(0), s.PTS)

	require.NoError(t, c.DisableLocalDistribution())
	assert.Equal(t, 0, c.ConsumerCount())
	assert.Equal(t, "", c.LocalAddr())
	assert.Equal(t, ErrLocalNotEnabled, c.DisableLocalDistribution())
}

func TestMultiplexedConsumer(t *testing.T) {
	c, _, _ := newCoordinator(t, true)
	require.NoError(t, c.EnableLocalDistribution("/live", freePort(t), "", ""))

	ws := dial(t, c, "/live/ts")
	defer ws.Close()

	anns, s := firstFrame(t, ws)
	require.NotEmpty(t, anns)
	assert.Equal(t, "mux", anns[0].Kind)
	assert.Equal(t, media.Mux, s.Kind)
	assert.True(t, s.Keyframe)

	inner, _, err := media.ParseFrame(s.Data)
	require.NoError(t, err)
	assert.Equal(t, media.Video, inner.Kind)
	assert.True(t, inner.Keyframe)
}

func TestCaptureRunsOnlyWithBranches(t *testing.T) {
	c, _, _ := newCoordinator(t, false)
	assert.False(t, c.producer.Running())

	require.NoError(t, c.EnableLocalDistribution("/live", freePort(t), "", ""))
	assert.True(t, c.producer.Running())

	require.NoError(t, c.DisableLocalDistribution())
	assert.False(t, c.producer.Running())
}

func TestConfigurationErrors(t *testing.T) {
	c, _, rec := newCoordinator(t, false)

	assert.Equal(t, pull.ErrInvalidPath, errors.Cause(c.EnableLocalDistribution("live", 8080, "", "")))
	assert.Equal(t, pull.ErrInvalidPort, errors.Cause(c.EnableLocalDistribution("/live", 0, "", "")))
	assert.Equal(t, "", c.LocalAddr())

	assert.Error(t, c.EnableUpstream("", 9000, ""))
	assert.Error(t, c.EnableUpstream("example.com", 70000, ""))
	assert.Error(t, c.EnableUpstream("example.com", 9000, "short"))
	assert.Equal(t, upstream.Disabled, c.UpstreamState())

	// Disabling what is already disabled changes nothing.
	assert.Equal(t, upstream.ErrNotEnabled, c.DisableUpstream())
	assert.Equal(t, ErrLocalNotEnabled, c.DisableLocalDistribution())
	assert.Empty(t, rec.states())

	assert.Error(t, c.SetResolution(0, 720))
	assert.Error(t, c.SetResolution(1279, 720))
	assert.Error(t, c.SetFramerate(0))
	assert.Error(t, c.SetVideoBitrate(0))
	assert.Equal(t, ErrNoAudio, c.SetAudioBitrate(64))
	assert.Error(t, c.SetInputMode(media.InputMode(9)))
	w, h := c.Resolution()
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
}

func TestProperties(t *testing.T) {
	c, _, _ := newCoordinator(t, true)

	require.NoError(t, c.SetResolution(640, 360))
	w, h := c.Resolution()
	assert.Equal(t, 640, w)
	assert.Equal(t, 360, h)

	require.NoError(t, c.SetFramerate(30))
	assert.Equal(t, 30, c.Framerate())

	require.NoError(t, c.SetVideoBitrate(1500))
	assert.Equal(t, 1500, c.VideoBitrate())
	require.NoError(t, c.SetAudioBitrate(96))
	assert.Equal(t, 96, c.AudioBitrate())

	require.NoError(t, c.SetInputMode(media.InputHDMIIn))
	assert.Equal(t, media.InputHDMIIn, c.InputMode())

	assert.False(t, c.AutoBitrate())
	c.SetAutoBitrate(true)
	assert.True(t, c.AutoBitrate())
}

func TestUpstreamLifecycle(t *testing.T) {
	c, _, rec := newCoordinator(t, true)

	require.NoError(t, c.EnableUpstream("ingest.example.com", 9000, ""))
	assert.Error(t, c.EnableUpstream("ingest.example.com", 9000, ""))

	require.Eventually(t, func() bool { return c.UpstreamState() == upstream.Transmitting },
		5*time.Second, 10*time.Millisecond)
	assert.True(t, c.producer.Running())

	require.NoError(t, c.DisableUpstream())
	assert.Equal(t, upstream.Disabled, c.UpstreamState())
	assert.False(t, c.producer.Running())
	assert.Equal(t, upstream.ErrNotEnabled, c.DisableUpstream())

	states := rec.states()
	require.GreaterOrEqual(t, len(states), 4)
	assert.Equal(t, []string{"connecting", "waiting", "transmitting"}, states[:3])
	assert.Equal(t, "disabled", states[len(states)-1])
}

func TestCaptureFailureTearsDown(t *testing.T) {
	c, src, rec := newCoordinator(t, true)

	require.NoError(t, c.EnableLocalDistribution("/live", freePort(t), "", ""))
	require.NoError(t, c.EnableUpstream("ingest.example.com", 9000, ""))

	close(src.fail)
	require.Eventually(t, func() bool {
		return c.LocalAddr() == "" && c.UpstreamState() == upstream.Disabled
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, rec.has(notify.EncoderError, ""))
	assert.False(t, c.producer.Running())
}

func TestClose(t *testing.T) {
	c, _, _ := newCoordinator(t, true)
	port := freePort(t)
	require.NoError(t, c.EnableLocalDistribution("/live", port, "", ""))

	require.NoError(t, c.Close())
	assert.Equal(t, "", c.LocalAddr())
	assert.Equal(t, ErrClosed, c.Close())
	assert.Equal(t, ErrClosed, c.EnableUpstream("ingest.example.com", 9000, ""))
	assert.Equal(t, ErrClosed, c.EnableLocalDistribution("/live", port, "", ""))

	// The port is free again.
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	ln.Close()
}

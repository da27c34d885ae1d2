package control

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohacast/internal/media"
	"github.com/lanikai/alohacast/internal/metrics"
	"github.com/lanikai/alohacast/internal/notify"
	"github.com/lanikai/alohacast/internal/upstream"
)

var errRejected = errors.New("rejected")

type fakeEngine struct {
	sync.Mutex
	calls []string

	state      upstream.State
	auto       bool
	width      int
	height     int
	fps        int
	video      int
	audio      int
	mode       media.InputMode
	local      string

	bus     *notify.Bus
	metrics *metrics.Metrics
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		width: 1280, height: 720, fps: 25, video: 2000, audio: 128,
		bus:     notify.NewBus(),
		metrics: metrics.New(),
	}
}

func (e *fakeEngine) record(call string) {
	e.Lock()
	e.calls = append(e.calls, call)
	e.Unlock()
}

func (e *fakeEngine) EnableUpstream(host string, port int, token string) error {
	e.record("enable-upstream " + host)
	if err := upstream.ValidateTarget(host, port, token); err != nil {
		return err
	}
	e.state = upstream.Connecting
	return nil
}

func (e *fakeEngine) DisableUpstream() error {
	if e.state == upstream.Disabled {
		return upstream.ErrNotEnabled
	}
	e.state = upstream.Disabled
	return nil
}

func (e *fakeEngine) UpstreamState() upstream.State { return e.state }
func (e *fakeEngine) Throughput() int               { return 1500 }
func (e *fakeEngine) AutoBitrate() bool             { return e.auto }
func (e *fakeEngine) SetAutoBitrate(enabled bool)   { e.auto = enabled }

func (e *fakeEngine) EnableLocalDistribution(path string, port int, user, pass string) error {
	e.record("enable-local " + path + " " + user)
	e.local = "127.0.0.1:8080"
	return nil
}

func (e *fakeEngine) DisableLocalDistribution() error {
	e.local = ""
	return nil
}

func (e *fakeEngine) LocalAddr() string { return e.local }
func (e *fakeEngine) ConsumerCount() int { return 3 }

func (e *fakeEngine) Resolution() (int, int) { return e.width, e.height }

func (e *fakeEngine) SetResolution(w, h int) error {
	if w <= 0 || h <= 0 {
		return errRejected
	}
	e.width, e.height = w, h
	return nil
}

func (e *fakeEngine) Framerate() int { return e.fps }

func (e *fakeEngine) SetFramerate(fps int) error {
	e.fps = fps
	return nil
}

func (e *fakeEngine) VideoBitrate() int { return e.video }

func (e *fakeEngine) SetVideoBitrate(kbps int) error {
	if kbps <= 0 {
		return errRejected
	}
	e.video = kbps
	return nil
}

func (e *fakeEngine) AudioBitrate() int { return e.audio }

func (e *fakeEngine) SetAudioBitrate(kbps int) error {
	if kbps <= 0 {
		return errRejected
	}
	e.audio = kbps
	return nil
}

func (e *fakeEngine) InputMode() media.InputMode { return e.mode }

func (e *fakeEngine) SetInputMode(m media.InputMode) error {
	e.mode = m
	return nil
}

func (e *fakeEngine) Subscribe(fn notify.Handler) func() { return e.bus.Subscribe(fn) }
func (e *fakeEngine) Metrics() *metrics.Metrics          { return e.metrics }
func (e *fakeEngine) MetricsHandler() http.Handler       { return e.metrics.Handler(nil) }

func do(t *testing.T, h http.Handler, method, path, body string) (int, result) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	var res result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res), "%s %s", method, path)
	return rec.Code, res
}

func TestUpstreamRoutes(t *testing.T) {
	e := newFakeEngine()
	h := NewServer(e).Handler()

	code, res := do(t, h, "DELETE", "/upstream", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, res.Result)

	code, res = do(t, h, "POST", "/upstream", `{"host":"ingest.example.com","port":9000}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, res.Result)
	assert.Equal(t, upstream.Connecting, e.state)

	_, res = do(t, h, "POST", "/upstream", `{"host":"ingest.example.com","port":9000,"token":"abc"}`)
	assert.False(t, res.Result)
	assert.Contains(t, res.Error, "token")

	_, res = do(t, h, "POST", "/upstream", `not json`)
	assert.False(t, res.Result)

	_, res = do(t, h, "DELETE", "/upstream", "")
	assert.True(t, res.Result)
}

func TestLocalRoutes(t *testing.T) {
	e := newFakeEngine()
	h := NewServer(e).Handler()

	_, res := do(t, h, "POST", "/local", `{"path":"/live","port":8080,"user":"viewer","pass":"pw"}`)
	assert.True(t, res.Result)
	assert.Equal(t, []string{"enable-local /live viewer"}, e.calls)

	_, res = do(t, h, "DELETE", "/local", "")
	assert.True(t, res.Result)
	assert.Equal(t, "", e.local)
}

func TestPropertyRoutes(t *testing.T) {
	e := newFakeEngine()
	h := NewServer(e).Handler()

	_, res := do(t, h, "PUT", "/resolution", `{"width":640,"height":360}`)
	assert.True(t, res.Result)
	assert.Equal(t, 640, e.width)

	_, res = do(t, h, "PUT", "/resolution", `{"width":0,"height":360}`)
	assert.False(t, res.Result)
	assert.Equal(t, 640, e.width)

	_, res = do(t, h, "PUT", "/framerate", `{"framerate":30}`)
	assert.True(t, res.Result)
	assert.Equal(t, 30, e.fps)

	_, res = do(t, h, "PUT", "/bitrate", `{"video":1200}`)
	assert.True(t, res.Result)
	assert.Equal(t, 1200, e.video)
	assert.Equal(t, 128, e.audio)

	_, res = do(t, h, "PUT", "/bitrate", `{"video":900,"audio":96}`)
	assert.True(t, res.Result)
	assert.Equal(t, 900, e.video)
	assert.Equal(t, 96, e.audio)

	_, res = do(t, h, "PUT", "/bitrate", `{}`)
	assert.False(t, res.Result)

	_, res = do(t, h, "PUT", "/bitrate", `{"audio":-1}`)
	assert.False(t, res.Result)

	_, res = do(t, h, "PUT", "/input-mode", `{"mode":"hdmi-in"}`)
	assert.True(t, res.Result)
	assert.Equal(t, media.InputHDMIIn, e.mode)

	_, res = do(t, h, "PUT", "/input-mode", `{"mode":"webcam"}`)
	assert.False(t, res.Result)

	_, res = do(t, h, "PUT", "/auto-bitrate", `{"enabled":true}`)
	assert.True(t, res.Result)
	assert.True(t, e.auto)
}

func TestStateAndMetrics(t *testing.T) {
	e := newFakeEngine()
	e.state = upstream.Transmitting
	h := NewServer(e).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st State
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "transmitting", st.Upstream)
	assert.Equal(t, 1500, st.Throughput)
	assert.Equal(t, 3, st.Consumers)
	assert.Equal(t, 1280, st.Width)
	assert.Equal(t, "live", st.InputMode)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := ioutil.ReadAll(rec.Body)
	assert.Contains(t, string(body), "alohacast_requests_total 1")
}

func TestEventStream(t *testing.T) {
	e := newFakeEngine()
	ts := httptest.NewServer(NewServer(e).Handler())
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return e.bus.Len() == 1 }, time.Second, 5*time.Millisecond)
	e.bus.Publish(notify.Event{Type: notify.UpstreamStateChanged, State: "Waiting"})
	e.bus.Publish(notify.Event{Type: notify.Throughput, Kbps: 800})

	var ev notify.Event
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, notify.UpstreamStateChanged, ev.Type)
	assert.Equal(t, "Waiting", ev.State)
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, 800, ev.Kbps)

	ws.Close()
	require.Eventually(t, func() bool { return e.bus.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- NewServer(newFakeEngine()).Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

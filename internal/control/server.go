//////////////////////////////////////////////////////////////////////////////
//
// HTTP control plane
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/lanikai/alohacast/internal/media"
	"github.com/lanikai/alohacast/internal/metrics"
	"github.com/lanikai/alohacast/internal/notify"
)

var errEmptyBody = errors.New("control: empty request")

// Server exposes an Engine over HTTP. Every mutating method answers
// {"result": bool}; a false result carries the error text.
type Server struct {
	engine   Engine
	router   chi.Router
	upgrader websocket.Upgrader

	// Queue length of each event stream.
	EventQueue int
}

func NewServer(engine Engine) *Server {
	s := &Server{
		engine:     engine,
		EventQueue: 32,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.RequestMiddleware(engine.Metrics()))

	r.Post("/upstream", s.enableUpstream)
	r.Delete("/upstream", s.disableUpstream)
	r.Post("/local", s.enableLocal)
	r.Delete("/local", s.disableLocal)
	r.Put("/resolution", s.setResolution)
	r.Put("/framerate", s.setFramerate)
	r.Put("/bitrate", s.setBitrate)
	r.Put("/input-mode", s.setInputMode)
	r.Put("/auto-bitrate", s.setAutoBitrate)
	r.Get("/state", s.getState)
	r.Get("/events", s.events)
	r.Method(http.MethodGet, "/metrics", engine.MetricsHandler())

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "control: listen")
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router}
	errc := make(chan error, 1)
	go func() {
		log.Info("Control plane listening on %v", ln.Addr())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != http.ErrServerClosed {
		return err
	}
	return nil
}

type result struct {
	Result bool   `json:"result"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response: %v", err)
	}
}

func writeResult(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		log.Info("%s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusBadRequest, result{Result: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result{Result: true})
}

func decode(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errEmptyBody
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(err, "control: decode request")
	}
	return nil
}

type upstreamRequest struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"token"`
}

func (s *Server) enableUpstream(w http.ResponseWriter, r *http.Request) {
	var req upstreamRequest
	if err := decode(r, &req); err != nil {
		writeResult(w, r, err)
		return
	}
	writeResult(w, r, s.engine.EnableUpstream(req.Host, req.Port, req.Token))
}

func (s *Server) disableUpstream(w http.ResponseWriter, r *http.Request) {
	writeResult(w, r, s.engine.DisableUpstream())
}

type localRequest struct {
	Path string `json:"path"`
	Port int    `json:"port"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

func (s *Server) enableLocal(w http.ResponseWriter, r *http.Request) {
	var req localRequest
	if err := decode(r, &req); err != nil {
		writeResult(w, r, err)
		return
	}
	writeResult(w, r, s.engine.EnableLocalDistribution(req.Path, req.Port, req.User, req.Pass))
}

func (s *Server) disableLocal(w http.ResponseWriter, r *http.Request) {
	writeResult(w, r, s.engine.DisableLocalDistribution())
}

type resolutionRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s *Server) setResolution(w http.ResponseWriter, r *http.Request) {
	var req resolutionRequest
	if err := decode(r, &req); err != nil {
		writeResult(w, r, err)
		return
	}
	writeResult(w, r, s.engine.SetResolution(req.Width, req.Height))
}

type framerateRequest struct {
	Framerate int `json:"framerate"`
}

func (s *Server) setFramerate(w http.ResponseWriter, r *http.Request) {
	var req framerateRequest
	if err := decode(r, &req); err != nil {
		writeResult(w, r, err)
		return
	}
	writeResult(w, r, s.engine.SetFramerate(req.Framerate))
}

// Either field may be omitted.
type bitrateRequest struct {
	Audio *int `json:"audio"`
	Video *int `json:"video"`
}

func (s *Server) setBitrate(w http.ResponseWriter, r *http.Request) {
	var req bitrateRequest
	if err := decode(r, &req); err != nil {
		writeResult(w, r, err)
		return
	}
	if req.Audio == nil && req.Video == nil {
		writeResult(w, r, errEmptyBody)
		return
	}
	if req.Video != nil {
		if err := s.engine.SetVideoBitrate(*req.Video); err != nil {
			writeResult(w, r, err)
			return
		}
	}
	if req.Audio != nil {
		if err := s.engine.SetAudioBitrate(*req.Audio); err != nil {
			writeResult(w, r, err)
			return
		}
	}
	writeResult(w, r, nil)
}

type inputModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) setInputMode(w http.ResponseWriter, r *http.Request) {
	var req inputModeRequest
	if err := decode(r, &req); err != nil {
		writeResult(w, r, err)
		return
	}
	m, err := media.ParseInputMode(req.Mode)
	if err != nil {
		writeResult(w, r, err)
		return
	}
	writeResult(w, r, s.engine.SetInputMode(m))
}

type autoBitrateRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setAutoBitrate(w http.ResponseWriter, r *http.Request) {
	var req autoBitrateRequest
	if err := decode(r, &req); err != nil {
		writeResult(w, r, err)
		return
	}
	s.engine.SetAutoBitrate(req.Enabled)
	writeResult(w, r, nil)
}

// State is the body of GET /state.
type State struct {
	Upstream     string `json:"upstream"`
	Throughput   int    `json:"throughput"`
	AutoBitrate  bool   `json:"autoBitrate"`
	Local        string `json:"local,omitempty"`
	Consumers    int    `json:"consumers"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Framerate    int    `json:"framerate"`
	VideoBitrate int    `json:"videoBitrate"`
	AudioBitrate int    `json:"audioBitrate"`
	InputMode    string `json:"inputMode"`
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	e := s.engine
	st := State{
		Upstream:     e.UpstreamState().String(),
		Throughput:   e.Throughput(),
		AutoBitrate:  e.AutoBitrate(),
		Local:        e.LocalAddr(),
		Consumers:    e.ConsumerCount(),
		Framerate:    e.Framerate(),
		VideoBitrate: e.VideoBitrate(),
		AudioBitrate: e.AudioBitrate(),
		InputMode:    e.InputMode().String(),
	}
	st.Width, st.Height = e.Resolution()
	writeJSON(w, http.StatusOK, st)
}

// events streams notifications to a websocket client as JSON text messages.
// Events are dropped for clients that fall behind.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade: %v", err)
		return
	}
	defer ws.Close()

	queue := make(chan notify.Event, s.EventQueue)
	cancel := s.engine.Subscribe(func(ev notify.Event) {
		select {
		case queue <- ev:
		default:
		}
	})
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev := <-queue:
			ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := ws.WriteJSON(ev); err != nil {
				log.Debug("events: %v", err)
				return
			}
		}
	}
}

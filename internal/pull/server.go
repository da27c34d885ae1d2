//////////////////////////////////////////////////////////////////////////////
//
// Local pull distribution over websockets
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package pull

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"

	"github.com/lanikai/alohacast/internal/consumer"
	"github.com/lanikai/alohacast/internal/media"
)

// Server accepts pull consumers. Every websocket connection is one registry
// session: format announcements go out as JSON text messages, samples as
// binary frames.
type Server struct {
	cfg      Config
	registry *consumer.Registry
	upgrader websocket.Upgrader
	router   chi.Router

	http *http.Server

	// Tracks connection handlers so Close can wait for them.
	conns sync.WaitGroup

	sync.Mutex
	listener net.Listener
	done     chan struct{}
	closed   bool
}

func NewServer(cfg Config, registry *consumer.Registry) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if cfg.User != "" {
		r.Use(middleware.BasicAuth("alohacast", map[string]string{cfg.User: cfg.Pass}))
	}
	r.Get(cfg.Path, s.handle(consumer.ES))
	r.Get(cfg.tsPath(), s.handle(consumer.TS))
	s.router = r
	s.http = &http.Server{Handler: r}
	return s, nil
}

// Handler returns the router, for embedding or testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listening address, or nil if not started.
func (s *Server) Addr() net.Addr {
	s.Lock()
	defer s.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens on the configured host and port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return errors.Wrap(err, "pull: listen")
	}
	return s.Serve(ln)
}

// Serve serves on ln in the background.
func (s *Server) Serve(ln net.Listener) error {
	s.Lock()
	if s.listener != nil {
		s.Unlock()
		ln.Close()
		return ErrRunning
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	s.listener = ln
	s.done = make(chan struct{})
	done := s.done
	s.Unlock()

	log.Info("Serving pull consumers on %v%s", ln.Addr(), s.cfg.Path)
	go func() {
		defer close(done)
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("pull: %v", err)
		}
	}()
	return nil
}

// Close stops accepting connections, closes every session of the registry and
// waits for the connection handlers to exit.
func (s *Server) Close() error {
	s.Lock()
	done := s.done
	started := s.listener != nil
	s.closed = true
	s.Unlock()

	var err error
	if started {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.http.Shutdown(ctx)
		cancel()
		<-done
	}

	// Hijacked websocket connections are not tracked by http.Server.
	if n := s.registry.CloseAll(); n > 0 {
		log.Info("Closed %d pull sessions", n)
	}
	s.conns.Wait()
	return err
}

// Announcement is the JSON text message sent for every format change.
type Announcement struct {
	Type   string       `json:"type"`
	Kind   string       `json:"kind"`
	Format media.Format `json:"format"`
}

// Hello is the first message on every connection.
type Hello struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Class   string `json:"class"`
}

func (s *Server) handle(class consumer.Class) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.enter() {
			http.Error(w, "distribution stopped", http.StatusServiceUnavailable)
			return
		}
		defer s.conns.Done()

		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade: %v", err)
			return
		}
		defer ws.Close()

		sess := s.registry.Open(class)
		defer func() {
			if err := s.registry.Close(sess.ID); err != nil && errors.Cause(err) != consumer.ErrUnknownSession {
				log.Warn("%v", err)
			}
		}()
		if s.isClosed() {
			// Opened after Close swept the registry.
			return
		}
		log.Debug("Consumer %v connected as %s", r.RemoteAddr, sess.ID)

		// Consumers do not send anything meaningful; reading detects disconnects
		// and processes control frames.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					log.Debug("Consumer %s: %v", sess.ID, err)
					return
				}
			}
		}()

		if err := s.write(ws, websocket.TextMessage, Hello{"session", sess.ID.String(), string(class)}); err != nil {
			return
		}

		var buf []byte
		for {
			select {
			case <-gone:
				return
			case <-sess.Done():
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "distribution stopped"),
					time.Now().Add(time.Second))
				return
			case msg := <-sess.Messages():
				if msg.Format != nil {
					ann := Announcement{Type: "format", Kind: msg.Sample.Kind.String(), Format: *msg.Format}
					err = s.write(ws, websocket.TextMessage, ann)
				} else {
					buf = media.AppendFrame(buf[:0], msg.Sample)
					err = s.write(ws, websocket.BinaryMessage, buf)
				}
				if err != nil {
					log.Debug("Consumer %s: write: %v", sess.ID, err)
					return
				}
			}
		}
	}
}

// enter registers a connection handler unless the server is closed.
func (s *Server) enter() bool {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) isClosed() bool {
	s.Lock()
	defer s.Unlock()
	return s.closed
}

func (s *Server) write(ws *websocket.Conn, typ int, v interface{}) error {
	ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if typ == websocket.TextMessage {
		return ws.WriteJSON(v)
	}
	return ws.WriteMessage(typ, v.([]byte))
}

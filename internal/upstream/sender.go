package upstream

import (
	"context"
	"net"
	"sync"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohacast/internal/media"
)

// Dialer opens the uplink connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDialer returns a TCP dialer with the given timeout and, if sendBuffer is
// positive, a fixed socket send buffer.
func NewDialer(timeout time.Duration, sendBuffer int) *net.Dialer {
	d := &net.Dialer{Timeout: timeout}
	if sendBuffer > 0 {
		d.Control = sendBufferControl(sendBuffer)
	}
	return d
}

// Sender is the terminal node of the uplink: it writes frames to a TCP
// connection. Start dials in the background; samples pushed before the
// connection is up wait for it. The first failure (dial or write) is reported
// once through OnError and every later push fails fast.
type Sender struct {
	addr   string
	dialer Dialer

	conn net.Conn
	err  error

	// Closed once the dial attempt finished, successfully or not.
	ready chan struct{}

	// Closed by Stop.
	dead chan struct{}

	cancel context.CancelFunc

	// Serializes writes; only the relay pump writes in practice.
	writeMu sync.Mutex
	buf     []byte

	// OnError is called once, from the dialing or writing goroutine, with the
	// first transport failure. It is not called after Stop.
	OnError func(err error)

	// OnWrite is called after each successful write with the byte count.
	OnWrite func(n int)

	errOnce sync.Once
	mu      sync.Mutex
}

func NewSender(addr string, dialer Dialer) *Sender {
	return &Sender{
		addr:   addr,
		dialer: dialer,
		ready:  make(chan struct{}),
		dead:   make(chan struct{}),
	}
}

func (s *Sender) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.dial(ctx)
	return nil
}

func (s *Sender) dial(ctx context.Context) {
	defer close(s.ready)

	log.Info("Connecting to %s", s.addr)
	conn, err := s.dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		s.fail(errors.Errorf("connect %s: %w", s.addr, err))
		return
	}

	s.mu.Lock()
	select {
	case <-s.dead:
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	s.conn = conn
	s.mu.Unlock()
	log.Info("Connected to %s", conn.RemoteAddr())
}

func (s *Sender) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	stopped := false
	select {
	case <-s.dead:
		stopped = true
	default:
	}
	s.mu.Unlock()

	if stopped {
		return
	}
	s.errOnce.Do(func() {
		log.Warn("Transport error: %v", err)
		if s.OnError != nil {
			s.OnError(err)
		}
	})
}

// Err returns the first transport failure.
func (s *Sender) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Sender) connection() (net.Conn, error) {
	select {
	case <-s.ready:
	case <-s.dead:
		return nil, media.ErrStopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.conn == nil {
		return nil, errNotConnected
	}
	return s.conn, nil
}

func (s *Sender) write(b []byte) error {
	conn, err := s.connection()
	if err != nil {
		return err
	}
	n, err := conn.Write(b)
	if err != nil {
		err = errors.Errorf("write to %s: %w", s.addr, err)
		s.fail(err)
		return err
	}
	if s.OnWrite != nil {
		s.OnWrite(n)
	}
	return nil
}

// WriteToken writes raw bytes ahead of the framed stream.
func (s *Sender) WriteToken(token []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.write(token)
}

// Push writes s as one frame.
func (s *Sender) Push(sample media.Sample) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.buf = media.AppendFrame(s.buf[:0], sample)
	return s.write(s.buf)
}

// The sender is always the end of the chain.
func (s *Sender) Link(media.Sink) error {
	return errors.New("upstream: sender is a terminal node")
}

func (s *Sender) Unlink() {}

// Stop aborts a pending dial and closes the connection, which unblocks a
// write in progress.
func (s *Sender) Stop() error {
	s.mu.Lock()
	select {
	case <-s.dead:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.dead)
	if s.cancel != nil {
		s.cancel()
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		log.Info("Closing connection to %s", s.addr)
		return conn.Close()
	}
	return nil
}

package pull

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidPath = errors.New("pull: invalid mount path")
	ErrInvalidPort = errors.New("pull: invalid port")
	ErrRunning     = errors.New("pull: server already running")
)

// Config describes a local distribution endpoint.
type Config struct {
	// Mount path of the elementary stream endpoint. The multiplexed endpoint is
	// mounted at Path + "/ts".
	Path string

	Host string
	Port int

	// Basic auth credentials. Auth is disabled when User is empty.
	User string
	Pass string

	// Maximum simultaneous connections. Zero means unlimited.
	MaxConns int

	WriteTimeout time.Duration
}

const defaultWriteTimeout = 5 * time.Second

// Validate checks the path and port.
func (cfg Config) Validate() error {
	p := cfg.Path
	if p == "" || p[0] != '/' || strings.ContainsAny(p, " \t\r\n?#") || strings.Contains(p, "//") {
		return errors.Wrapf(ErrInvalidPath, "%q", p)
	}
	if p != "/" && strings.HasSuffix(p, "/") {
		return errors.Wrapf(ErrInvalidPath, "%q has a trailing slash", p)
	}
	if strings.HasSuffix(p, "/ts") {
		return errors.Wrapf(ErrInvalidPath, "%q collides with the ts endpoint", p)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return errors.Wrapf(ErrInvalidPort, "%d", cfg.Port)
	}
	return nil
}

// tsPath returns the mount path of the multiplexed endpoint.
func (cfg Config) tsPath() string {
	return strings.TrimSuffix(cfg.Path, "/") + "/ts"
}

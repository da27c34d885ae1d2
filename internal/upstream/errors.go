package upstream

import (
	errors "golang.org/x/xerrors"
)

var (
	// ErrNotEnabled is returned by Disable when the upstream is already
	// disabled.
	ErrNotEnabled = errors.New("upstream: not enabled")

	// ErrAlreadyEnabled is returned by Enable unless the upstream is disabled.
	ErrAlreadyEnabled = errors.New("upstream: already enabled")

	ErrInvalidHost  = errors.New("upstream: invalid host")
	ErrInvalidPort  = errors.New("upstream: invalid port")
	ErrInvalidToken = errors.New("upstream: invalid token")

	errNotConnected = errors.New("upstream: not connected")
)

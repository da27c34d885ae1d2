//go:build !linux
// +build !linux

package v4l2

import "github.com/pkg/errors"

// ErrUnsupported is returned on platforms without Video4Linux.
var ErrUnsupported = errors.New("v4l2: not supported on this platform")

// Device is unavailable outside Linux.
type Device struct{}

func Open(path string, cfg Config) (*Device, error) {
	return nil, ErrUnsupported
}

func (dev *Device) Close() error                  { return ErrUnsupported }
func (dev *Device) Start() error                  { return ErrUnsupported }
func (dev *Device) Stop() error                   { return ErrUnsupported }
func (dev *Device) ReadFrame() ([]byte, error)    { return nil, ErrUnsupported }
func (dev *Device) SetBitrate(bps int) error      { return ErrUnsupported }
func (dev *Device) SetFramerate(fps int) error    { return ErrUnsupported }
func (dev *Device) SetPixelFormat(w, h int) error { return ErrUnsupported }

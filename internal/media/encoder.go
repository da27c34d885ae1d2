//////////////////////////////////////////////////////////////////////////////
//
// Encoder endpoints
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package media

import (
	"sync"

	"github.com/pkg/errors"
)

// Transform is the property surface of an opaque media node (encoder, parser,
// payloader, muxer). Changes take effect on the next processed sample; there is
// no transactional guarantee beyond that.
type Transform interface {
	Format() Format
	SetFormat(f Format) error

	// Bitrate in kbit/s.
	Bitrate() int
	SetBitrate(kbps int) error

	InputMode() InputMode
	SetInputMode(m InputMode) error
}

// Endpoint is a concrete Transform that stores its properties and validates
// updates. Sources embed one Endpoint per elementary stream.
type Endpoint struct {
	kind    Kind
	format  Format
	bitrate int
	mode    InputMode

	// OnChange, if set, is called after any successful property update.
	OnChange func()

	sync.Mutex
}

func NewEndpoint(kind Kind, format Format, kbps int) *Endpoint {
	return &Endpoint{kind: kind, format: format, bitrate: kbps}
}

func (e *Endpoint) Kind() Kind {
	return e.kind
}

func (e *Endpoint) Format() Format {
	e.Lock()
	defer e.Unlock()
	return e.format
}

func (e *Endpoint) SetFormat(f Format) error {
	if err := validateFormat(e.kind, f); err != nil {
		return err
	}
	e.Lock()
	e.format = f
	e.Unlock()
	e.changed()
	return nil
}

func (e *Endpoint) Bitrate() int {
	e.Lock()
	defer e.Unlock()
	return e.bitrate
}

func (e *Endpoint) SetBitrate(kbps int) error {
	if kbps <= 0 {
		return errors.Wrapf(ErrInvalidBitrate, "%d kbit/s", kbps)
	}
	e.Lock()
	e.bitrate = kbps
	e.Unlock()
	e.changed()
	return nil
}

func (e *Endpoint) InputMode() InputMode {
	e.Lock()
	defer e.Unlock()
	return e.mode
}

func (e *Endpoint) SetInputMode(m InputMode) error {
	if !m.Valid() {
		return errors.Wrapf(ErrInvalidInputMode, "%d", int(m))
	}
	e.Lock()
	e.mode = m
	e.Unlock()
	e.changed()
	return nil
}

func (e *Endpoint) changed() {
	if e.OnChange != nil {
		e.OnChange()
	}
}

func validateFormat(kind Kind, f Format) error {
	switch kind {
	case Video:
		if f.Width <= 0 || f.Height <= 0 || f.Width%2 != 0 || f.Height%2 != 0 {
			return errors.Wrapf(ErrInvalidFormat, "resolution %dx%d", f.Width, f.Height)
		}
		if f.Framerate <= 0 || f.Framerate > 120 {
			return errors.Wrapf(ErrInvalidFormat, "framerate %d", f.Framerate)
		}
	case Audio:
		if f.SampleRate <= 0 || f.Channels <= 0 {
			return errors.Wrapf(ErrInvalidFormat, "audio %dHz/%dch", f.SampleRate, f.Channels)
		}
	}
	return nil
}

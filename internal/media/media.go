//////////////////////////////////////////////////////////////////////////////
//
// Media samples and stream formats
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package media

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Kind identifies the logical stream a sample belongs to.
type Kind uint8

const (
	Video Kind = iota + 1
	Audio

	// Mux samples carry interleaved frames of several elementary streams.
	Mux
)

func (k Kind) String() string {
	switch k {
	case Video:
		return "video"
	case Audio:
		return "audio"
	case Mux:
		return "mux"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Primary reports whether samples of this kind may start a consumer's clock.
// Audio never does; it follows whatever origin the video (or mux) stream set.
func (k Kind) Primary() bool {
	return k == Video || k == Mux
}

// A Sample is one encoded access unit (or one muxed frame) travelling through the
// graph. Samples are treated as immutable once produced: fan-out hands the same
// Data slice to every branch.
type Sample struct {
	Kind Kind

	// Presentation and decode timestamps, relative to the producer's clock.
	PTS time.Duration
	DTS time.Duration

	// Keyframe is set for self-contained samples (IDR, parameter sets, audio
	// frames are never keyframes).
	Keyframe bool

	// Format of the stream at the time the sample was produced.
	Format Format

	Data []byte
}

// A Sink accepts samples. Push must not retain s.Data beyond the sample's own
// lifetime in the graph, and must not block on network I/O while holding locks
// shared with other sinks.
type Sink interface {
	Push(s Sample) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(s Sample) error

func (f SinkFunc) Push(s Sample) error {
	return f(s)
}

// Format describes a stream. Formats are compared with ==; a change is announced
// downstream only when it differs from the previous announcement.
type Format struct {
	Codec string `json:"codec"`

	// Video properties.
	Width     int `json:"width,omitempty"`
	Height    int `json:"height,omitempty"`
	Framerate int `json:"framerate,omitempty"`

	// Audio properties.
	SampleRate int `json:"sampleRate,omitempty"`
	Channels   int `json:"channels,omitempty"`
}

func (f Format) IsZero() bool {
	return f == Format{}
}

func (f Format) String() string {
	if f.Width != 0 || f.Height != 0 {
		return fmt.Sprintf("%s %dx%d@%d", f.Codec, f.Width, f.Height, f.Framerate)
	}
	if f.SampleRate != 0 {
		return fmt.Sprintf("%s %dHz/%dch", f.Codec, f.SampleRate, f.Channels)
	}
	return f.Codec
}

// InputMode selects what the capture hardware encodes.
type InputMode int

const (
	InputLive InputMode = iota
	InputHDMIIn
	InputBackground
)

func (m InputMode) String() string {
	switch m {
	case InputLive:
		return "live"
	case InputHDMIIn:
		return "hdmi-in"
	case InputBackground:
		return "background"
	default:
		return fmt.Sprintf("input(%d)", int(m))
	}
}

// Valid reports whether m is one of the known input modes.
func (m InputMode) Valid() bool {
	return m >= InputLive && m <= InputBackground
}

// ParseInputMode accepts the names returned by InputMode.String.
func ParseInputMode(s string) (InputMode, error) {
	for m := InputLive; m <= InputBackground; m++ {
		if s == m.String() {
			return m, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidInputMode, "%q", s)
}

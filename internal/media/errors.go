//////////////////////////////////////////////////////////////////////////////
//
// Media errors
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package media

import "github.com/pkg/errors"

var (
	errNotFound     = errors.New("not found")
	errNotSupported = errors.New("not supported") // "can't do" items

	// ErrStopped is returned by Push on a stage that reached its terminal state.
	ErrStopped = errors.New("media: stage stopped")

	// ErrInvalidBitrate is returned for non-positive bitrates.
	ErrInvalidBitrate = errors.New("media: invalid bitrate")

	// ErrInvalidFormat is returned when a format fails endpoint validation.
	ErrInvalidFormat = errors.New("media: invalid format")

	// ErrInvalidInputMode is returned for unknown input modes.
	ErrInvalidInputMode = errors.New("media: invalid input mode")

	// ErrShortFrame is returned when decoding a truncated frame.
	ErrShortFrame = errors.New("media: short frame")
)

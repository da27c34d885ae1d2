package alohacast

import (
	"github.com/pkg/errors"
)

var (
	ErrClosed          = errors.New("alohacast: coordinator closed")
	ErrNoVideo         = errors.New("alohacast: source has no video stream")
	ErrNoAudio         = errors.New("alohacast: source has no audio stream")
	ErrLocalEnabled    = errors.New("alohacast: local distribution already enabled")
	ErrLocalNotEnabled = errors.New("alohacast: local distribution not enabled")
)

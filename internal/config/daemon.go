package config

import (
	"time"
)

// Daemon collects everything alohacastd reads from its environment.
type Daemon struct {
	// Capture source spec, e.g. "test:", "h264:/path/file.h264".
	Source string

	Width        int
	Height       int
	Framerate    int
	VideoBitrate int // kbit/s
	AudioBitrate int // kbit/s

	// Upstream controller tuning.
	OverrunThreshold int
	OverrunWindow    time.Duration
	ResumeDelay      time.Duration
	MeasurePeriod    time.Duration
	RelayDepth       time.Duration
	RelaySamples     int
	Tolerance        float64
	AutoBitrate      bool
	MinBitrate       int
	MaxBitrate       int
	DialTimeout      time.Duration
	SendBuffer       int

	// Pull delivery.
	Heartbeat     time.Duration
	SessionQueue  int
	MaxViewers    int
	LocalBindHost string

	// Control plane listen address.
	ControlAddr string

	// Redis address for publishing notifications; empty disables.
	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	LogLevel string
}

// FromEnv builds the daemon configuration from ALOHACAST_* variables.
func FromEnv() Daemon {
	return Daemon{
		Source:       GetEnv("ALOHACAST_SOURCE", "test:"),
		Width:        GetEnvInt("ALOHACAST_WIDTH", 1280),
		Height:       GetEnvInt("ALOHACAST_HEIGHT", 720),
		Framerate:    GetEnvInt("ALOHACAST_FRAMERATE", 25),
		VideoBitrate: GetEnvInt("ALOHACAST_VIDEO_BITRATE", 2000),
		AudioBitrate: GetEnvInt("ALOHACAST_AUDIO_BITRATE", 128),

		OverrunThreshold: GetEnvInt("ALOHACAST_OVERRUN_THRESHOLD", 20),
		OverrunWindow:    GetEnvDuration("ALOHACAST_OVERRUN_WINDOW", 10*time.Second),
		ResumeDelay:      GetEnvDuration("ALOHACAST_RESUME_DELAY", 20*time.Second),
		MeasurePeriod:    GetEnvDuration("ALOHACAST_MEASURE_PERIOD", 5*time.Second),
		RelayDepth:       GetEnvDuration("ALOHACAST_RELAY_DEPTH", 3*time.Second),
		RelaySamples:     GetEnvInt("ALOHACAST_RELAY_SAMPLES", 1024),
		Tolerance:        GetEnvFloat("ALOHACAST_BITRATE_TOLERANCE", 0.1),
		AutoBitrate:      GetEnvBool("ALOHACAST_AUTO_BITRATE", false),
		MinBitrate:       GetEnvInt("ALOHACAST_MIN_BITRATE", 300),
		MaxBitrate:       GetEnvInt("ALOHACAST_MAX_BITRATE", 8000),
		DialTimeout:      GetEnvDuration("ALOHACAST_DIAL_TIMEOUT", 10*time.Second),
		SendBuffer:       GetEnvInt("ALOHACAST_SEND_BUFFER", 0),

		Heartbeat:     GetEnvDuration("ALOHACAST_HEARTBEAT", 10*time.Second),
		SessionQueue:  GetEnvInt("ALOHACAST_SESSION_QUEUE", 256),
		MaxViewers:    GetEnvInt("ALOHACAST_MAX_VIEWERS", 64),
		LocalBindHost: GetEnv("ALOHACAST_LOCAL_HOST", ""),

		ControlAddr: GetEnv("ALOHACAST_CONTROL_ADDR", "127.0.0.1:8554"),

		RedisAddr:     GetEnv("ALOHACAST_REDIS_ADDR", ""),
		RedisPassword: GetEnv("ALOHACAST_REDIS_PASSWORD", ""),
		RedisChannel:  GetEnv("ALOHACAST_REDIS_CHANNEL", "alohacast:events"),

		LogLevel: GetEnv("LOGLEVEL", ""),
	}
}

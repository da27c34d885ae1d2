package upstream

import (
	"time"
)

// TokenLen is the required length of a non-empty authentication token.
const TokenLen = 36

// Config tunes the controller. Bitrates are in kbit/s.
type Config struct {
	// Overruns while transmitting within one window before escalating to
	// Overload.
	OverrunThreshold int
	OverrunWindow    time.Duration

	// How long capture stays paused after an overrun in Overload, unless an
	// underrun resumes it first.
	ResumeDelay time.Duration

	// Throughput averaging period.
	MeasurePeriod time.Duration

	// Uplink relay bounds.
	RelayDepth   time.Duration
	RelaySamples int

	// Relative mismatch between measured throughput and encoder bitrate that
	// triggers a retarget.
	Tolerance float64

	AutoBitrate bool
	MinBitrate  int
	MaxBitrate  int

	DialTimeout time.Duration

	// Socket send buffer in bytes; zero keeps the system default.
	SendBuffer int
}

var DefaultConfig = Config{
	OverrunThreshold: 20,
	OverrunWindow:    10 * time.Second,
	ResumeDelay:      20 * time.Second,
	MeasurePeriod:    5 * time.Second,
	RelayDepth:       3 * time.Second,
	RelaySamples:     1024,
	Tolerance:        0.1,
	MinBitrate:       300,
	MaxBitrate:       8000,
	DialTimeout:      10 * time.Second,
}

func (cfg Config) withDefaults() Config {
	d := DefaultConfig
	if cfg.OverrunThreshold > 0 {
		d.OverrunThreshold = cfg.OverrunThreshold
	}
	if cfg.OverrunWindow > 0 {
		d.OverrunWindow = cfg.OverrunWindow
	}
	if cfg.ResumeDelay > 0 {
		d.ResumeDelay = cfg.ResumeDelay
	}
	if cfg.MeasurePeriod > 0 {
		d.MeasurePeriod = cfg.MeasurePeriod
	}
	if cfg.RelayDepth > 0 {
		d.RelayDepth = cfg.RelayDepth
	}
	if cfg.RelaySamples > 0 {
		d.RelaySamples = cfg.RelaySamples
	}
	if cfg.Tolerance > 0 {
		d.Tolerance = cfg.Tolerance
	}
	if cfg.MinBitrate > 0 {
		d.MinBitrate = cfg.MinBitrate
	}
	if cfg.MaxBitrate > 0 {
		d.MaxBitrate = cfg.MaxBitrate
	}
	if cfg.DialTimeout > 0 {
		d.DialTimeout = cfg.DialTimeout
	}
	d.AutoBitrate = cfg.AutoBitrate
	d.SendBuffer = cfg.SendBuffer
	return d
}

//////////////////////////////////////////////////////////////////////////////
//
// Config contains configuration data for a Coordinator
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package alohacast

import (
	"time"

	"github.com/lanikai/alohacast/internal/config"
	"github.com/lanikai/alohacast/internal/upstream"
)

type Config struct {
	// Upstream controller tuning.
	Upstream upstream.Config

	// Interval between heartbeats of idle delivery branches.
	Heartbeat time.Duration

	// Outbound queue length of each pull session.
	SessionQueue int

	// Limit on simultaneous pull connections. Zero means unlimited.
	MaxViewers int

	// Interface the pull server binds to. Empty means all.
	LocalHost string

	// Overrides the upstream dialer (tests).
	Dialer upstream.Dialer
}

// ConfigFromDaemon maps environment settings onto a Config.
func ConfigFromDaemon(d config.Daemon) Config {
	return Config{
		Upstream: upstream.Config{
			OverrunThreshold: d.OverrunThreshold,
			OverrunWindow:    d.OverrunWindow,
			ResumeDelay:      d.ResumeDelay,
			MeasurePeriod:    d.MeasurePeriod,
			RelayDepth:       d.RelayDepth,
			RelaySamples:     d.RelaySamples,
			Tolerance:        d.Tolerance,
			AutoBitrate:      d.AutoBitrate,
			MinBitrate:       d.MinBitrate,
			MaxBitrate:       d.MaxBitrate,
			DialTimeout:      d.DialTimeout,
			SendBuffer:       d.SendBuffer,
		},
		Heartbeat:    d.Heartbeat,
		SessionQueue: d.SessionQueue,
		MaxViewers:   d.MaxViewers,
		LocalHost:    d.LocalBindHost,
	}
}

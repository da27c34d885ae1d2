// Package rebase shifts a live stream's timestamps so that each consumer's
// clock starts at zero on the first keyframe it receives.
package rebase

import (
	"time"

	"github.com/lanikai/alohacast/internal/media"
)

// Timeline holds a consumer's origin. The zero value is unset.
type Timeline struct {
	set bool
	pts time.Duration
	dts time.Duration
}

// Latch sets the origin. It has no effect once set.
func (t *Timeline) Latch(pts, dts time.Duration) {
	if !t.set {
		t.set, t.pts, t.dts = true, pts, dts
	}
}

func (t *Timeline) IsSet() bool {
	return t.set
}

// Origin returns the latched timestamps.
func (t *Timeline) Origin() (pts, dts time.Duration, ok bool) {
	return t.pts, t.dts, t.set
}

// Reset clears the origin; the next keyframe latches a new one.
func (t *Timeline) Reset() {
	*t = Timeline{}
}

// Shift maps a timestamp pair onto the timeline. Presentation time is clamped
// at zero; decode time may run slightly negative.
func (t *Timeline) Shift(pts, dts time.Duration) (time.Duration, time.Duration) {
	pts -= t.pts
	if pts < 0 {
		pts = 0
	}
	return pts, dts - t.dts
}

// Rebaser applies origin latching, shifting and format announcement for one
// consumer. It is not safe for concurrent use; callers serialize on their own
// lock.
type Rebaser struct {
	Timeline

	// Last format announced per stream kind.
	announced map[media.Kind]media.Format

	// Set by Resync: wait for the next primary keyframe, keeping the origin.
	resync bool

	dropped uint64
}

func NewRebaser() *Rebaser {
	return &Rebaser{announced: make(map[media.Kind]media.Format)}
}

// Apply decides what to do with s. It returns ok=false if s must be dropped:
// before the origin is set, only a keyframe of a primary stream (video or mux)
// is admitted, and it latches the origin. announce is true when s carries a
// format different from the last one announced for its kind; the caller sends
// the format ahead of the sample. After Resync the same keyframe rule applies,
// but the origin is kept.
func (r *Rebaser) Apply(s media.Sample) (out media.Sample, announce bool, ok bool) {
	if !r.IsSet() || r.resync {
		if !s.Keyframe || !s.Kind.Primary() {
			r.dropped++
			return s, false, false
		}
		if !r.IsSet() {
			r.Latch(s.PTS, s.DTS)
		}
		r.resync = false
	}

	out = s
	out.PTS, out.DTS = r.Shift(s.PTS, s.DTS)

	if s.Format != r.announced[s.Kind] {
		r.announced[s.Kind] = s.Format
		announce = true
	}
	return out, announce, true
}

// Dropped returns the number of samples discarded while waiting for a keyframe.
func (r *Rebaser) Dropped() uint64 {
	return r.dropped
}

// Reset clears the origin and the announced formats.
func (r *Rebaser) Reset() {
	r.Timeline.Reset()
	r.announced = make(map[media.Kind]media.Format)
	r.resync = false
}

// Resync is used after the consumer lost queued output: samples are dropped
// until the next primary keyframe, and every format is announced again. The
// timeline continues from the same origin.
func (r *Rebaser) Resync() {
	r.announced = make(map[media.Kind]media.Format)
	r.resync = true
}

package media

import (
	"time"

	"github.com/lanikai/alohacast/internal/media/h264"
)

// Number of audio samples per AAC frame.
const aacFrameSamples = 1024

// syntheticSource produces a live test pattern: H.264-shaped video access units
// with a keyframe every two seconds and AAC-shaped audio frames, sized to match
// the configured bitrates. Useful for demos and for exercising the graph without
// capture hardware.
type syntheticSource struct {
	video *Endpoint
	audio *Endpoint

	// Wall clock of pts zero.
	start time.Time

	nextVideo time.Duration
	nextAudio time.Duration
	frame     int

	forceKeyframe bool

	now   func() time.Time
	sleep func(time.Duration)
	quit  chan struct{}
}

// NewSyntheticSource creates a test-pattern source with the given settings.
func NewSyntheticSource(opts SourceOptions) Source {
	opts = opts.withDefaults()
	return &syntheticSource{
		video: NewEndpoint(Video, Format{
			Codec:     "H264",
			Width:     opts.Width,
			Height:    opts.Height,
			Framerate: opts.Framerate,
		}, opts.VideoBitrate),
		audio: NewEndpoint(Audio, Format{
			Codec:      "AAC",
			SampleRate: opts.SampleRate,
			Channels:   opts.Channels,
		}, opts.AudioBitrate),
		now:   time.Now,
		sleep: time.Sleep,
		quit:  make(chan struct{}),
	}
}

func (src *syntheticSource) Video() Transform { return src.video }
func (src *syntheticSource) Audio() Transform { return src.audio }

func (src *syntheticSource) ReadSample() (Sample, error) {
	select {
	case <-src.quit:
		return Sample{}, ErrStopped
	default:
	}

	now := src.now()
	if src.start.IsZero() {
		src.start = now
		src.forceKeyframe = true
	}

	// After a pause, skip ahead to the present instead of bursting the backlog.
	// A live encoder restarts with a keyframe.
	if elapsed := now.Sub(src.start); elapsed-minDuration(src.nextVideo, src.nextAudio) > time.Second {
		src.nextVideo = elapsed
		src.nextAudio = elapsed
		src.forceKeyframe = true
	}

	if src.nextVideo <= src.nextAudio {
		src.wait(src.nextVideo)
		return src.videoSample(), nil
	}
	src.wait(src.nextAudio)
	return src.audioSample(), nil
}

func (src *syntheticSource) wait(due time.Duration) {
	if d := src.start.Add(due).Sub(src.now()); d > 0 {
		src.sleep(d)
	}
}

func (src *syntheticSource) videoSample() Sample {
	f := src.video.Format()
	fps := f.Framerate
	if fps <= 0 {
		fps = DefaultSourceOptions.Framerate
	}

	keyframe := src.forceKeyframe || src.frame%(2*fps) == 0
	if src.forceKeyframe {
		src.forceKeyframe = false
		src.frame = 0
	}

	size := src.video.Bitrate() * 1000 / 8 / fps
	if keyframe {
		size *= 4
	}
	data := make([]byte, len(h264.StartCode)+1+size)
	copy(data, h264.StartCode)
	if keyframe {
		data[len(h264.StartCode)] = 0x65
	} else {
		data[len(h264.StartCode)] = 0x41
	}
	for i := len(h264.StartCode) + 1; i < len(data); i++ {
		data[i] = byte(src.frame + i)
	}

	s := Sample{
		Kind:     Video,
		PTS:      src.nextVideo,
		DTS:      src.nextVideo,
		Keyframe: keyframe,
		Format:   f,
		Data:     data,
	}
	src.frame++
	src.nextVideo += time.Second / time.Duration(fps)
	return s
}

func (src *syntheticSource) audioSample() Sample {
	f := src.audio.Format()
	rate := f.SampleRate
	if rate <= 0 {
		rate = DefaultSourceOptions.SampleRate
	}
	duration := time.Duration(aacFrameSamples) * time.Second / time.Duration(rate)

	size := int(int64(src.audio.Bitrate()) * 1000 / 8 * int64(duration) / int64(time.Second))
	s := Sample{
		Kind:   Audio,
		PTS:    src.nextAudio,
		DTS:    src.nextAudio,
		Format: f,
		Data:   make([]byte, size),
	}
	src.nextAudio += duration
	return s
}

func (src *syntheticSource) Close() error {
	select {
	case <-src.quit:
	default:
		close(src.quit)
	}
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func openSynthetic(path string, opts SourceOptions) (Source, error) {
	return NewSyntheticSource(opts), nil
}

func init() {
	RegisterSourceType("test", openSynthetic)
}

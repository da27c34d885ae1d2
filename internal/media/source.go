package media

// Source is a capture/encode endpoint pair producing interleaved video and
// audio samples. Sources pace themselves at the live rate.
type Source interface {
	// Video and Audio return the encoder endpoints. Either may be nil when the
	// source has no such stream.
	Video() Transform
	Audio() Transform

	// ReadSample blocks until the next encoded sample is available. Samples of
	// one kind are returned in decode order.
	ReadSample() (Sample, error)

	// Free up any resources associated with the source.
	Close() error
}

// SourceOptions carries the initial encoder settings applied when a source is
// opened.
type SourceOptions struct {
	Width        int
	Height       int
	Framerate    int
	VideoBitrate int // kbit/s
	AudioBitrate int // kbit/s
	SampleRate   int
	Channels     int
}

// DefaultSourceOptions mirrors the encoder's power-on defaults.
var DefaultSourceOptions = SourceOptions{
	Width:        1280,
	Height:       720,
	Framerate:    25,
	VideoBitrate: 2000,
	AudioBitrate: 128,
	SampleRate:   48000,
	Channels:     2,
}

func (o SourceOptions) withDefaults() SourceOptions {
	d := DefaultSourceOptions
	if o.Width > 0 && o.Height > 0 {
		d.Width, d.Height = o.Width, o.Height
	}
	if o.Framerate > 0 {
		d.Framerate = o.Framerate
	}
	if o.VideoBitrate > 0 {
		d.VideoBitrate = o.VideoBitrate
	}
	if o.AudioBitrate > 0 {
		d.AudioBitrate = o.AudioBitrate
	}
	if o.SampleRate > 0 {
		d.SampleRate = o.SampleRate
	}
	if o.Channels > 0 {
		d.Channels = o.Channels
	}
	return d
}

// Allows capturing from a V4L2 video device (as long as it writes H.264).
// Example source spec: "v4l2:/dev/video0"

package media

import (
	"bytes"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacast/internal/media/h264"
	"github.com/lanikai/alohacast/internal/v4l2"
)

// The device abstraction used by v4l2Source; *v4l2.Device in production.
type captureDevice interface {
	Start() error
	Stop() error
	ReadFrame() ([]byte, error)
	SetBitrate(bps int) error
	SetFramerate(fps int) error
	SetPixelFormat(width, height int) error
	Close() error
}

type v4l2Source struct {
	dev   captureDevice
	video *Endpoint

	// NAL units read from the device but not yet returned.
	nalus [][]byte

	// Capture start; sample timestamps are relative to it.
	start   time.Time
	started bool

	// Settings last applied to the device.
	applied Format
	bitrate int

	// Set by the endpoint when a property changes; applied on the read
	// goroutine so that ioctls never race with ReadFrame.
	dirty bool
	sync.Mutex

	now func() time.Time
}

func newV4L2Source(dev captureDevice, opts SourceOptions) *v4l2Source {
	f := Format{
		Codec:     "H264",
		Width:     opts.Width,
		Height:    opts.Height,
		Framerate: opts.Framerate,
	}
	src := &v4l2Source{
		dev:     dev,
		video:   NewEndpoint(Video, f, opts.VideoBitrate),
		applied: f,
		bitrate: opts.VideoBitrate,
		now:     time.Now,
	}
	src.video.OnChange = func() {
		src.Lock()
		src.dirty = true
		src.Unlock()
	}
	return src
}

func (src *v4l2Source) Video() Transform { return src.video }

// The hardware encoder carries video only.
func (src *v4l2Source) Audio() Transform { return nil }

func (src *v4l2Source) ReadSample() (Sample, error) {
	if err := src.applyChanges(); err != nil {
		return Sample{}, err
	}
	if !src.started {
		if err := src.dev.Start(); err != nil {
			return Sample{}, errors.Wrap(err, "v4l2: start")
		}
		src.started = true
		src.start = src.now()
	}

	// Parameter sets and SEI travel with the following slice.
	var au []byte
	keyframe := false
	for {
		nalu, err := src.readNALU()
		if err != nil {
			return Sample{}, err
		}
		au = append(au, h264.StartCode...)
		au = append(au, nalu...)
		if h264.NALU(nalu).IsKeyframe() {
			keyframe = true
		}
		if h264.NALU(nalu).IsVCL() {
			break
		}
	}

	pts := src.now().Sub(src.start)
	return Sample{
		Kind:     Video,
		PTS:      pts,
		DTS:      pts,
		Keyframe: keyframe,
		Format:   src.video.Format(),
		Data:     au,
	}, nil
}

func (src *v4l2Source) readNALU() ([]byte, error) {
	for len(src.nalus) == 0 {
		buf, err := src.dev.ReadFrame()
		if err != nil {
			return nil, errors.Wrap(err, "v4l2: read")
		}
		// On the Raspberry Pi, each picture NALU is delivered as a separate
		// buffer, prefixed by an Annex-B start code. But SPS/PPS/SEI may come
		// concatenated together, so to be safe we always split.
		for _, nalu := range bytes.Split(buf, []byte{0, 0, 0, 1}) {
			if len(nalu) > 0 {
				src.nalus = append(src.nalus, nalu)
			}
		}
	}

	nalu := src.nalus[0]
	src.nalus = src.nalus[1:]
	return nalu, nil
}

// applyChanges pushes endpoint property updates to the device. Bitrate and
// framerate apply on the fly; a new resolution restarts capture.
func (src *v4l2Source) applyChanges() error {
	src.Lock()
	dirty := src.dirty
	src.dirty = false
	src.Unlock()
	if !dirty {
		return nil
	}

	if kbps := src.video.Bitrate(); kbps != src.bitrate {
		if err := src.dev.SetBitrate(kbps * 1000); err != nil {
			return errors.Wrap(err, "v4l2: set bitrate")
		}
		log.Info("v4l2: bitrate %d kbit/s", kbps)
		src.bitrate = kbps
	}

	f := src.video.Format()
	if f.Framerate != src.applied.Framerate {
		if err := src.dev.SetFramerate(f.Framerate); err != nil {
			return errors.Wrap(err, "v4l2: set framerate")
		}
		src.applied.Framerate = f.Framerate
	}
	if f.Width != src.applied.Width || f.Height != src.applied.Height {
		if src.started {
			if err := src.dev.Stop(); err != nil {
				return errors.Wrap(err, "v4l2: stop")
			}
			src.started = false
			src.nalus = nil
		}
		if err := src.dev.SetPixelFormat(f.Width, f.Height); err != nil {
			return errors.Wrap(err, "v4l2: set resolution")
		}
		log.Info("v4l2: resolution %dx%d", f.Width, f.Height)
		src.applied.Width, src.applied.Height = f.Width, f.Height
	}
	return nil
}

func (src *v4l2Source) Close() error {
	return src.dev.Close()
}

func openV4L2(devPath string, opts SourceOptions) (Source, error) {
	dev, err := v4l2.Open(devPath, v4l2.Config{
		Format:               v4l2.PixelFormatH264,
		Width:                opts.Width,
		Height:               opts.Height,
		Framerate:            opts.Framerate,
		Bitrate:              opts.VideoBitrate * 1000,
		RepeatSequenceHeader: true,
	})
	if err != nil {
		return nil, err
	}
	return newV4L2Source(dev, opts), nil
}

func init() {
	RegisterSourceType("v4l2", openV4L2)
}

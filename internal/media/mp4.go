package media

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/mp4"
	"github.com/pkg/errors"

	"github.com/lanikai/alohacast/internal/media/h264"
)

// mp4Source replays the H.264 and AAC tracks of an MP4 file at the live rate,
// looping at end of file. Timestamps keep increasing across loops.
type mp4Source struct {
	file    *os.File
	demuxer *mp4.Demuxer
	codecs  []av.CodecData

	video *Endpoint
	audio *Endpoint

	// Wall clock of file time zero.
	start time.Time

	// Added to packet times; grows by the file duration on every loop.
	offset time.Duration
	last   time.Duration

	now   func() time.Time
	sleep func(time.Duration)
}

// OpenMP4 opens an MP4 file for replay.
func OpenMP4(filename string, opts SourceOptions) (Source, error) {
	log.Info("Opening file %s", filename)
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	demuxer := mp4.NewDemuxer(file)
	codecs, err := demuxer.Streams()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "mp4 streams")
	}

	opts = opts.withDefaults()
	src := &mp4Source{
		file:    file,
		demuxer: demuxer,
		codecs:  codecs,
		now:     time.Now,
		sleep:   time.Sleep,
	}
	for _, codec := range codecs {
		switch codec.Type() {
		case av.H264:
			info := codec.(av.VideoCodecData)
			log.Info("%v stream: %dx%d", info.Type(), info.Width(), info.Height())
			src.video = NewEndpoint(Video, Format{
				Codec:     "H264",
				Width:     info.Width(),
				Height:    info.Height(),
				Framerate: opts.Framerate,
			}, opts.VideoBitrate)
		case av.AAC:
			info := codec.(av.AudioCodecData)
			log.Info("%v stream: %dHz", info.Type(), info.SampleRate())
			src.audio = NewEndpoint(Audio, Format{
				Codec:      "AAC",
				SampleRate: info.SampleRate(),
				Channels:   info.ChannelLayout().Count(),
			}, opts.AudioBitrate)
		default:
			log.Debug("Skipping %v stream", codec.Type())
		}
	}

	if src.video == nil {
		file.Close()
		return nil, errors.Wrap(errNotSupported, "no H.264 stream")
	}
	return src, nil
}

func (src *mp4Source) Video() Transform { return src.video }

func (src *mp4Source) Audio() Transform {
	if src.audio == nil {
		return nil
	}
	return src.audio
}

func (src *mp4Source) ReadSample() (Sample, error) {
	for {
		pkt, err := src.demuxer.ReadPacket()
		if err == io.EOF {
			if err := src.demuxer.SeekToTime(0); err != nil {
				return Sample{}, errors.Wrap(err, "mp4: rewind")
			}
			// Leave a gap of one frame between loops.
			src.offset += src.last + 40*time.Millisecond
			src.last = 0
			log.Debug("mp4: looping %s", src.file.Name())
			continue
		} else if err != nil {
			return Sample{}, errors.Wrapf(err, "mp4: read %s", src.file.Name())
		}

		var s Sample
		switch cd := src.codecs[pkt.Idx].(type) {
		case h264parser.CodecData:
			s = Sample{
				Kind:     Video,
				Keyframe: pkt.IsKeyFrame,
				Format:   src.video.Format(),
				Data:     avccToAnnexB(pkt.Data, pkt.IsKeyFrame, cd),
			}
			s.DTS = src.offset + pkt.Time
			s.PTS = s.DTS + pkt.CompositionTime
		case av.AudioCodecData:
			if src.audio == nil {
				continue
			}
			s = Sample{
				Kind:   Audio,
				Format: src.audio.Format(),
				Data:   append([]byte(nil), pkt.Data...),
			}
			s.DTS = src.offset + pkt.Time
			s.PTS = s.DTS
		default:
			continue
		}
		if pkt.Time > src.last {
			src.last = pkt.Time
		}

		src.pace(s.DTS)
		return s, nil
	}
}

// pace sleeps until t is due on the wall clock. After a long stall (e.g. while
// capture was paused) the clock is re-anchored instead of bursting.
func (src *mp4Source) pace(t time.Duration) {
	now := src.now()
	if src.start.IsZero() {
		src.start = now.Add(-t)
		return
	}
	due := src.start.Add(t)
	if now.Sub(due) > time.Second {
		src.start = now.Add(-t)
		return
	}
	if d := due.Sub(now); d > 0 {
		src.sleep(d)
	}
}

func (src *mp4Source) Close() error {
	return src.file.Close()
}

// avccToAnnexB rewrites length-prefixed NAL units with start codes. Keyframes
// are preceded by the stream's parameter sets so consumers can join there.
func avccToAnnexB(data []byte, keyframe bool, cd h264parser.CodecData) []byte {
	out := make([]byte, 0, len(data)+64)
	if keyframe {
		out = append(out, h264.StartCode...)
		out = append(out, cd.SPS()...)
		out = append(out, h264.StartCode...)
		out = append(out, cd.PPS()...)
	}
	for len(data) >= 4 {
		n := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if n > len(data) {
			log.Warn("mp4: truncated NAL unit (%d > %d)", n, len(data))
			break
		}
		out = append(out, h264.StartCode...)
		out = append(out, data[:n]...)
		data = data[n:]
	}
	return out
}

func init() {
	RegisterSourceType("mp4", OpenMP4)
}

package media

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacast/internal/media/h264"
)

// Raw H.264 source with NALUs separated by Annex B start codes. NALUs are
// grouped into access units (parameter sets and SEI travel with the following
// slice) and paced at the configured framerate. Seekable inputs loop forever.
type h264Reader struct {
	in      io.ReadCloser
	scanner *bufio.Scanner
	video   *Endpoint

	// Presentation time of the next access unit.
	next  time.Duration
	start time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

const (
	naluBufferInitialSize = 16 * 1024
	naluBufferMaximumSize = 1024 * 1024
)

// NewH264Reader wraps an Annex B elementary stream.
func NewH264Reader(in io.ReadCloser, opts SourceOptions) Source {
	opts = opts.withDefaults()
	return &h264Reader{
		in:      in,
		scanner: newNALUScanner(in),
		video: NewEndpoint(Video, Format{
			Codec:     "H264",
			Width:     opts.Width,
			Height:    opts.Height,
			Framerate: opts.Framerate,
		}, opts.VideoBitrate),
		now:   time.Now,
		sleep: time.Sleep,
	}
}

func newNALUScanner(in io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, naluBufferInitialSize), naluBufferMaximumSize)
	scanner.Split(splitNALU)
	return scanner
}

func (r *h264Reader) Video() Transform { return r.video }

// Elementary H.264 files carry no audio.
func (r *h264Reader) Audio() Transform { return nil }

func (r *h264Reader) ReadSample() (Sample, error) {
	var au []byte
	keyframe := false
	for {
		nalu, err := r.readNALU()
		if err != nil {
			return Sample{}, err
		}
		if len(nalu) == 0 {
			continue
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

	f := r.video.Format()
	if r.start.IsZero() {
		r.start = r.now()
	}
	// Re-anchor after a pause rather than bursting to catch up.
	if lag := r.now().Sub(r.start.Add(r.next)); lag > time.Second {
		r.start = r.start.Add(lag)
	}
	if d := r.start.Add(r.next).Sub(r.now()); d > 0 {
		r.sleep(d)
	}

	s := Sample{
		Kind:     Video,
		PTS:      r.next,
		DTS:      r.next,
		Keyframe: keyframe,
		Format:   f,
		Data:     au,
	}
	fps := f.Framerate
	if fps <= 0 {
		fps = DefaultSourceOptions.Framerate
	}
	r.next += time.Second / time.Duration(fps)
	return s, nil
}

// readNALU returns a copy of the next NAL unit, rewinding at end of input if
// the underlying reader supports it.
func (r *h264Reader) readNALU() ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if r.scanner.Scan() {
			return append([]byte(nil), r.scanner.Bytes()...), nil
		}
		if err := r.scanner.Err(); err != nil {
			return nil, errors.Wrap(err, "h264")
		}
		seeker, ok := r.in.(io.Seeker)
		if !ok {
			return nil, io.EOF
		}
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "h264: rewind")
		}
		log.Debug("h264: looping input")
		r.scanner = newNALUScanner(r.in)
	}
	return nil, errors.Wrap(io.ErrUnexpectedEOF, "h264: no NAL units in input")
}

func (r *h264Reader) Close() error {
	return r.in.Close()
}

var annexBStartCode = []byte{0, 0, 1}

// Splits NAL units on H.264 Annex B start codes.
func splitNALU(data []byte, atEOF bool) (advance int, nalu []byte, err error) {
	i := bytes.Index(data, annexBStartCode)

	switch i {
	case -1:
		// No start code found. At EOF the remainder is the last NALU.
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		advance = 0
	case 0:
		// 3-byte start code (0x000001) found at data[0]. Skip these 3 bytes.
		advance = 3
	case 1:
		// 4-byte start code (0x00000001) found at data[0]. Skip these 4 bytes.
		if data[0] == 0x00 {
			advance = 4
		} else {
			advance = 1
			nalu = data[0:1]
		}
	default:
		// Next start code found at index i.
		advance = i + 3
		if data[i-1] == 0x00 {
			// 4-byte start code
			nalu = data[0 : i-1]
		} else {
			// 3-byte start code
			nalu = data[0:i]
		}
	}
	return
}

func openH264(filename string, opts SourceOptions) (Source, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	return NewH264Reader(f, opts), nil
}

func init() {
	RegisterSourceType("h264", openH264)
}

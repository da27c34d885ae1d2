package media

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Frames are the interleaved wire encoding used by muxers and pull consumers:
//
//	kind(1) flags(1) pts(8) dts(8) length(4) payload(length)
//
// Timestamps are signed nanoseconds, big-endian.
const frameHeaderSize = 22

const flagKeyframe = 0x01

// MaxFramePayload bounds the payload accepted by ReadFrame.
const MaxFramePayload = 16 << 20

// AppendFrame appends the frame encoding of s to dst.
func AppendFrame(dst []byte, s Sample) []byte {
	var hdr [frameHeaderSize]byte
	hdr[0] = byte(s.Kind)
	if s.Keyframe {
		hdr[1] |= flagKeyframe
	}
	binary.BigEndian.PutUint64(hdr[2:10], uint64(s.PTS))
	binary.BigEndian.PutUint64(hdr[10:18], uint64(s.DTS))
	binary.BigEndian.PutUint32(hdr[18:22], uint32(len(s.Data)))
	dst = append(dst, hdr[:]...)
	return append(dst, s.Data...)
}

// ParseFrame decodes one frame from the start of b and returns the number of
// bytes consumed. The sample's Data aliases b.
func ParseFrame(b []byte) (Sample, int, error) {
	if len(b) < frameHeaderSize {
		return Sample{}, 0, ErrShortFrame
	}
	n := int(binary.BigEndian.Uint32(b[18:22]))
	if len(b) < frameHeaderSize+n {
		return Sample{}, 0, ErrShortFrame
	}
	s := Sample{
		Kind:     Kind(b[0]),
		Keyframe: b[1]&flagKeyframe != 0,
		PTS:      time.Duration(binary.BigEndian.Uint64(b[2:10])),
		DTS:      time.Duration(binary.BigEndian.Uint64(b[10:18])),
		Data:     b[frameHeaderSize : frameHeaderSize+n],
	}
	return s, frameHeaderSize + n, nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Sample, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Sample{}, err
	}
	n := binary.BigEndian.Uint32(hdr[18:22])
	if n > MaxFramePayload {
		return Sample{}, errors.Errorf("media: frame payload %d exceeds limit", n)
	}
	buf := make([]byte, frameHeaderSize+int(n))
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[frameHeaderSize:]); err != nil {
		return Sample{}, errors.Wrap(err, "frame payload")
	}
	s, _, err := ParseFrame(buf)
	return s, err
}

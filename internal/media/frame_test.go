package media

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCodec(t *testing.T) {
	key := Sample{Kind: Video, PTS: 80 * time.Millisecond, DTS: 40 * time.Millisecond, Keyframe: true, Data: []byte{1, 2, 3}}
	audio := Sample{Kind: Audio, PTS: -time.Millisecond, DTS: -time.Millisecond, Data: []byte{9}}

	buf := AppendFrame(nil, key)
	buf = AppendFrame(buf, audio)
	assert.Len(t, buf, 2*frameHeaderSize+4)

	s, n, err := ParseFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, key, s)

	s, m, err := ParseFrame(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, audio, s)
	assert.Equal(t, len(buf), n+m)

	_, _, err = ParseFrame(buf[:n-1])
	assert.Equal(t, ErrShortFrame, err)

	r := bytes.NewReader(buf)
	s, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, key, s)
	s, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, audio, s)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	hdr := make([]byte, frameHeaderSize)
	hdr[0] = byte(Mux)
	binary.BigEndian.PutUint32(hdr[18:], MaxFramePayload+1)
	_, err := ReadFrame(bytes.NewReader(hdr))
	assert.Error(t, err)
}

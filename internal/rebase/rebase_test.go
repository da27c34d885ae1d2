package rebase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohacast/internal/media"
)

var hd = media.Format{Codec: "H264", Width: 1280, Height: 720, Framerate: 25}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func video(pts, dts int, key bool) media.Sample {
	return media.Sample{Kind: media.Video, PTS: ms(pts), DTS: ms(dts), Keyframe: key, Format: hd}
}

func TestRebaseArithmetic(t *testing.T) {
	r := NewRebaser()
	var got []time.Duration
	for i, pts := range []int{1000, 1500, 2000} {
		out, _, ok := r.Apply(video(pts, pts, i == 0))
		require.True(t, ok)
		got = append(got, out.PTS)
		assert.Equal(t, out.PTS, out.DTS)
	}
	assert.Equal(t, []time.Duration{0, ms(500), ms(1000)}, got)
}

func TestRebaseClampsPTSOnly(t *testing.T) {
	r := NewRebaser()
	_, _, ok := r.Apply(video(1080, 1000, true))
	require.True(t, ok)

	// A B-frame presented before the origin picture.
	out, _, ok := r.Apply(video(1040, 1040, false))
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), out.PTS)
	assert.Equal(t, ms(40), out.DTS)

	out, _, _ = r.Apply(video(1100, 990, false))
	assert.Equal(t, ms(20), out.PTS)
	assert.Equal(t, ms(-10), out.DTS)
}

func TestNoOriginOnDeltaFrames(t *testing.T) {
	r := NewRebaser()
	for i := 0; i < 3; i++ {
		_, _, ok := r.Apply(video(100*i, 100*i, false))
		assert.False(t, ok)
		assert.False(t, r.IsSet())
	}
	assert.EqualValues(t, 3, r.Dropped())

	out, _, ok := r.Apply(video(300, 300, true))
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), out.PTS)
	pts, dts, set := r.Origin()
	assert.True(t, set)
	assert.Equal(t, ms(300), pts)
	assert.Equal(t, ms(300), dts)
}

func TestAudioFollowsVideoOrigin(t *testing.T) {
	r := NewRebaser()
	aac := media.Format{Codec: "AAC", SampleRate: 48000, Channels: 2}
	audio := func(n int) media.Sample {
		return media.Sample{Kind: media.Audio, PTS: ms(n), DTS: ms(n), Format: aac}
	}

	_, _, ok := r.Apply(audio(500))
	assert.False(t, ok)
	keyed := audio(510)
	keyed.Keyframe = true
	_, _, ok = r.Apply(keyed)
	assert.False(t, ok, "audio never starts the clock")

	_, _, ok = r.Apply(video(520, 520, true))
	require.True(t, ok)
	out, announce, ok := r.Apply(audio(530))
	require.True(t, ok)
	assert.True(t, announce)
	assert.Equal(t, ms(10), out.PTS)
}

func TestMuxKeyframeLatches(t *testing.T) {
	r := NewRebaser()
	_, _, ok := r.Apply(media.Sample{Kind: media.Mux, PTS: ms(10), DTS: ms(10)})
	assert.False(t, ok)
	_, _, ok = r.Apply(media.Sample{Kind: media.Mux, PTS: ms(20), DTS: ms(20), Keyframe: true})
	assert.True(t, ok)
}

func TestFormatAnnouncedOnChange(t *testing.T) {
	r := NewRebaser()
	_, announce, _ := r.Apply(video(0, 0, true))
	assert.True(t, announce)
	_, announce, _ = r.Apply(video(40, 40, false))
	assert.False(t, announce)

	changed := video(80, 80, true)
	changed.Format.Width, changed.Format.Height = 640, 360
	_, announce, _ = r.Apply(changed)
	assert.True(t, announce)

	r.Reset()
	assert.False(t, r.IsSet())
	_, announce, ok := r.Apply(changed)
	assert.True(t, ok)
	assert.True(t, announce)
}

func TestResyncWaitsForKeyframe(t *testing.T) {
	r := NewRebaser()
	r.Apply(video(1000, 1000, true))
	r.Apply(video(1040, 1040, false))

	r.Resync()
	_, _, ok := r.Apply(video(1080, 1080, false))
	assert.False(t, ok)
	_, _, ok = r.Apply(media.Sample{Kind: media.Audio, PTS: ms(1090), DTS: ms(1090)})
	assert.False(t, ok)

	out, announce, ok := r.Apply(video(1120, 1120, true))
	require.True(t, ok)
	assert.True(t, announce)
	assert.Equal(t, ms(120), out.PTS)

	_, announce, ok = r.Apply(video(1160, 1160, false))
	assert.True(t, ok)
	assert.False(t, announce)
}

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitterFanOut(t *testing.T) {
	sp := NewSplitter("video")
	sinks := []*collector{{}, {}, {}}
	for i, p := range sinks {
		sp.Attach(string(rune('a'+i)), p)
	}

	for i := 0; i < 100; i++ {
		require.NoError(t, sp.Push(seq(i)))
	}
	for _, p := range sinks {
		got := p.samples()
		assert.Len(t, got, 100)
		assert.True(t, inOrder(got, 0))
	}
	assert.EqualValues(t, 100, sp.Pushed())
}

func TestSplitterHooks(t *testing.T) {
	sp := NewSplitter("audio")
	starts, stops := 0, 0
	sp.Start = func() { starts++ }
	sp.Stop = func() { stops++ }

	a := sp.Attach("a", &collector{})
	b := sp.Attach("b", &collector{})
	assert.Equal(t, 1, starts)
	assert.Equal(t, 2, sp.Len())

	require.NoError(t, sp.Detach(a))
	assert.Equal(t, 0, stops)
	require.NoError(t, sp.Detach(b))
	assert.Equal(t, 1, stops)

	assert.Equal(t, errUnknownPort, sp.Detach(b))
	assert.Equal(t, 1, stops)
}

func TestSplitterDetachKeepsOthers(t *testing.T) {
	sp := NewSplitter("video")
	keep := &collector{}
	gone := &collector{}
	sp.Attach("keep", keep)
	p := sp.Attach("gone", gone)

	sp.Push(seq(0))
	p.Drain()
	require.NoError(t, sp.Detach(p))
	sp.Push(seq(1))

	assert.Len(t, gone.samples(), 1)
	assert.Len(t, keep.samples(), 2)
	assert.True(t, inOrder(keep.samples(), 0))
}

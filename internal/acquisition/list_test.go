package acquisition

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/filter"
)

func streamWithChannels(t *testing.T, name string, channels int, cfgs ...ChannelConfig) *Stream {
	t.Helper()
	s, err := NewStream(Config{
		Name:     name,
		Decoder:  testDecoder(t, channels, false),
		Channels: cfgs,
	}, &scriptSource{})
	require.NoError(t, err)
	return s
}

func TestChannelListRemoveKeepsIndicesCompact(t *testing.T) {
	list := NewChannelList()
	a := streamWithChannels(t, "a", 2)
	b := streamWithChannels(t, "b", 3)

	list.AddChannelsForStream(a)
	added := list.AddChannelsForStream(b)
	require.Len(t, added, 3)
	assert.Equal(t, 5, list.Len())
	assert.Equal(t, []*Stream{a, b}, list.Streams())

	first, ok := list.Channel(0)
	require.True(t, ok)

	assert.Equal(t, 2, list.RemoveChannelsForStream(a))
	assert.Equal(t, 3, list.Len())
	for i := range 3 {
		ch, ok := list.Channel(i)
		require.True(t, ok)
		assert.Same(t, b, ch.Stream())
		assert.Equal(t, i, ch.LocalIndex())
		assert.Equal(t, i, list.IndexOf(ch))
	}
	_, ok = list.Channel(3)
	assert.False(t, ok)
	assert.Equal(t, []*Stream{b}, list.Streams())

	// a handle kept from before the removal no longer reads
	assert.True(t, first.Detached())
	assert.Equal(t, -1, list.IndexOf(first))
	_, err := first.Snapshot(make([]float64, 4), 4)
	require.ErrorIs(t, err, ErrChannelUnavailable)
	assert.True(t, errors.IsNotFound(err))

	assert.Zero(t, list.RemoveChannelsForStream(a))
}

func TestChannelListAddIsIdempotent(t *testing.T) {
	list := NewChannelList()
	s := streamWithChannels(t, "s", 2)

	first := list.AddChannelsForStream(s)
	again := list.AddChannelsForStream(s)
	assert.Equal(t, first, again)
	assert.Equal(t, 2, list.Len())
	assert.Len(t, list.ChannelsOf(s), 2)
}

func TestChannelListStreamByID(t *testing.T) {
	list := NewChannelList()
	s := streamWithChannels(t, "probe", 1)
	list.AddChannelsForStream(s)

	got, ok := list.StreamByID("probe")
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = list.StreamByID("missing")
	assert.False(t, ok)

	_, ok = list.Channel(-1)
	assert.False(t, ok)
}

func TestChannelDefaultsAndConfig(t *testing.T) {
	off := false
	s := streamWithChannels(t, "dev", 3,
		ChannelConfig{Name: "x", Gain: 2, Offset: 1},
		ChannelConfig{Enabled: &off, Filters: []filter.Spec{{Kind: filter.KindAbsolute}}},
	)
	list := NewChannelList()
	chs := list.AddChannelsForStream(s)

	assert.Equal(t, Settings{Name: "x", Gain: 2, Offset: 1, Enabled: true}, chs[0].Settings())
	assert.Equal(t, Settings{Name: "dev.1", Gain: 1, Enabled: false}, chs[1].Settings())
	assert.Equal(t, []filter.Spec{{Kind: filter.KindAbsolute}}, chs[1].Filters())
	assert.Equal(t, "dev.2", chs[2].Settings().Name)
	assert.Empty(t, chs[2].Filters())
}

func TestChannelSnapshotAppliesGainOffsetAndFilters(t *testing.T) {
	src := &scriptSource{}
	s := newTestStream(t, src, Config{Decoder: testDecoder(t, 1, false)})
	list := NewChannelList()
	ch := list.AddChannelsForStream(s)[0]

	src.push(encodeFrames(t, s.Decoder(), []float64{2}, []float64{4}, []float64{6}, []float64{8}))
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.StartStreaming())
	require.Eventually(t, func() bool { return s.TotalSamples() == 4 }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.StopStreaming())

	dst := make([]float64, 8)
	n, err := ch.Snapshot(dst, 8)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4, 6, 8}, dst[:n])

	require.NoError(t, ch.SetGain(0.5))
	require.NoError(t, ch.SetOffset(1))
	n, err = ch.Snapshot(dst, 8)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3, 4, 5}, dst[:n])

	require.NoError(t, ch.SetGain(1))
	require.NoError(t, ch.SetOffset(0))
	require.NoError(t, ch.SetFilters([]filter.Spec{{Kind: filter.KindMovingAverage, Window: 3}}))
	n, err = ch.Snapshot(dst, 8)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3, 4, 6}, dst[:n])

	// the same window filtered twice gives the same output
	n, err = ch.Snapshot(dst, 8)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3, 4, 6}, dst[:n])

	n, err = ch.Snapshot(dst, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 7}, dst[:n])
}

func TestChannelRejectsInvalidSettings(t *testing.T) {
	s := streamWithChannels(t, "s", 1)
	ch := NewChannelList().AddChannelsForStream(s)[0]
	require.NoError(t, ch.SetFilters([]filter.Spec{{Kind: filter.KindMedian, Window: 5}}))

	err := ch.SetFilters([]filter.Spec{{Kind: filter.KindMovingAverage, Window: 0}})
	require.ErrorIs(t, err, filter.ErrInvalidParameter)
	assert.Equal(t, []filter.Spec{{Kind: filter.KindMedian, Window: 5}}, ch.Filters())

	assert.ErrorIs(t, ch.SetGain(math.NaN()), ErrInvalidSetting)
	assert.ErrorIs(t, ch.SetOffset(math.Inf(1)), ErrInvalidSetting)
	assert.InDelta(t, 1, ch.Settings().Gain, 0)

	ch.SetName("renamed")
	ch.SetEnabled(false)
	assert.Equal(t, Settings{Name: "renamed", Gain: 1, Enabled: false}, ch.Settings())
}

package acquisition

import (
	"slices"
	"sync"

	"github.com/sigscope/sigscope/internal/logger"
)

// ChannelList is the one collection of channels. Global indices follow
// insertion order and stay compact when a stream is removed. The stream
// list is derived from it on every call.
type ChannelList struct {
	mu       sync.RWMutex
	channels []*Channel
}

// NewChannelList returns an empty list.
func NewChannelList() *ChannelList {
	return &ChannelList{}
}

// AddChannelsForStream appends one channel per stream channel and returns
// them. A stream already in the list keeps its channels.
func (l *ChannelList) AddChannelsForStream(s *Stream) []*Channel {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing := l.channelsOfLocked(s); len(existing) > 0 {
		return existing
	}

	added := make([]*Channel, s.ChannelCount())
	for i := range added {
		added[i] = newChannel(s, i)
	}
	first := len(l.channels)
	l.channels = append(l.channels, added...)

	GetLogger().Info("channels added",
		logger.String("stream", s.Name()),
		logger.Int("first_index", first),
		logger.Int("count", len(added)),
		logger.Int("total", len(l.channels)))
	return slices.Clone(added)
}

// RemoveChannelsForStream removes and detaches the channels of s and
// returns how many were removed.
func (l *ChannelList) RemoveChannelsForStream(s *Stream) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	before := len(l.channels)
	l.channels = slices.DeleteFunc(l.channels, func(ch *Channel) bool {
		if ch.stream == s {
			ch.detached.Store(true)
			return true
		}
		return false
	})
	removed := before - len(l.channels)

	if removed > 0 {
		GetLogger().Info("channels removed",
			logger.String("stream", s.Name()),
			logger.Int("count", removed),
			logger.Int("total", len(l.channels)))
	}
	return removed
}

// Channel resolves a global index.
func (l *ChannelList) Channel(index int) (*Channel, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.channels) {
		return nil, false
	}
	return l.channels[index], true
}

// IndexOf returns the global index of ch, or -1.
func (l *ChannelList) IndexOf(ch *Channel) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Index(l.channels, ch)
}

// Channels returns the channels in global index order.
func (l *ChannelList) Channels() []*Channel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.channels)
}

// Len returns the total channel count.
func (l *ChannelList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.channels)
}

// Streams returns the distinct owning streams in first-appearance order.
func (l *ChannelList) Streams() []*Stream {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var streams []*Stream
	for _, ch := range l.channels {
		if !slices.Contains(streams, ch.stream) {
			streams = append(streams, ch.stream)
		}
	}
	return streams
}

// StreamByID finds a listed stream by its identifier.
func (l *ChannelList) StreamByID(id string) (*Stream, bool) {
	for _, s := range l.Streams() {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// ChannelsOf returns the channels of s in local index order.
func (l *ChannelList) ChannelsOf(s *Stream) []*Channel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.channelsOfLocked(s)
}

func (l *ChannelList) channelsOfLocked(s *Stream) []*Channel {
	var out []*Channel
	for _, ch := range l.channels {
		if ch.stream == s {
			out = append(out, ch)
		}
	}
	return out
}

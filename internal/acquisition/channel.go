package acquisition

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/filter"
	"github.com/sigscope/sigscope/internal/logger"
)

// Settings are the user-adjustable properties of a channel.
type Settings struct {
	Name    string  `json:"name"`
	Gain    float64 `json:"gain"`
	Offset  float64 `json:"offset"`
	Enabled bool    `json:"enabled"`
}

// Channel is one channel of a stream as seen by consumers. Reads apply gain
// and offset, then the filter pipeline.
type Channel struct {
	stream *Stream
	local  int

	mu       sync.RWMutex
	settings Settings
	pipeline *filter.Pipeline

	detached atomic.Bool
}

func newChannel(s *Stream, local int) *Channel {
	ch := &Channel{
		stream:   s,
		local:    local,
		settings: Settings{Name: fmt.Sprintf("%s.%d", s.Name(), local), Gain: 1, Enabled: true},
		pipeline: filter.NewPipeline(),
	}

	if local < len(s.cfg.Channels) {
		cc := s.cfg.Channels[local]
		if cc.Name != "" {
			ch.settings.Name = cc.Name
		}
		if cc.Gain != 0 {
			ch.settings.Gain = cc.Gain
		}
		ch.settings.Offset = cc.Offset
		if cc.Enabled != nil {
			ch.settings.Enabled = *cc.Enabled
		}
		// specs were validated by NewStream
		if p, err := filter.Build(cc.Filters); err == nil {
			ch.pipeline = p
		}
	}
	return ch
}

// Stream returns the owning stream.
func (c *Channel) Stream() *Stream { return c.stream }

// LocalIndex returns the channel index within its stream.
func (c *Channel) LocalIndex() int { return c.local }

// Detached reports whether the channel's stream was removed from the list.
func (c *Channel) Detached() bool { return c.detached.Load() }

// Settings returns a copy of the channel settings.
func (c *Channel) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Filters returns the descriptions of the current filter chain.
func (c *Channel) Filters() []filter.Spec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pipeline.Stages()
}

// Snapshot copies up to count of the latest samples into dst with gain,
// offset and filters applied, and returns the number of output samples.
func (c *Channel) Snapshot(dst []float64, count int) (int, error) {
	if c.detached.Load() {
		return 0, errors.New(ErrChannelUnavailable).
			Component("acquisition").
			Category(errors.CategoryNotFound).
			Context("stream", c.stream.Name()).
			Context("channel", c.local).
			Build()
	}

	n := c.stream.CopyLatestDataTo(c.local, dst, count)

	c.mu.RLock()
	gain, offset := c.settings.Gain, c.settings.Offset
	pipeline := c.pipeline
	c.mu.RUnlock()

	window := dst[:n]
	if gain != 1 || offset != 0 {
		for i, v := range window {
			window[i] = v*gain + offset
		}
	}
	return pipeline.Apply(window, window, c.stream.EffectiveRate()), nil
}

// OutputRate returns the sample rate of Snapshot output, which is the
// stream rate divided by any downsampling in the filter chain.
func (c *Channel) OutputRate() float64 {
	return c.stream.EffectiveRate() / float64(c.Decimation())
}

// Decimation returns how many raw samples the filter chain consumes per
// output sample, 1 without downsampling.
func (c *Channel) Decimation() int {
	factor := 1
	for _, spec := range c.Filters() {
		if spec.Kind == filter.KindDownsample && spec.Factor > 1 {
			factor *= spec.Factor
		}
	}
	return factor
}

// SetFilters replaces the filter chain. The new chain starts without state.
// On invalid parameters the current chain is kept.
func (c *Channel) SetFilters(specs []filter.Spec) error {
	p, err := filter.Build(specs)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pipeline = p
	name := c.settings.Name
	c.mu.Unlock()

	GetLogger().Info("channel filters replaced",
		logger.String("channel", name),
		logger.String("filters", p.String()))
	return nil
}

// SetGain sets the multiplier applied before filtering.
func (c *Channel) SetGain(gain float64) error {
	if err := checkFinite(gain); err != nil {
		return err
	}
	c.mu.Lock()
	c.settings.Gain = gain
	c.mu.Unlock()
	return nil
}

// SetOffset sets the value added after the gain.
func (c *Channel) SetOffset(offset float64) error {
	if err := checkFinite(offset); err != nil {
		return err
	}
	c.mu.Lock()
	c.settings.Offset = offset
	c.mu.Unlock()
	return nil
}

// SetName renames the channel.
func (c *Channel) SetName(name string) {
	c.mu.Lock()
	c.settings.Name = name
	c.mu.Unlock()
}

// SetEnabled toggles the channel. Measurements on disabled channels report
// unavailable.
func (c *Channel) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.settings.Enabled = enabled
	c.mu.Unlock()
}

func checkFinite(values ...float64) error {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New(fmt.Errorf("%w: %v is not finite", ErrInvalidSetting, v)).
				Component("acquisition").
				Category(errors.CategoryValidation).
				Build()
		}
	}
	return nil
}

package measurement

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sigscope/sigscope/internal/acquisition"
	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/logger"
	"github.com/sigscope/sigscope/internal/observability/metrics"
)

// DefaultInterval is the tick period of Run.
const DefaultInterval = 200 * time.Millisecond

// Report is one measurement result as handed to sinks.
type Report struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	Channel     int    `json:"channel"` // current global index, -1 once removed
	ChannelName string `json:"channel_name"`
	Stream      string `json:"stream"`
	Result
}

// Sink receives the reports of every tick.
type Sink interface {
	Publish(ctx context.Context, reports []Report) error
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithInterval sets the Run tick period.
func WithInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithRecorder sends engine telemetry to r.
func WithRecorder(r metrics.MeasurementRecorder) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithSink adds a sink.
func WithSink(s Sink) EngineOption {
	return func(e *Engine) {
		if s != nil {
			e.sinks = append(e.sinks, s)
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine recomputes its measurements on a fixed cadence.
type Engine struct {
	list     *acquisition.ChannelList
	interval time.Duration
	recorder metrics.MeasurementRecorder
	sinks    []Sink
	now      func() time.Time
	log      logger.Logger

	mu           sync.RWMutex
	measurements []*Measurement

	// tickMu keeps ticks from overlapping
	tickMu sync.Mutex
}

// NewEngine returns an engine reading channels from list.
func NewEngine(list *acquisition.ChannelList, opts ...EngineOption) *Engine {
	e := &Engine{
		list:     list,
		interval: DefaultInterval,
		recorder: metrics.NopRecorder{},
		now:      time.Now,
		log:      GetLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Interval returns the tick period.
func (e *Engine) Interval() time.Duration { return e.interval }

// Add validates def, resolves its channel index once and registers the
// measurement.
func (e *Engine) Add(def Definition) (*Measurement, error) {
	if err := def.normalize(); err != nil {
		return nil, errors.New(fmt.Errorf("%w: %w", ErrInvalidDefinition, err)).
			Component("measurement").
			Category(errors.CategoryValidation).
			Context("measurement", def.ID).
			Build()
	}

	ch, ok := e.list.Channel(def.Channel)
	if !ok {
		return nil, errors.New(fmt.Errorf("%w: index %d", ErrChannelNotFound, def.Channel)).
			Component("measurement").
			Category(errors.CategoryNotFound).
			Context("measurement", def.ID).
			Build()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if slices.ContainsFunc(e.measurements, func(m *Measurement) bool { return m.ID() == def.ID }) {
		return nil, errors.New(fmt.Errorf("%w: duplicate id %q", ErrInvalidDefinition, def.ID)).
			Component("measurement").
			Category(errors.CategoryValidation).
			Build()
	}

	m := newMeasurement(def, ch, e.list)
	e.measurements = append(e.measurements, m)
	e.log.Info("measurement added",
		logger.String("id", def.ID),
		logger.String("kind", string(def.Kind)),
		logger.Int("channel", def.Channel),
		logger.String("channel_name", ch.Settings().Name),
		logger.Int("window", def.Window))
	return m, nil
}

// Remove unregisters a measurement.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := slices.IndexFunc(e.measurements, func(m *Measurement) bool { return m.ID() == id })
	if i < 0 {
		return errors.New(fmt.Errorf("%w: %q", ErrNotFound, id)).
			Component("measurement").
			Category(errors.CategoryNotFound).
			Build()
	}
	e.measurements = slices.Delete(e.measurements, i, i+1)
	e.log.Info("measurement removed", logger.String("id", id))
	return nil
}

// Get returns a measurement by id.
func (e *Engine) Get(id string) (*Measurement, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	i := slices.IndexFunc(e.measurements, func(m *Measurement) bool { return m.ID() == id })
	if i < 0 {
		return nil, false
	}
	return e.measurements[i], true
}

// Measurements returns the registered measurements in insertion order.
func (e *Engine) Measurements() []*Measurement {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.measurements)
}

// Tick updates every measurement once, hands the reports to the sinks and
// returns them.
func (e *Engine) Tick(ctx context.Context) []Report {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	start := time.Now()
	now := e.now()
	ms := e.Measurements()
	reports := make([]Report, 0, len(ms))

	for _, m := range ms {
		r := m.update(now)
		e.recorder.RecordResult(string(m.Kind()), r.Available)
		if m.Kind() == KindFFT && r.Available {
			e.recorder.SetPeakCount(m.ID(), len(r.Peaks))
		}
		reports = append(reports, m.report(r))
	}
	e.recorder.RecordTick(time.Since(start).Seconds(), len(ms))

	for _, s := range e.sinks {
		if err := s.Publish(ctx, reports); err != nil {
			e.log.Warn("publishing measurements failed", logger.Error(err))
		}
	}
	return reports
}

// Reports returns the latest result of every measurement without updating.
func (e *Engine) Reports() []Report {
	ms := e.Measurements()
	reports := make([]Report, 0, len(ms))
	for _, m := range ms {
		reports = append(reports, m.Report())
	}
	return reports
}

// Run ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.log.Info("measurement engine started",
		logger.Duration("interval", e.interval),
		logger.Int("measurements", len(e.Measurements())))

	for {
		select {
		case <-ctx.Done():
			e.log.Info("measurement engine stopped")
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

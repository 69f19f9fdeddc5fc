package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sigscope/sigscope/internal/acquisition"
	"github.com/sigscope/sigscope/internal/filter"
	"github.com/sigscope/sigscope/internal/logger"
	"github.com/sigscope/sigscope/internal/measurement"
)

const (
	measurementsCacheKey = "measurements"
	systemCacheKey       = "system"
	systemCacheTTL       = 5 * time.Second
)

// StreamView is the API representation of a stream.
type StreamView struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Source         string            `json:"source"`
	State          acquisition.State `json:"state"`
	Channels       []int             `json:"channels"`
	TotalSamples   uint64            `json:"total_samples"`
	TotalBits      uint64            `json:"total_bits"`
	SampleRate     float64           `json:"sample_rate"`
	EffectiveRate  float64           `json:"effective_rate"`
	NominalRate    float64           `json:"nominal_rate"`
	BufferCapacity int               `json:"buffer_capacity"`
	Stalled        bool              `json:"stalled"`
	LastError      string            `json:"last_error,omitempty"`
	LastWarning    string            `json:"last_warning,omitempty"`
}

// ChannelView is the API representation of a channel.
type ChannelView struct {
	Index      int           `json:"index"`
	Name       string        `json:"name"`
	Gain       float64       `json:"gain"`
	Offset     float64       `json:"offset"`
	Enabled    bool          `json:"enabled"`
	Stream     string        `json:"stream"`
	StreamID   string        `json:"stream_id"`
	LocalIndex int           `json:"local_index"`
	SampleRate float64       `json:"sample_rate"`
	Filters    []filter.Spec `json:"filters"`
}

// SnapshotResponse carries filtered samples, oldest first.
type SnapshotResponse struct {
	Index      int       `json:"index"`
	Name       string    `json:"name"`
	SampleRate float64   `json:"sample_rate"`
	Count      int       `json:"count"`
	Samples    []float64 `json:"samples"`
}

// ChannelUpdate changes the fields that are present.
type ChannelUpdate struct {
	Name    *string  `json:"name"`
	Gain    *float64 `json:"gain"`
	Offset  *float64 `json:"offset"`
	Enabled *bool    `json:"enabled"`
}

func (s *Server) streamView(st *acquisition.Stream) StreamView {
	v := StreamView{
		ID:             st.ID(),
		Name:           st.Name(),
		Source:         st.SourceName(),
		State:          st.State(),
		Channels:       []int{},
		TotalSamples:   st.TotalSamples(),
		TotalBits:      st.TotalBits(),
		SampleRate:     st.SampleRate(),
		EffectiveRate:  st.EffectiveRate(),
		NominalRate:    st.NominalRate(),
		BufferCapacity: st.BufferCapacity(),
		Stalled:        st.Stalled(StallThreshold),
		LastWarning:    st.LastWarning(),
	}
	if err := st.LastError(); err != nil {
		v.LastError = err.Error()
	}
	for _, ch := range s.list.ChannelsOf(st) {
		v.Channels = append(v.Channels, s.list.IndexOf(ch))
	}
	return v
}

func channelView(index int, ch *acquisition.Channel) ChannelView {
	set := ch.Settings()
	filters := ch.Filters()
	if filters == nil {
		filters = []filter.Spec{}
	}
	return ChannelView{
		Index:      index,
		Name:       set.Name,
		Gain:       set.Gain,
		Offset:     set.Offset,
		Enabled:    set.Enabled,
		Stream:     ch.Stream().Name(),
		StreamID:   ch.Stream().ID(),
		LocalIndex: ch.LocalIndex(),
		SampleRate: ch.OutputRate(),
		Filters:    filters,
	}
}

func (s *Server) listStreams(c echo.Context) error {
	streams := s.list.Streams()
	views := make([]StreamView, 0, len(streams))
	for _, st := range streams {
		views = append(views, s.streamView(st))
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) lookupStream(c echo.Context) (*acquisition.Stream, error) {
	id := c.Param("id")
	if st, ok := s.list.StreamByID(id); ok {
		return st, nil
	}
	// names are accepted too, they are unique in a valid configuration
	for _, st := range s.list.Streams() {
		if st.Name() == id {
			return st, nil
		}
	}
	return nil, s.notFound(c, fmt.Sprintf("stream %q not found", id))
}

func (s *Server) getStream(c echo.Context) error {
	st, err := s.lookupStream(c)
	if st == nil {
		return err
	}
	return c.JSON(http.StatusOK, s.streamView(st))
}

func (s *Server) streamAction(c echo.Context) error {
	st, err := s.lookupStream(c)
	if st == nil {
		return err
	}

	action := strings.ToLower(c.Param("action"))
	switch action {
	case "connect":
		err = st.Connect(c.Request().Context())
	case "start":
		err = st.StartStreaming()
	case "stop":
		err = st.StopStreaming()
	case "disconnect":
		err = st.Disconnect()
	default:
		return s.badRequest(c, nil, fmt.Sprintf("unknown stream action %q, expected connect, start, stop or disconnect", action))
	}
	if err != nil {
		return s.handleError(c, err, fmt.Sprintf("stream %s: %s failed", st.Name(), action))
	}

	s.log.Info("stream action", logger.String("stream", st.Name()), logger.String("action", action))
	return c.JSON(http.StatusOK, s.streamView(st))
}

func (s *Server) resizeBuffers(c echo.Context) error {
	st, err := s.lookupStream(c)
	if st == nil {
		return err
	}
	var req struct {
		Capacity int `json:"capacity"`
	}
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, err, "invalid request body")
	}
	if err := st.ResizeBuffers(req.Capacity); err != nil {
		return s.handleError(c, err, "resizing buffers failed")
	}
	return c.JSON(http.StatusOK, s.streamView(st))
}

func (s *Server) listChannels(c echo.Context) error {
	channels := s.list.Channels()
	views := make([]ChannelView, 0, len(channels))
	for i, ch := range channels {
		views = append(views, channelView(i, ch))
	}
	return c.JSON(http.StatusOK, views)
}

// lookupChannel resolves the :index parameter. On failure the response is
// already written and the channel is nil.
func (s *Server) lookupChannel(c echo.Context) (*acquisition.Channel, int, error) {
	raw := c.Param("index")
	index, err := strconv.Atoi(raw)
	if err != nil {
		return nil, 0, s.badRequest(c, err, fmt.Sprintf("channel index %q is not a number", raw))
	}
	ch, ok := s.list.Channel(index)
	if !ok {
		return nil, index, s.notFound(c, fmt.Sprintf("channel %d not found", index))
	}
	return ch, index, nil
}

func (s *Server) getChannel(c echo.Context) error {
	ch, index, err := s.lookupChannel(c)
	if ch == nil {
		return err
	}
	return c.JSON(http.StatusOK, channelView(index, ch))
}

func (s *Server) updateChannel(c echo.Context) error {
	ch, index, err := s.lookupChannel(c)
	if ch == nil {
		return err
	}
	var req ChannelUpdate
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, err, "invalid request body")
	}

	if req.Gain != nil {
		if err := ch.SetGain(*req.Gain); err != nil {
			return s.handleError(c, err, "invalid gain")
		}
	}
	if req.Offset != nil {
		if err := ch.SetOffset(*req.Offset); err != nil {
			return s.handleError(c, err, "invalid offset")
		}
	}
	if req.Name != nil {
		ch.SetName(*req.Name)
	}
	if req.Enabled != nil {
		ch.SetEnabled(*req.Enabled)
	}
	return c.JSON(http.StatusOK, channelView(index, ch))
}

func (s *Server) channelSnapshot(c echo.Context) error {
	ch, index, err := s.lookupChannel(c)
	if ch == nil {
		return err
	}

	count := DefaultSnapshotCount
	if raw := c.QueryParam("count"); raw != "" {
		count, err = strconv.Atoi(raw)
		if err != nil || count < 1 {
			return s.badRequest(c, err, fmt.Sprintf("count %q must be a positive integer", raw))
		}
	}
	count = min(count, s.config.SnapshotLimit)

	buf := make([]float64, count)
	n, err := ch.Snapshot(buf, count)
	if err != nil {
		return s.handleError(c, err, "snapshot failed")
	}
	return c.JSON(http.StatusOK, SnapshotResponse{
		Index:      index,
		Name:       ch.Settings().Name,
		SampleRate: ch.OutputRate(),
		Count:      n,
		Samples:    buf[:n],
	})
}

func (s *Server) getFilters(c echo.Context) error {
	ch, _, err := s.lookupChannel(c)
	if ch == nil {
		return err
	}
	filters := ch.Filters()
	if filters == nil {
		filters = []filter.Spec{}
	}
	return c.JSON(http.StatusOK, filters)
}

// setFilters replaces the chain with a JSON array of specs, or with the
// compact form in the spec query parameter.
func (s *Server) setFilters(c echo.Context) error {
	ch, index, err := s.lookupChannel(c)
	if ch == nil {
		return err
	}

	var specs []filter.Spec
	if compact := c.QueryParam("spec"); compact != "" {
		if specs, err = filter.ParseSpecs(compact); err != nil {
			return s.badRequest(c, err, "invalid filter chain")
		}
	} else if err := c.Bind(&specs); err != nil {
		return s.badRequest(c, err, "invalid request body")
	}

	if err := ch.SetFilters(specs); err != nil {
		return s.handleError(c, err, "invalid filter chain")
	}
	return c.JSON(http.StatusOK, channelView(index, ch))
}

func (s *Server) listMeasurements(c echo.Context) error {
	if cached, ok := s.cache.Get(measurementsCacheKey); ok {
		s.recordCacheLookup(true)
		return c.JSON(http.StatusOK, cached)
	}
	s.recordCacheLookup(false)

	reports := s.engine.Reports()
	s.cache.SetDefault(measurementsCacheKey, reports)
	return c.JSON(http.StatusOK, reports)
}

func (s *Server) recordCacheLookup(hit bool) {
	if s.metrics != nil {
		s.metrics.HTTP.RecordCacheLookup(hit)
	}
}

func (s *Server) addMeasurement(c echo.Context) error {
	var def measurement.Definition
	if err := c.Bind(&def); err != nil {
		return s.badRequest(c, err, "invalid request body")
	}
	m, err := s.engine.Add(def)
	if err != nil {
		return s.handleError(c, err, "adding measurement failed")
	}
	s.cache.Delete(measurementsCacheKey)
	return c.JSON(http.StatusCreated, m.Report())
}

func (s *Server) getMeasurement(c echo.Context) error {
	m, ok := s.engine.Get(c.Param("id"))
	if !ok {
		return s.notFound(c, fmt.Sprintf("measurement %q not found", c.Param("id")))
	}
	return c.JSON(http.StatusOK, m.Report())
}

func (s *Server) removeMeasurement(c echo.Context) error {
	if err := s.engine.Remove(c.Param("id")); err != nil {
		return s.handleError(c, err, "removing measurement failed")
	}
	s.cache.Delete(measurementsCacheKey)
	return c.NoContent(http.StatusNoContent)
}

// measurementPeaks returns the spectral peaks sorted by the sort query
// parameter (frequency, amplitude or level) in order asc or desc.
func (s *Server) measurementPeaks(c echo.Context) error {
	m, ok := s.engine.Get(c.Param("id"))
	if !ok {
		return s.notFound(c, fmt.Sprintf("measurement %q not found", c.Param("id")))
	}
	if m.Kind() != measurement.KindFFT {
		return s.badRequest(c, nil, fmt.Sprintf("measurement %q is %s, peaks need fft", m.ID(), m.Kind()))
	}

	field, err := measurement.ParsePeakField(c.QueryParam("sort"))
	if err != nil {
		return s.badRequest(c, err, "invalid sort field")
	}
	var descending bool
	switch strings.ToLower(c.QueryParam("order")) {
	case "", "desc":
		descending = true
	case "asc":
	default:
		return s.badRequest(c, nil, fmt.Sprintf("order %q must be asc or desc", c.QueryParam("order")))
	}

	peaks := m.Peaks(field, descending)
	if peaks == nil {
		peaks = []measurement.Peak{}
	}
	return c.JSON(http.StatusOK, peaks)
}

func (s *Server) systemInfo(c echo.Context) error {
	if cached, ok := s.cache.Get(systemCacheKey); ok {
		s.recordCacheLookup(true)
		return c.JSON(http.StatusOK, cached)
	}
	s.recordCacheLookup(false)

	info, err := s.system(c.Request().Context())
	if err != nil {
		s.log.Debug("host information incomplete", logger.Error(err))
	}
	s.cache.Set(systemCacheKey, info, systemCacheTTL)
	return c.JSON(http.StatusOK, info)
}

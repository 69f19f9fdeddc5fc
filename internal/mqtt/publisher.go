package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/logger"
	"github.com/sigscope/sigscope/internal/measurement"
)

// Payload is the JSON document published for one measurement.
type Payload struct {
	ID          string             `json:"id"`
	Kind        string             `json:"kind"`
	Channel     int                `json:"channel"`
	ChannelName string             `json:"channel_name"`
	Stream      string             `json:"stream"`
	Available   bool               `json:"available"`
	Reason      string             `json:"reason,omitempty"`
	Value       float64            `json:"value"`
	Min         *float64           `json:"min,omitempty"`
	Max         *float64           `json:"max,omitempty"`
	SampleRate  float64            `json:"sample_rate"`
	Samples     int                `json:"samples"`
	Timestamp   time.Time          `json:"timestamp"`
	Peaks       []measurement.Peak `json:"peaks,omitempty"`
}

func newPayload(r measurement.Report) Payload {
	p := Payload{
		ID:          r.ID,
		Kind:        string(r.Kind),
		Channel:     r.Channel,
		ChannelName: r.ChannelName,
		Stream:      r.Stream,
		Available:   r.Available,
		Reason:      r.Reason,
		Value:       r.Value,
		SampleRate:  r.SampleRate,
		Samples:     r.Samples,
		Timestamp:   r.Updated,
		Peaks:       r.Peaks,
	}
	if r.Kind == measurement.KindPeak || r.Kind == measurement.KindMinMax {
		lo, hi := r.Min, r.Max
		p.Min, p.Max = &lo, &hi
	}
	return p
}

// Publisher sends measurement reports to <topic>/<measurement id>. It
// implements measurement.Sink.
type Publisher struct {
	client Client
	topic  string
	log    logger.Logger

	// OnlyAvailable skips reports of unavailable measurements.
	OnlyAvailable bool
}

// NewPublisher returns a publisher writing below topic.
func NewPublisher(c Client, topic string) *Publisher {
	topic = strings.TrimSuffix(topic, "/")
	if topic == "" {
		topic = DefaultConfig().Topic
	}
	return &Publisher{client: c, topic: topic, log: GetLogger()}
}

// Topic returns the topic a measurement is published to.
func (p *Publisher) Topic(id string) string {
	return p.topic + "/" + id
}

// Publish implements measurement.Sink. A disconnected client drops the
// batch without error; paho reconnects in the background.
func (p *Publisher) Publish(ctx context.Context, reports []measurement.Report) error {
	if !p.client.IsConnected() {
		p.log.Debug("mqtt not connected, dropping measurement batch", logger.Int("reports", len(reports)))
		return nil
	}

	var errs []error
	for _, r := range reports {
		if p.OnlyAvailable && !r.Available {
			continue
		}
		data, err := json.Marshal(newPayload(r))
		if err != nil {
			errs = append(errs, errors.New(err).
				Component("mqtt").
				Category(errors.CategoryProcessing).
				Context("measurement", r.ID).
				Build())
			continue
		}
		if err := p.client.Publish(ctx, p.Topic(r.ID), data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ measurement.Sink = (*Publisher)(nil)

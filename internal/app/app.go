// Package app assembles sigscope from its settings: acquisition streams,
// the channel list, the measurement engine and the optional HTTP API,
// metrics endpoint and MQTT publisher.
package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sigscope/sigscope/internal/acquisition"
	"github.com/sigscope/sigscope/internal/api"
	"github.com/sigscope/sigscope/internal/conf"
	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/logger"
	"github.com/sigscope/sigscope/internal/measurement"
	"github.com/sigscope/sigscope/internal/mqtt"
	"github.com/sigscope/sigscope/internal/observability"
	"github.com/sigscope/sigscope/internal/source"
	"github.com/sigscope/sigscope/internal/sysinfo"
)

// GetLogger returns the app package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("app")
}

// App is a fully wired sigscope instance.
type App struct {
	settings *conf.Settings
	log      logger.Logger

	metrics *observability.Metrics
	list    *acquisition.ChannelList
	streams []*acquisition.Stream
	engine  *measurement.Engine

	mqttClient mqtt.Client
	api        *api.Server
	endpoint   *observability.Endpoint

	newSource  SourceFactory
	newMQTT    func(mqtt.Config) (mqtt.Client, error)
	logSystem  bool
	mqttConfig mqtt.Config
}

// Option customizes New.
type Option func(*App)

// WithSourceFactory replaces source.New.
func WithSourceFactory(f SourceFactory) Option {
	return func(a *App) { a.newSource = f }
}

// WithMQTTClient replaces the paho client constructor.
func WithMQTTClient(f func(mqtt.Config) (mqtt.Client, error)) Option {
	return func(a *App) { a.newMQTT = f }
}

// WithoutSystemSummary skips the host summary logged by Run.
func WithoutSystemSummary() Option {
	return func(a *App) { a.logSystem = false }
}

// New builds every component described by settings. Nothing is opened
// until Run.
func New(settings *conf.Settings, opts ...Option) (*App, error) {
	a := &App{
		settings:  settings,
		log:       GetLogger(),
		list:      acquisition.NewChannelList(),
		newSource: source.New,
		logSystem: true,
	}
	for _, opt := range opts {
		opt(a)
	}

	var err error
	if a.metrics, err = observability.NewMetrics(); err != nil {
		return nil, err
	}
	if a.newMQTT == nil {
		a.newMQTT = func(cfg mqtt.Config) (mqtt.Client, error) {
			return mqtt.NewClient(cfg, a.metrics.MQTT)
		}
	}

	for _, s := range settings.Streams {
		stream, err := BuildStream(s, a.newSource, a.metrics.Acquisition)
		if err != nil {
			return nil, errors.New(err).
				Component("app").
				Context("stream", s.Name).
				Build()
		}
		a.streams = append(a.streams, stream)
		a.list.AddChannelsForStream(stream)
	}

	engineOpts := []measurement.EngineOption{
		measurement.WithInterval(settings.Measurement.Interval),
		measurement.WithRecorder(a.metrics.Measurement),
	}
	if settings.MQTT.Enabled {
		a.mqttConfig = mqttConfig(settings.MQTT)
		if a.mqttClient, err = a.newMQTT(a.mqttConfig); err != nil {
			return nil, err
		}
		pub := mqtt.NewPublisher(a.mqttClient, a.mqttConfig.Topic)
		pub.OnlyAvailable = settings.MQTT.OnlyAvailable
		engineOpts = append(engineOpts, measurement.WithSink(pub))
	}
	a.engine = measurement.NewEngine(a.list, engineOpts...)

	for _, def := range settings.Measurements {
		if _, err := a.engine.Add(def); err != nil {
			return nil, err
		}
	}

	switch {
	case settings.API.Enabled:
		a.api, err = api.New(api.ConfigFromSettings(settings.API), a.list, a.engine, api.WithMetrics(a.metrics))
		if err != nil {
			return nil, err
		}
	case settings.Metrics.Enabled:
		a.endpoint = observability.NewEndpoint(settings.Metrics.Listen, a.metrics)
	}
	return a, nil
}

func mqttConfig(s conf.MQTTSettings) mqtt.Config {
	cfg := mqtt.DefaultConfig()
	cfg.Broker = s.Broker
	cfg.Username = s.Username
	cfg.Password = s.Password
	cfg.Retain = s.Retain
	cfg.QoS = s.QoS
	if s.ClientID != "" {
		cfg.ClientID = s.ClientID
	}
	if s.Topic != "" {
		cfg.Topic = s.Topic
	}
	return cfg
}

// List returns the global channel list.
func (a *App) List() *acquisition.ChannelList { return a.list }

// Engine returns the measurement engine.
func (a *App) Engine() *measurement.Engine { return a.engine }

// Streams returns the streams in configuration order.
func (a *App) Streams() []*acquisition.Stream { return a.streams }

// Metrics returns the Prometheus collectors.
func (a *App) Metrics() *observability.Metrics { return a.metrics }

// Run connects the streams, serves until ctx is cancelled and then shuts
// everything down. A stream that fails to connect is logged and left
// disconnected; it can be retried through the API.
func (a *App) Run(ctx context.Context) error {
	if a.logSystem {
		sysinfo.LogSummary(ctx)
	}
	a.log.Info("starting",
		logger.Int("streams", len(a.streams)),
		logger.Int("channels", a.list.Len()),
		logger.Int("measurements", len(a.engine.Measurements())))

	a.StartStreams(ctx)
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(gctx) })
	if a.mqttClient != nil {
		g.Go(func() error {
			a.keepMQTTConnected(gctx)
			return nil
		})
	}
	if a.api != nil {
		g.Go(func() error { return a.api.Run(gctx) })
	}
	if a.endpoint != nil {
		g.Go(func() error { return a.endpoint.Run(gctx) })
	}

	err := g.Wait()
	a.log.Info("stopped")
	return err
}

// StartStreams connects every stream and starts the ones set to auto start.
func (a *App) StartStreams(ctx context.Context) {
	for i, st := range a.streams {
		if err := st.Connect(ctx); err != nil {
			a.log.Warn("stream connect failed",
				logger.String("stream", st.Name()),
				logger.Error(err))
			continue
		}
		if !a.settings.Streams[i].Starts() {
			continue
		}
		if err := st.StartStreaming(); err != nil {
			a.log.Warn("stream start failed",
				logger.String("stream", st.Name()),
				logger.Error(err))
		}
	}
}

// keepMQTTConnected retries the initial broker connection. Once connected,
// paho reconnects by itself.
func (a *App) keepMQTTConnected(ctx context.Context) {
	interval := a.mqttConfig.ReconnectCooldown
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !a.mqttClient.IsConnected() {
			if err := a.mqttClient.Connect(ctx); err != nil {
				a.log.Warn("mqtt connect failed", logger.Error(err))
			} else {
				a.log.Info("mqtt connected", logger.String("broker", a.mqttConfig.Broker))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close disconnects every stream and the broker.
func (a *App) Close() {
	for _, st := range a.streams {
		if err := st.Disconnect(); err != nil {
			a.log.Warn("stream disconnect failed",
				logger.String("stream", st.Name()),
				logger.Error(err))
		}
	}
	if a.mqttClient != nil {
		a.mqttClient.Disconnect()
	}
}

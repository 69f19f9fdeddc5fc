package source

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/logger"
)

// PortOptions describes the line settings used when opening a serial port.
type PortOptions struct {
	BaudRate int    `yaml:"baud_rate" mapstructure:"baud_rate"`
	DataBits int    `yaml:"data_bits" mapstructure:"data_bits"`
	StopBits int    `yaml:"stop_bits" mapstructure:"stop_bits"`
	Parity   string `yaml:"parity" mapstructure:"parity"`
}

// DefaultBaudRate is used when no baud rate is configured.
const DefaultBaudRate = 115200

// Normalize validates the options and applies defaults for unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch parity := strings.ToUpper(strings.TrimSpace(opts.Parity)); parity {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}

	return opts, nil
}

// SerialMode converts the options into the mode go.bug.st/serial expects.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}

	return mode, nil
}

// SerialPort is the subset of serial.Port the source needs.
type SerialPort interface {
	io.Reader
	io.Closer
	SetReadTimeout(timeout time.Duration) error
}

// PortOpener opens a serial port. Tests replace it with a fake.
type PortOpener func(name string, mode *serial.Mode) (SerialPort, error)

func openSerialPort(name string, mode *serial.Mode) (SerialPort, error) {
	return serial.Open(name, mode)
}

// SerialConfig configures a SerialSource.
type SerialConfig struct {
	Port        string
	Options     PortOptions
	ReadTimeout time.Duration
}

// SerialSource reads from a serial port.
type SerialSource struct {
	cfg    SerialConfig
	mode   *serial.Mode
	opener PortOpener
	log    logger.Logger

	mu   sync.Mutex
	port SerialPort
}

// SerialOption customizes a SerialSource.
type SerialOption func(*SerialSource)

// WithPortOpener replaces the function used to open the port.
func WithPortOpener(opener PortOpener) SerialOption {
	return func(s *SerialSource) {
		s.opener = opener
	}
}

// NewSerialSource validates the configuration and returns an unopened source.
func NewSerialSource(cfg SerialConfig, opts ...SerialOption) (*SerialSource, error) {
	if strings.TrimSpace(cfg.Port) == "" {
		return nil, errors.Newf("serial port name is required").
			Component("source").
			Category(errors.CategoryConfiguration).
			Build()
	}

	mode, err := cfg.Options.SerialMode()
	if err != nil {
		return nil, errors.New(err).
			Component("source").
			Category(errors.CategoryConfiguration).
			Context("port", cfg.Port).
			Build()
	}

	cfg.ReadTimeout = readTimeout(cfg.ReadTimeout)
	s := &SerialSource{
		cfg:    cfg,
		mode:   mode,
		opener: openSerialPort,
		log:    GetLogger().Module("serial").With(logger.String("port", cfg.Port)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns the port name.
func (s *SerialSource) Name() string {
	return s.cfg.Port
}

// Open opens the port and applies the read timeout.
func (s *SerialSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return nil
	}

	port, err := s.opener(s.cfg.Port, s.mode)
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) {
			err = fmt.Errorf("%s: %w", portErr.EncodedErrorString(), err)
		}
		return unavailable(err, "serial", s.cfg.Port)
	}

	if err := port.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return unavailable(err, "serial", s.cfg.Port)
	}

	s.port = port
	s.log.Info("serial port opened",
		logger.Int("baud_rate", s.mode.BaudRate),
		logger.Int("data_bits", s.mode.DataBits),
		logger.Duration("read_timeout", s.cfg.ReadTimeout))
	return nil
}

// Read reads whatever arrived within the read timeout.
func (s *SerialSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if port == nil {
		return 0, notOpen("serial", s.cfg.Port)
	}

	n, err := port.Read(p)
	if err != nil {
		return n, ioFailure(err, "serial", s.cfg.Port)
	}
	return n, nil
}

// Close closes the port. A pending Read returns with an error.
func (s *SerialSource) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()

	if port == nil {
		return nil
	}
	if err := port.Close(); err != nil {
		return ioFailure(err, "serial", s.cfg.Port)
	}
	s.log.Info("serial port closed")
	return nil
}

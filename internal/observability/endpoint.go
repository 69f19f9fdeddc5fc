package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sigscope/sigscope/internal/logger"
)

// ShutdownTimeout bounds the graceful shutdown of the metrics listener.
const ShutdownTimeout = 5 * time.Second

// Endpoint serves /metrics on its own listener, for deployments that run
// without the HTTP API.
type Endpoint struct {
	server  *http.Server
	metrics *Metrics
}

// NewEndpoint creates a metrics endpoint listening on address.
func NewEndpoint(address string, m *Metrics) *Endpoint {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Endpoint{
		server: &http.Server{
			Addr:              address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		metrics: m,
	}
}

// Run serves until ctx is cancelled, then shuts the listener down.
func (e *Endpoint) Run(ctx context.Context) error {
	log := GetLogger()
	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics endpoint starting", logger.String("address", e.server.Addr))
		errCh <- e.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("stopping metrics endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics endpoint shutdown error", logger.Error(err))
		return err
	}
	<-errCh
	return nil
}

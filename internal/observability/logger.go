// Package observability wires the Prometheus collectors of sigscope into a
// private registry and exposes them over HTTP.
package observability

import "github.com/sigscope/sigscope/internal/logger"

// GetLogger returns the observability package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("telemetry")
}

package conf

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding ties a config key to an environment variable.
type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "SIGSCOPE_DEBUG", validateEnvBool},
		{"logging.default_level", "SIGSCOPE_LOG_LEVEL", validateEnvLevel},

		{"measurement.interval", "SIGSCOPE_MEASUREMENT_INTERVAL", validateEnvDuration},

		{"api.enabled", "SIGSCOPE_API_ENABLED", validateEnvBool},
		{"api.listen", "SIGSCOPE_API_LISTEN", validateEnvListen},
		{"metrics.enabled", "SIGSCOPE_METRICS_ENABLED", validateEnvBool},
		{"metrics.listen", "SIGSCOPE_METRICS_LISTEN", validateEnvListen},

		{"mqtt.enabled", "SIGSCOPE_MQTT_ENABLED", validateEnvBool},
		{"mqtt.broker", "SIGSCOPE_MQTT_BROKER", validateEnvURL},
		{"mqtt.username", "SIGSCOPE_MQTT_USERNAME", nil},
		{"mqtt.password", "SIGSCOPE_MQTT_PASSWORD", nil},
		{"mqtt.topic", "SIGSCOPE_MQTT_TOPIC", nil},

		{"sentry.enabled", "SIGSCOPE_SENTRY_ENABLED", validateEnvBool},
		{"sentry.dsn", "SIGSCOPE_SENTRY_DSN", validateEnvURL},
	}
}

// bindEnvVars binds the environment variables and reports invalid values.
// Invalid values are still bound; validation of the loaded settings
// rejects them later where it matters.
func bindEnvVars(v *viper.Viper) error {
	var warnings []string
	for _, b := range getEnvBindings() {
		if err := v.BindEnv(b.ConfigKey, b.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", b.EnvVar, err))
			continue
		}
		if b.Validate == nil {
			continue
		}
		if value := os.Getenv(b.EnvVar); value != "" {
			if err := b.Validate(value); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value %q: %v", b.EnvVar, value, err))
			}
		}
	}
	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	_, err := strconv.ParseBool(value)
	return err
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateEnvLevel(value string) error {
	switch strings.ToLower(value) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("expected debug, info, warn or error")
}

func validateEnvListen(value string) error {
	_, _, err := net.SplitHostPort(value)
	return err
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("expected scheme://host")
	}
	return nil
}

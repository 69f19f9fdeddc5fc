// Package acquire runs sigscope as a long-lived service.
package acquire

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sigscope/sigscope/internal/app"
	"github.com/sigscope/sigscope/internal/conf"
)

// Command creates the acquire command.
func Command(settings *conf.Settings, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Acquire, measure and serve until interrupted",
		Long: "Connect every configured stream, run the measurement engine and serve the HTTP API, " +
			"the metrics endpoint and MQTT publishing as configured. Stops on SIGINT or SIGTERM.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings)
		},
	}

	if err := setupFlags(cmd, v); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}
	return cmd
}

func run(ctx context.Context, settings *conf.Settings) error {
	a, err := app.New(settings)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// setupFlags defines the acquire flags and binds them into viper.
func setupFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()
	flags.String("listen", "", "HTTP API listen address")
	flags.Bool("api", true, "Serve the HTTP API")
	flags.Bool("metrics", false, "Serve /metrics on its own listener when the API is off")
	flags.String("metrics-listen", "", "Metrics listen address")
	flags.Bool("mqtt", false, "Publish measurements to MQTT")
	flags.String("mqtt-broker", "", "MQTT broker URL")
	flags.Duration("interval", 0, "Measurement interval")

	return bindFlags(v, flags, map[string]string{
		"api.listen":           "listen",
		"api.enabled":          "api",
		"metrics.enabled":      "metrics",
		"metrics.listen":       "metrics-listen",
		"mqtt.enabled":         "mqtt",
		"mqtt.broker":          "mqtt-broker",
		"measurement.interval": "interval",
	})
}

// bindFlags binds each viper key to the named flag.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) error {
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
	}
	return nil
}

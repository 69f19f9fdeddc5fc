// Package config inspects and creates configuration files.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sigscope/sigscope/internal/conf"
	"github.com/sigscope/sigscope/internal/privacy"
)

const (
	initUse       = "init [path]"
	redactedValue = "<redacted>"
)

// Command creates the config command group.
func Command(settings *conf.Settings, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show, validate or create the configuration",
	}
	cmd.AddCommand(showCommand(settings), validateCommand(settings), initCommand(configFile))
	return cmd
}

// SkipsLoad reports whether cmd runs without loading the settings.
func SkipsLoad(cmd *cobra.Command) bool {
	return cmd.Use == initUse && cmd.Parent() != nil && cmd.Parent().Name() == "config"
}

func showCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			shown := redacted(*settings)
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(&shown); err != nil {
				return fmt.Errorf("encoding settings: %w", err)
			}
			return enc.Close()
		},
	}
}

func redacted(s conf.Settings) conf.Settings {
	if s.MQTT.Password != "" {
		s.MQTT.Password = redactedValue
	}
	s.MQTT.Broker = privacy.RedactURL(s.MQTT.Broker)
	if s.Sentry.DSN != "" {
		s.Sentry.DSN = redactedValue
	}
	return s
}

// validateCommand relies on the root command having loaded and validated
// the settings already.
func validateCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			source := settings.ConfigFile
			if source == "" {
				source = "built-in defaults"
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, %d streams, %d measurements\n",
				source, len(settings.Streams), len(settings.Measurements))
			return err
		},
	}
}

func initCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   initUse,
		Short: "Write the annotated default configuration",
		Long:  "Write the default configuration to path, the --config path, or ./sigscope.yaml. Existing files are not overwritten.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := conf.ConfigName + ".yaml"
			switch {
			case len(args) == 1:
				path = args[0]
			case *configFile != "":
				path = *configFile
			}
			if err := conf.WriteDefaultConfig(path); err != nil {
				return err
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				abs = path
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), abs)
			return err
		},
	}
}

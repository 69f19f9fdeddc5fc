// Package cmd holds the sigscope command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sigscope/sigscope/cmd/acquire"
	"github.com/sigscope/sigscope/cmd/config"
	"github.com/sigscope/sigscope/cmd/decode"
	"github.com/sigscope/sigscope/cmd/record"
	"github.com/sigscope/sigscope/cmd/version"
	"github.com/sigscope/sigscope/internal/buildinfo"
	"github.com/sigscope/sigscope/internal/conf"
	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/logger"
)

// RootCommand creates the root command. Settings are loaded before any
// subcommand that needs them runs.
func RootCommand() *cobra.Command {
	v := conf.New()
	settings := &conf.Settings{}
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "sigscope",
		Short:         "Multi-channel signal acquisition and measurement",
		Version:       buildinfo.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, v, &configFile); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	versionCmd := version.Command()
	decodeCmd := decode.Command()
	rootCmd.AddCommand(
		acquire.Command(settings, v),
		record.Command(settings),
		decodeCmd,
		config.Command(settings, &configFile),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// commands that work without a configuration
		if cmd == versionCmd || cmd == decodeCmd || config.SkipsLoad(cmd) {
			return nil
		}
		return initialize(v, configFile, settings)
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		_ = logger.Global().Flush()
	}

	return rootCmd
}

// setupFlags defines the global flags and binds them into viper so that
// they take precedence over the file and the environment.
func setupFlags(rootCmd *cobra.Command, v *viper.Viper, configFile *string) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(configFile, "config", "c", "", "Path to the configuration file (default: search ./, ~/.config/sigscope, /etc/sigscope)")
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.String("log-level", "", "Default log level (trace, debug, info, warn, error)")

	if err := v.BindPFlag("debug", flags.Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	for _, key := range []string{"logging.default_level", "logging.console.level"} {
		if err := v.BindPFlag(key, flags.Lookup("log-level")); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
	}
	return nil
}

// initialize loads the settings and sets up logging and error telemetry.
func initialize(v *viper.Viper, configFile string, settings *conf.Settings) error {
	loaded, err := conf.Load(v, configFile)
	if err != nil {
		return err
	}
	*settings = *loaded

	if err := setupLogging(settings); err != nil {
		return err
	}

	log := conf.GetLogger()
	if settings.ConfigFile != "" {
		log.Info("configuration loaded", logger.String("file", settings.ConfigFile))
	} else {
		log.Info("no configuration file, using defaults")
	}

	if settings.Sentry.Enabled {
		info := buildinfo.Get()
		if err := errors.InitSentry(settings.Sentry.DSN, info.Version, settings.Sentry.Environment); err != nil {
			log.Warn("sentry initialization failed", logger.Error(err))
		}
	}
	return nil
}

// setupLogging installs the global logger described by the settings.
func setupLogging(settings *conf.Settings) error {
	cfg := settings.Logging
	if settings.Debug {
		cfg.DefaultLevel = string(logger.LogLevelDebug)
		if cfg.Console != nil {
			console := *cfg.Console
			console.Level = cfg.DefaultLevel
			cfg.Console = &console
		}
	}

	cl, err := logger.NewCentralLogger(&cfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	logger.SetGlobal(cl)
	return nil
}

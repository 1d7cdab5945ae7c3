package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/classwatch/classwatch/cmd/capture"
	configcmd "github.com/classwatch/classwatch/cmd/config"
	"github.com/classwatch/classwatch/cmd/monitor"
	"github.com/classwatch/classwatch/cmd/windows"
	"github.com/classwatch/classwatch/internal/buildinfo"
	"github.com/classwatch/classwatch/internal/conf"
	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/logger"
)

const telemetryFlushTimeout = 2 * time.Second

// RootCommand creates the classwatch root command with every subcommand
// attached. Settings are loaded and logging is initialized before any
// subcommand runs.
func RootCommand(build *buildinfo.Context) *cobra.Command {
	var (
		configFile string
		debug      bool
		central    *logger.CentralLogger
	)

	rootCmd := &cobra.Command{
		Use:          "classwatch",
		Short:        "Classroom presence monitor",
		Long:         "Captures the screen during each class period's detection window and records whether faces are present.",
		Version:      build.String(),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the config file (default: search ~/.config/classwatch, /etc/classwatch)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output")

	rootCmd.AddCommand(
		monitor.Command(),
		windows.Command(),
		capture.Command(),
		configcmd.Command(),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		settings, err := conf.Load(configFile)
		if err != nil {
			return err
		}
		if debug {
			settings.Debug = true
			settings.Logging.DefaultLevel = string(logger.LogLevelDebug)
		}

		central, err = initialize(settings, build)
		return err
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		errors.FlushTelemetry(telemetryFlushTimeout)
		if central != nil {
			return central.Close()
		}
		return nil
	}

	return rootCmd
}

// initialize sets up the global logger and, when enabled, error telemetry.
func initialize(settings *conf.Settings, build *buildinfo.Context) (*logger.CentralLogger, error) {
	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	if settings.Sentry.Enabled {
		if err := errors.InitSentry(settings.Sentry.DSN, build.GetVersion(), settings.Sentry.Environment); err != nil {
			central.Module("main").Warn("Failed to initialize error telemetry", logger.Error(err))
		}
	}

	central.Module("main").Debug("Configuration loaded",
		logger.String("file", settings.ConfigFile()),
		logger.String("node", settings.Main.Name),
		logger.String("version", build.GetVersion()))
	return central, nil
}

package monitor

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/classwatch/classwatch/internal/analysis"
	"github.com/classwatch/classwatch/internal/conf"
)

type flags struct {
	device    string
	imageDir  string
	noWeb     bool
	outputDir string
}

// Command creates the command that runs the monitor until interrupted.
func Command() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the classroom monitor",
		Long:  "Run the duty cycle, periodic and scheduled captures until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := conf.GetSettings()
			applyFlags(cmd, settings, f)
			if err := conf.ValidateSettings(settings); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return analysis.RunMonitor(ctx, settings)
		},
	}

	cmd.Flags().StringVar(&f.device, "device", "", "Capture device (\"ffmpeg\" or \"imagedir\")")
	cmd.Flags().StringVar(&f.imageDir, "image-dir", "", "Replay PNG frames from this directory instead of the screen")
	cmd.Flags().StringVar(&f.outputDir, "output-dir", "", "Directory for stored frames")
	cmd.Flags().BoolVar(&f.noWeb, "no-webserver", false, "Disable the status API")
	return cmd
}

// applyFlags overrides settings with flags given on the command line.
func applyFlags(cmd *cobra.Command, settings *conf.Settings, f flags) {
	if cmd.Flags().Changed("device") {
		settings.Capture.Device = f.device
	}
	if cmd.Flags().Changed("image-dir") {
		settings.Capture.Device = conf.DeviceImageDir
		settings.Capture.ImageDir = f.imageDir
	}
	if cmd.Flags().Changed("output-dir") {
		settings.Capture.OutputDir = f.outputDir
	}
	if f.noWeb {
		settings.WebServer.Enabled = false
	}
}

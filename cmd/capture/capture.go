package capture

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/classwatch/classwatch/internal/analysis"
	"github.com/classwatch/classwatch/internal/conf"
	"github.com/classwatch/classwatch/internal/pipeline"
)

// Command creates the one-shot capture command: grab a frame, force a model
// load, detect and store the result.
func Command() *cobra.Command {
	var (
		imageDir string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture and analyze one frame now",
		Long:  "Capture one frame, load the model regardless of the duty cycle, detect faces and store the frame. Useful to check the setup.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := conf.GetSettings()
			if cmd.Flags().Changed("image-dir") {
				settings.Capture.Device = conf.DeviceImageDir
				settings.Capture.ImageDir = imageDir
				if err := conf.ValidateSettings(settings); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ev, err := analysis.CaptureOnce(ctx, settings)
			if ev.ID != "" {
				if perr := printEvent(cmd.OutOrStdout(), ev, asJSON); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&imageDir, "image-dir", "", "Read the frame from this directory instead of the screen")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the capture event as JSON")
	return cmd
}

func printEvent(w io.Writer, ev pipeline.CaptureEvent, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ev)
	}

	period := ev.PeriodID
	if period == "" {
		period = "-"
	}
	if !ev.Success {
		_, err := fmt.Fprintf(w, "capture failed (%s): %s\n", ev.ErrorKind, ev.Error)
		return err
	}
	_, err := fmt.Fprintf(w, "period %s  faces %d  present %t  frame %s  (%s)\n",
		period, ev.FaceCount, ev.Present, ev.FrameRef, ev.Duration.Round(time.Millisecond))
	return err
}

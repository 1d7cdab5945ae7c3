package windows

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/classwatch/classwatch/internal/calendar"
	"github.com/classwatch/classwatch/internal/conf"
)

// Command creates the command listing the timetable and the detection
// windows resolved for one day.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "windows [date]",
		Short: "Show the detection windows for a day",
		Long:  "Print every period of the timetable with its detection window on the given date (YYYY-MM-DD, default today).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := conf.GetSettings()
			cfg, err := settings.CalendarConfig()
			if err != nil {
				return err
			}
			cal, err := calendar.New(cfg)
			if err != nil {
				return err
			}

			now := time.Now().In(cal.Location())
			day := now
			if len(args) == 1 {
				if day, err = time.ParseInLocation(time.DateOnly, args[0], cal.Location()); err != nil {
					return fmt.Errorf("invalid date %q, want YYYY-MM-DD: %w", args[0], err)
				}
			}
			return printWindows(cmd.OutOrStdout(), cal, day, now)
		},
	}
}

func printWindows(w io.Writer, cal *calendar.Calendar, day, now time.Time) error {
	windows := make(map[string]calendar.ActiveWindow)
	for _, aw := range cal.WindowsOn(day) {
		windows[aw.Period.ID] = aw
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Detection windows for %s (%s)\n", day.Format(time.DateOnly), cal.Location())
	fmt.Fprintln(tw, "PERIOD\tLABEL\tCLASS\tWINDOW")
	for _, p := range cal.Periods() {
		window := "disabled"
		if aw, ok := windows[p.ID]; ok {
			window = aw.Start.Format("15:04") + "-" + aw.End.Format("15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s-%s\t%s\n", p.ID, p.Label, p.Start, p.End, window)
	}
	if next, ok := cal.NextWindow(now); ok {
		fmt.Fprintf(tw, "\nNext window: %s %s %s-%s\n", next.Instance, next.Period.ID,
			next.Start.Format("15:04"), next.End.Format("15:04"))
	}
	return tw.Flush()
}

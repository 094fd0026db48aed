package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lazypower/feedcal/internal/store"
)

var calibrationCmd = &cobra.Command{
	Use:   "calibration",
	Short: "Inspect and reset per-source calibration",
}

var calibrationShowCmd = &cobra.Command{
	Use:   "show <owner> [source]...",
	Short: "Show calibration state; all sources of the owner when none are given",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCalibrationShow,
}

var calibrationResetCmd = &cobra.Command{
	Use:   "reset <owner> <source>",
	Short: "Zero counters, hit rate and offset for a source",
	Args:  cobra.ExactArgs(2),
	RunE:  runCalibrationReset,
}

func init() {
	calibrationCmd.AddCommand(calibrationShowCmd)
	calibrationCmd.AddCommand(calibrationResetCmd)
}

func runCalibrationShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var cals []store.SourceCalibration
	if len(args) == 1 {
		cals, err = a.db.ListCalibrations(cmd.Context(), args[0])
		if err != nil {
			return err
		}
	} else {
		batch, err := a.cal.GetBatch(cmd.Context(), args[0], args[1:])
		if err != nil {
			return err
		}
		for _, id := range args[1:] {
			if c, ok := batch[id]; ok {
				cals = append(cals, *c)
			}
		}
	}
	if len(cals) == 0 {
		fmt.Printf("No calibration state for %s\n", args[0])
		return nil
	}

	minSamples := a.cal.Params().MinSamples
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSHOWN\tLIKED\tDISLIKED\tHIT RATE\tOFFSET\tACTIVE\tWINDOW START")
	for _, c := range cals {
		rate, window := "-", "-"
		if c.RollingHitRate != nil {
			rate = fmt.Sprintf("%.3f", *c.RollingHitRate)
		}
		if c.WindowStart != nil {
			window = c.WindowStart.Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%+.3f\t%v\t%s\n",
			c.SourceID, c.ItemsShown, c.ItemsLiked, c.ItemsDisliked, rate,
			c.CalibrationOffset, c.Samples() >= minSamples, window)
	}
	return tw.Flush()
}

func runCalibrationReset(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.cal.Reset(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("no calibration for %s/%s", args[0], args[1])
	}
	fmt.Printf("Reset calibration for %s/%s\n", args[0], args[1])
	return nil
}

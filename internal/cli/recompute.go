package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var recomputeAt string

var recomputeCmd = &cobra.Command{
	Use:   "recompute <source> [handle]",
	Short: "Rebuild trust scores from the feedback log",
	Long: "Replays the feedback log for one handle, or every handle with a policy in the source, " +
		"and overwrites the stored scores. Modes are kept.",
	Args: cobra.RangeArgs(1, 2),
	RunE: runRecompute,
}

func init() {
	recomputeCmd.Flags().StringVar(&recomputeAt, "at", "", "Decay scores to this RFC 3339 time instead of now")
}

func runRecompute(cmd *cobra.Command, args []string) error {
	var now time.Time
	if recomputeAt != "" {
		var err error
		if now, err = time.Parse(time.RFC3339, recomputeAt); err != nil {
			return fmt.Errorf("--at: %w", err)
		}
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 2 {
		p, err := a.trust.RecomputeFromFeedback(cmd.Context(), args[0], args[1], now)
		if err != nil {
			return err
		}
		printView(a.trust.Project(*p))
		return nil
	}

	n, err := a.trust.RecomputeSource(cmd.Context(), args[0], now)
	if err != nil {
		return err
	}
	fmt.Printf("Recomputed %d policies for %s\n", n, args[0])
	return nil
}

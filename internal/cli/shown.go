package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazypower/feedcal/internal/client"
)

var shownCount int

var shownCmd = &cobra.Command{
	Use:   "shown <owner> <source>",
	Short: "Record item presentations on a running server",
	Args:  cobra.ExactArgs(2),
	RunE:  runShown,
}

func init() {
	shownCmd.Flags().IntVarP(&shownCount, "count", "n", 1, "Number of items shown")
}

func runShown(cmd *cobra.Command, args []string) error {
	if shownCount < 1 {
		return fmt.Errorf("--count must be >= 1")
	}
	c := client.New(serverURL)
	for i := 0; i < shownCount; i++ {
		if err := c.ItemShown(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("after %d of %d: %w", i, shownCount, err)
		}
	}
	fmt.Printf("Recorded %d shown for %s/%s\n", shownCount, args[0], args[1])
	return nil
}

package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lazypower/feedcal/internal/engine"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and manage account trust policies",
}

var policyListCmd = &cobra.Command{
	Use:   "list <source>",
	Short: "List a source's policies with decayed scores",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyList,
}

var policyShowCmd = &cobra.Command{
	Use:   "show <source> <handle>",
	Short: "Show one handle's decayed scores and inclusion",
	Args:  cobra.ExactArgs(2),
	RunE:  runPolicyShow,
}

var policyModeCmd = &cobra.Command{
	Use:   "mode <source> <handle> <auto|always|mute>",
	Short: "Set a handle's mode",
	Args:  cobra.ExactArgs(3),
	RunE:  runPolicyMode,
}

var policyResetCmd = &cobra.Command{
	Use:   "reset <source> <handle>",
	Short: "Zero a handle's scores, keeping its mode",
	Args:  cobra.ExactArgs(2),
	RunE:  runPolicyReset,
}

var policyDefaultsCmd = &cobra.Command{
	Use:   "defaults <source> <handle>...",
	Short: "Create auto-mode policies for handles that have none",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runPolicyDefaults,
}

func init() {
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyModeCmd)
	policyCmd.AddCommand(policyResetCmd)
	policyCmd.AddCommand(policyDefaultsCmd)
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	views, err := a.trust.ListPolicyViews(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(views) == 0 {
		fmt.Printf("No policies for %s\n", args[0])
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tMODE\tPOS\tNEG\tINCLUDED\tREASON\tLAST FEEDBACK")
	for _, v := range views {
		last := "-"
		if v.LastFeedbackAt != nil {
			last = v.LastFeedbackAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%.3f\t%.3f\t%v\t%s\t%s\n",
			v.Handle, v.Mode, v.ProjectedPos, v.ProjectedNeg, v.Included, v.Reason, last)
	}
	return tw.Flush()
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.trust.View(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("no policy for %s in %s", args[1], args[0])
	}
	printView(*v)
	return nil
}

func runPolicyMode(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.trust.UpdateMode(cmd.Context(), args[0], args[1], args[2])
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("no policy for %s in %s", args[1], args[0])
	}
	printView(a.trust.Project(*p))
	return nil
}

func runPolicyReset(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.trust.ResetPolicy(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("no policy for %s in %s", args[1], args[0])
	}
	printView(a.trust.Project(*p))
	return nil
}

func runPolicyDefaults(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.trust.UpsertDefaults(cmd.Context(), args[0], args[1:])
	if err != nil {
		return err
	}
	fmt.Printf("Created %d policies (%d already existed)\n", n, len(args[1:])-n)
	return nil
}

func printView(v engine.PolicyView) {
	fmt.Printf("%s/%s mode=%s pos=%.3f neg=%.3f included=%v (%s)\n",
		v.SourceID, v.Handle, v.Mode, v.ProjectedPos, v.ProjectedNeg, v.Included, v.Reason)
}

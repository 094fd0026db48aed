package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/feedcal/internal/client"
)

var (
	ingestFile      string
	ingestOwner     string
	ingestKeepGoing bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Send feedback events to a running server",
	Long: "Reads newline-delimited JSON feedback events ({owner_id, source_id, author_handle, action, occurred_at}) " +
		"from --file or stdin and posts each to the server.",
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "Read events from file instead of stdin")
	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "", "Owner ID for events that carry none")
	ingestCmd.Flags().BoolVar(&ingestKeepGoing, "keep-going", false, "Continue after a rejected event")
}

func runIngest(cmd *cobra.Command, args []string) error {
	var in io.Reader = os.Stdin
	if ingestFile != "" {
		f, err := os.Open(ingestFile)
		if err != nil {
			return fmt.Errorf("open events: %w", err)
		}
		defer f.Close()
		in = f
	}

	c := client.New(serverURL)
	if !c.Healthy(cmd.Context()) {
		return fmt.Errorf("server not reachable at %s", c.URL())
	}

	sent, failed, err := ingest(cmd, c, in)
	fmt.Fprintf(os.Stderr, "sent %d events, %d rejected\n", sent, failed)
	return err
}

func ingest(cmd *cobra.Command, c *client.Client, in io.Reader) (sent, failed int, err error) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var fb client.Feedback
		if err := json.Unmarshal([]byte(text), &fb); err != nil {
			return sent, failed, fmt.Errorf("line %d: %w", line, err)
		}
		if fb.OwnerID == "" {
			fb.OwnerID = ingestOwner
		}

		if err := c.SendFeedback(cmd.Context(), fb); err != nil {
			failed++
			if !ingestKeepGoing {
				return sent, failed, fmt.Errorf("line %d: %w", line, err)
			}
			fmt.Fprintf(os.Stderr, "line %d: %v\n", line, err)
			continue
		}
		sent++
	}
	if err := sc.Err(); err != nil {
		return sent, failed, fmt.Errorf("read events: %w", err)
	}
	return sent, failed, nil
}

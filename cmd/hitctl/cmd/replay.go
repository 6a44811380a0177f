package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hitrelay/internal/admin"
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run a replay pass now",
	Long: `Ask the relay to replay its queue immediately. If a pass is already
running the request is folded into it and the relay answers 202.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd.Context(), cmd.OutOrStdout())
	},
}

func runReplay(ctx context.Context, w io.Writer) error {
	resp, err := makeHTTPRequest(ctx, http.MethodPost, "/admin/replay", nil, "")
	if err != nil {
		return fmt.Errorf("failed to trigger replay: %w", err)
	}
	var rr admin.ReplayResponse
	if err := decodeResponse(resp, &rr); err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	if outputJSON {
		printOutput(w, rr)
		return nil
	}
	res := rr.Result
	if res.Coalesced {
		fmt.Fprintln(w, "A replay pass was already running; it will pick up the queue again.")
		return nil
	}
	fmt.Fprintf(w, "Replay finished in %s (%d pass(es))\n", res.Duration, res.Passes)
	fmt.Fprintf(w, "  Attempted: %d\n", res.Attempted)
	fmt.Fprintf(w, "  Delivered: %d\n", res.Delivered)
	fmt.Fprintf(w, "  Failed:    %d\n", res.Failed)
	fmt.Fprintf(w, "  Expired:   %d\n", res.Expired)
	if res.Corrupt > 0 {
		fmt.Fprintf(w, "  Corrupt:   %d\n", res.Corrupt)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

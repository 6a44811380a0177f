package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hitrelay/internal/admin"
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and prune the retry queue",
	Long:  `List hits waiting for replay and remove individual entries.`,
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued hits in replay order",
	Long: `List every hit waiting in the retry queue, oldest first.

Example:
  hitctl queue list --body`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		withBody, _ := cmd.Flags().GetBool("body")
		return listQueue(cmd.Context(), cmd.OutOrStdout(), withBody)
	},
}

var queueRmCmd = &cobra.Command{
	Use:     "rm [id...]",
	Aliases: []string{"remove"},
	Short:   "Remove queued hits by id",
	Long: `Remove one or more hits from the retry queue. Removing an id that is
not queued is not an error.

Example:
  hitctl queue rm 2Ba3dOpcEuvuETMSl4ZRmkNbqrV`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := removeEntry(cmd.Context(), id); err != nil {
				return fmt.Errorf("remove %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
		}
		return nil
	},
}

func listQueue(ctx context.Context, w io.Writer, withBody bool) error {
	path := "/admin/queue"
	if withBody {
		path += "?body=true"
	}
	resp, err := makeHTTPRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return fmt.Errorf("failed to list queue: %w", err)
	}
	var qr admin.QueueResponse
	if err := decodeResponse(resp, &qr); err != nil {
		return fmt.Errorf("failed to list queue: %w", err)
	}

	if outputJSON {
		printOutput(w, qr)
		return nil
	}

	fmt.Fprintf(w, "%d hit(s) queued\n", qr.Count)
	if qr.Corrupt > 0 {
		fmt.Fprintf(w, "%d corrupt entr(ies) were dropped while listing\n", qr.Corrupt)
	}
	if qr.Count == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEQ\tMETHOD\tAGE\tURL")
	for _, e := range qr.Entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", e.ID, e.Seq, e.Method, (time.Duration(e.AgeMS) * time.Millisecond).Round(time.Second), e.URL)
		if withBody && e.Body != "" {
			fmt.Fprintf(tw, "\t\t\tbody\t%s\n", e.Body)
		}
	}
	return tw.Flush()
}

func removeEntry(ctx context.Context, id string) error {
	resp, err := makeHTTPRequest(ctx, http.MethodDelete, "/admin/queue/"+url.PathEscape(id), nil, "")
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRmCmd)

	queueListCmd.Flags().Bool("body", false, "include POST bodies")
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hitrelay/internal/ingest"
)

const defaultPayload = "v=1&t=pageview&tid=UA-12345-1&cid=555&dp=%2Fhitctl"

// SendConfig holds the parameters of a send run
type SendConfig struct {
	Method  string  `json:"method"`
	Path    string  `json:"path"`
	Payload string  `json:"payload"`
	Count   int     `json:"count"`
	Rate    float64 `json:"rate"` // hits per second, 0 sends back to back
}

// SendSummary counts how the relay answered each hit
type SendSummary struct {
	Total     int           `json:"total"`
	Forwarded int           `json:"forwarded"`
	Queued    int           `json:"queued"`
	Failed    int           `json:"failed"`
	QueuedIDs []string      `json:"queued_ids,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	RPS       float64       `json:"rps"`
}

var sendCmd = &cobra.Command{
	Use:   "send [payload]",
	Short: "Send test hits through the relay",
	Long: `Send Measurement Protocol hits to the relay's collect endpoint and
report which were forwarded and which were queued for replay.

Examples:
  hitctl send
  hitctl send 'v=1&t=event&tid=UA-12345-1&cid=7&ec=cli&ea=test' --method POST
  hitctl send --count 100 --rate 20`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := SendConfig{Payload: defaultPayload}
		if len(args) == 1 {
			cfg.Payload = args[0]
		}
		cfg.Method, _ = cmd.Flags().GetString("method")
		cfg.Path, _ = cmd.Flags().GetString("path")
		cfg.Count, _ = cmd.Flags().GetInt("count")
		cfg.Rate, _ = cmd.Flags().GetFloat64("rate")

		summary, err := sendHits(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		printSendSummary(cmd.OutOrStdout(), summary)
		return nil
	},
}

// hitRequest builds the collect request for hit i; each hit gets its own z
// cache buster so the upstream does not fold them together.
func hitRequest(cfg SendConfig, i int) (path string, body io.Reader, contentType string) {
	payload := cfg.Payload + "&z=" + strconv.Itoa(i)
	if cfg.Method == http.MethodPost {
		return cfg.Path, strings.NewReader(payload), "text/plain;charset=UTF-8"
	}
	return cfg.Path + "?" + payload, nil, ""
}

func sendHits(ctx context.Context, cfg SendConfig) (*SendSummary, error) {
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Method != http.MethodGet && cfg.Method != http.MethodPost {
		return nil, fmt.Errorf("unsupported method %q (want GET or POST)", cfg.Method)
	}
	if cfg.Count < 1 {
		return nil, fmt.Errorf("count must be at least 1")
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}

	var pause time.Duration
	if cfg.Rate > 0 {
		pause = time.Duration(float64(time.Second) / cfg.Rate)
	}

	summary := &SendSummary{}
	start := time.Now()
	for i := 0; i < cfg.Count; i++ {
		if i > 0 && pause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pause):
			}
		}
		summary.Total++

		path, body, ct := hitRequest(cfg, i)
		resp, err := makeHTTPRequest(ctx, cfg.Method, path, body, ct)
		if err != nil {
			summary.Failed++
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch id := resp.Header.Get(ingest.QueuedHeader); {
		case id != "":
			summary.Queued++
			summary.QueuedIDs = append(summary.QueuedIDs, id)
		case resp.StatusCode >= 500:
			summary.Failed++
		default:
			summary.Forwarded++
		}
	}
	summary.Duration = time.Since(start)
	if secs := summary.Duration.Seconds(); secs > 0 {
		summary.RPS = float64(summary.Total) / secs
	}
	return summary, nil
}

func printSendSummary(w io.Writer, s *SendSummary) {
	if outputJSON {
		printOutput(w, s)
		return
	}
	pct := func(n int) float64 { return float64(n) / float64(s.Total) * 100 }
	fmt.Fprintf(w, "Hits sent:   %d in %.2fs (%.2f/s)\n", s.Total, s.Duration.Seconds(), s.RPS)
	fmt.Fprintf(w, "Forwarded:   %d (%.1f%%)\n", s.Forwarded, pct(s.Forwarded))
	fmt.Fprintf(w, "Queued:      %d (%.1f%%)\n", s.Queued, pct(s.Queued))
	fmt.Fprintf(w, "Failed:      %d (%.1f%%)\n", s.Failed, pct(s.Failed))
	if s.Queued > 0 {
		fmt.Fprintln(w, "\nQueued hits replay once the upstream is reachable; see 'hitctl queue list'.")
	}
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("method", http.MethodGet, "HTTP method (GET or POST)")
	sendCmd.Flags().String("path", "/collect", "collect path on the relay")
	sendCmd.Flags().Int("count", 1, "number of hits to send")
	sendCmd.Flags().Float64("rate", 0, "hits per second (0 = as fast as possible)")
}

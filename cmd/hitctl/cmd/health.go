package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	grpcinsecure "google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/hitrelay/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the relay",
	Long: `Check the relay's /healthz endpoint, or its gRPC health service when
--grpc is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("grpc"); addr != "" {
			return grpcHealth(cmd.Context(), cmd.OutOrStdout(), addr)
		}
		return httpHealth(cmd.Context(), cmd.OutOrStdout())
	},
}

func httpHealth(ctx context.Context, w io.Writer) error {
	resp, err := makeHTTPRequest(ctx, http.MethodGet, "/healthz", nil, "")
	if err != nil {
		return fmt.Errorf("HTTP health check failed: %w", err)
	}
	defer resp.Body.Close()

	// 503 still carries a status body
	var st health.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("HTTP health check failed: %s", resp.Status)
	}
	if outputJSON {
		printOutput(w, st)
		return nil
	}
	if !st.OK {
		fmt.Fprintf(w, "✗ Relay is unhealthy: %s\n", st.Message)
		return nil
	}
	fmt.Fprintln(w, "✓ Relay is healthy")
	if st.QueueDepth != nil {
		fmt.Fprintf(w, "  Queued hits: %d\n", *st.QueueDepth)
	}
	return nil
}

func grpcHealth(ctx context.Context, w io.Writer, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(grpcinsecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		fmt.Fprintf(w, "✗ Relay is unhealthy: %v\n", err)
		return nil
	}
	if outputJSON {
		printOutput(w, map[string]string{"status": resp.GetStatus().String()})
		return nil
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		fmt.Fprintf(w, "✗ Relay is %s\n", resp.GetStatus())
		return nil
	}
	fmt.Fprintln(w, "✓ Relay is serving (gRPC)")
	return nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().String("grpc", "", "check the gRPC health service at host:port instead")
}

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

var tokenCmd = &cobra.Command{
	Use:   "token [operator]",
	Short: "Fetch an admin token from the dev issuer",
	Long: `Request a signed admin token from the jwks-server issuer and print it.

Example:
  export HITRELAY_TOKEN=$(hitctl token oncall)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		issuer, _ := cmd.Flags().GetString("issuer")
		if issuer == "" {
			issuer = viper.GetString("issuer")
		}
		if issuer == "" {
			issuer = "http://localhost:8082"
		}
		ttl, _ := cmd.Flags().GetInt("ttl")

		tr, err := fetchToken(cmd.Context(), issuer, args[0], ttl)
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), tr)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), tr.Token)
		return nil
	},
}

func fetchToken(ctx context.Context, issuer, operator string, ttl int) (*tokenResponse, error) {
	payload, err := json.Marshal(map[string]any{"sub": operator, "ttl_seconds": ttl})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(issuer, "/")+"/token", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get token from %s: %w", issuer, err)
	}
	var tr tokenResponse
	if err := decodeResponse(resp, &tr); err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	if tr.Token == "" {
		return nil, fmt.Errorf("received empty token")
	}
	return &tr, nil
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("issuer", "", "token issuer base URL (default from config, then http://localhost:8082)")
	tokenCmd.Flags().Int("ttl", 3600, "token lifetime in seconds")
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/buybox-queue/internal/queue"
)

func newStatusCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Prints the status of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
			}
			apiKey := ""
			if cfg.Auth.Enabled {
				apiKey = cfg.Auth.APIKey
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			st, err := fetchStatus(ctx, http.DefaultClient, addr, apiKey)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server base URL (defaults to localhost and the configured port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func fetchStatus(ctx context.Context, client *http.Client, addr, apiKey string) (queue.Status, error) {
	url := strings.TrimRight(addr, "/") + "/v1/queue/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return queue.Status{}, fmt.Errorf("build status request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return queue.Status{}, fmt.Errorf("get status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return queue.Status{}, fmt.Errorf("get status: %s %s", resp.Status, body.Error)
	}
	var st queue.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return queue.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

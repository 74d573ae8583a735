package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harun/beacon/pkg/ingest"
	"github.com/harun/beacon/pkg/session"
	"github.com/spf13/cobra"
)

var (
	flushWait    bool
	flushTimeout time.Duration
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Upload the buffered events now",
	Long: `Ask the running daemon to upload its buffered events immediately,
regardless of the configured flush policies. With --wait the command returns
once the upload queue has drained.`,
	RunE: runFlush,
}

func init() {
	flushCmd.Flags().BoolVar(&flushWait, "wait", false, "wait until the upload queue drains")
	flushCmd.Flags().DurationVar(&flushTimeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.AddCommand(flushCmd)
}

func runFlush(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Server.Enabled {
		return fmt.Errorf("ingest server is disabled; flush needs server.enabled")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), flushTimeout)
	defer cancel()

	url := ingestURL(cfg, "/v1/flush")
	if flushWait {
		url += "?wait=true"
	}

	stats, err := requestFlush(ctx, http.DefaultClient, url, cfg.Server.SharedSecret)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Flush requested")
	printStats(cmd.OutOrStdout(), stats)
	return nil
}

// requestFlush posts an empty, optionally signed body to the flush endpoint
func requestFlush(ctx context.Context, client *http.Client, url, secret string) (*session.Stats, error) {
	body := []byte("{}")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(ingest.SignatureHeader, ingest.Sign(body, secret))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("flush failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return decodeStats(resp.Body)
}

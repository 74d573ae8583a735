package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/harun/beacon/internal/config"
	"github.com/harun/beacon/internal/daemon"
	"github.com/harun/beacon/pkg/session"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the Beacon daemon service.
When the ingest server is enabled the live session statistics are included.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := pidFilePath(cfg)
	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)

	// Get PID file modification time for uptime calculation
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	if !cfg.Server.Enabled {
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	stats, err := fetchStats(ctx, http.DefaultClient, ingestURL(cfg, "/v1/stats"))
	if err != nil {
		fmt.Fprintf(out, "Stats: unavailable (%v)\n", err)
		return nil
	}
	printStats(out, stats)
	return nil
}

func fetchStats(ctx context.Context, client *http.Client, url string) (*session.Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ingest server returned %d: %s", resp.StatusCode, body)
	}

	return decodeStats(resp.Body)
}

func decodeStats(r io.Reader) (*session.Stats, error) {
	var stats session.Stats
	if err := json.NewDecoder(r).Decode(&stats); err != nil {
		return nil, fmt.Errorf("invalid stats response: %w", err)
	}
	return &stats, nil
}

func printStats(out io.Writer, stats *session.Stats) {
	breaker := "closed"
	if stats.Queue.Breaker.Open {
		breaker = "open"
	}
	fmt.Fprintf(out, "Session: %s\n", stats.SessionID)
	fmt.Fprintf(out, "Buffered events: %d\n", stats.Buffered)
	fmt.Fprintf(out, "Uploads: %d pending, %d completed, %d failed\n",
		stats.Queue.Pending, stats.Queue.Completed, stats.Queue.Failed)
	fmt.Fprintf(out, "Breaker: %s (%d consecutive failures)\n", breaker, stats.Queue.Breaker.Failures)
}

func ingestURL(cfg *config.Config, path string) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)) + path
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

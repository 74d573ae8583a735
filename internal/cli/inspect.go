package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/harun/beacon/internal/daemon"
	"github.com/harun/beacon/pkg/durable"
	"github.com/harun/beacon/pkg/telemetry"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List the session records kept in durable storage",
	Long: `List every session record in the durable store together with the
recovery pointer. The record the pointer names is the one the next start
will recover and upload.`,
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Driver == "memory" {
		return fmt.Errorf("storage driver %q keeps nothing on disk", cfg.Storage.Driver)
	}

	dbPath := filepath.Join(cfg.Storage.DataDir, daemon.DatabaseFile)
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("no durable store at %s: %w", dbPath, err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	store, err := durable.OpenSQLite(ctx, dbPath, cfg.Storage.Namespace)
	if err != nil {
		return err
	}
	defer store.Close()

	pointer := durable.NewFilePointer(filepath.Join(cfg.Storage.DataDir, daemon.PointerFile))
	return inspectStore(ctx, cmd.OutOrStdout(), store, pointer)
}

type recordSummary struct {
	id        string
	created   time.Time
	events    int
	pageViews int
	previous  string
	readable  bool
}

func inspectStore(ctx context.Context, out io.Writer, store durable.Store, pointer durable.Pointer) error {
	pointed, err := pointer.Load()
	if err != nil {
		return fmt.Errorf("failed to read recovery pointer: %w", err)
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}

	summaries := make([]recordSummary, 0, len(keys))
	for _, key := range keys {
		data, found, err := store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read record %s: %w", key, err)
		}
		if !found {
			continue
		}
		summary := recordSummary{id: key}
		var rec telemetry.Record
		if err := json.Unmarshal(data, &rec); err == nil {
			summary.readable = true
			summary.created = rec.CreatedAt
			summary.events = len(rec.EventBuffer)
			summary.pageViews = len(rec.PageStack)
			summary.previous = rec.PreviousSessionID
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].created.Before(summaries[j].created)
	})

	if pointed == "" {
		fmt.Fprintln(out, "Recovery pointer: empty")
	} else {
		fmt.Fprintf(out, "Recovery pointer: %s\n", pointed)
	}

	if len(summaries) == 0 {
		fmt.Fprintln(out, "No session records")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tCREATED\tEVENTS\tPAGE VIEWS\tPREVIOUS\t")
	for _, s := range summaries {
		id := s.id
		if id == pointed {
			id += " *"
		}
		if !s.readable {
			fmt.Fprintf(tw, "%s\tunreadable\t-\t-\t-\t\n", id)
			continue
		}
		previous := s.previous
		if previous == "" {
			previous = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t\n",
			id, s.created.Format(time.RFC3339), s.events, s.pageViews, previous)
	}
	return tw.Flush()
}

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/harun/beacon/pkg/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSweepAge      = 7 * 24 * time.Hour // 7 days
	DefaultSweepInterval = time.Hour
)

// Sweeper removes durable records of sessions that can no longer be
// recovered: the pointer holds one session id, so a record orphaned by two
// crashes in a row would otherwise stay forever.
type Sweeper struct {
	store    *Store
	maxAge   time.Duration
	interval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewSweeper creates a sweeper for store's durable records.
func NewSweeper(store *Store, maxAge, interval time.Duration) *Sweeper {
	if maxAge <= 0 {
		maxAge = DefaultSweepAge
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
	}
}

// Start starts the sweeper
func (w *Sweeper) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("sweeper is already running")
	}

	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(w.stopCh, w.doneCh)

	log.Info().
		Dur("max_age", w.maxAge).
		Dur("interval", w.interval).
		Msg("Session sweeper started")

	return nil
}

// Stop stops the sweeper and waits for an in-progress sweep.
func (w *Sweeper) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("sweeper is not running")
	}
	close(w.stopCh)
	done := w.doneCh
	w.running = false
	w.mu.Unlock()

	<-done
	log.Info().Msg("Session sweeper stopped")

	return nil
}

// IsRunning returns whether the sweeper is running
func (w *Sweeper) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Sweeper) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if _, err := w.SweepNow(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to sweep stale sessions")
	}

	for {
		select {
		case <-ticker.C:
			if _, err := w.SweepNow(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to sweep stale sessions")
			}
		case <-stopCh:
			return
		}
	}
}

// SweepNow removes stale and unreadable records immediately and returns how
// many were removed. The live session and the one the pointer names are kept.
func (w *Sweeper) SweepNow(ctx context.Context) (int, error) {
	keys, err := w.store.durable.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list session records: %w", err)
	}

	keep := map[string]bool{w.store.Stats().SessionID: true}
	if id, err := w.store.pointer.Load(); err == nil && id != "" {
		keep[id] = true
	}

	now := w.store.now()
	removed := 0
	for _, key := range keys {
		if keep[key] {
			continue
		}

		stale, age, err := w.isStale(ctx, key, now)
		if err != nil {
			log.Warn().Str("session_id", key).Err(err).Msg("Failed to inspect session record")
			continue
		}
		if !stale {
			continue
		}

		if err := w.store.durable.Remove(ctx, key); err != nil {
			log.Error().Str("session_id", key).Err(err).Msg("Failed to remove session record")
			continue
		}
		removed++

		log.Debug().
			Str("session_id", key).
			Dur("age", age).
			Msg("Stale session record removed")
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Swept stale session records")
	}
	return removed, nil
}

func (w *Sweeper) isStale(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	data, found, err := w.store.durable.Get(ctx, key)
	if err != nil {
		return false, 0, err
	}
	if !found {
		return false, 0, nil
	}

	var rec telemetry.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// unreadable records can never be recovered
		return true, 0, nil
	}
	age := now.Sub(rec.CreatedAt)
	return age >= w.maxAge, age, nil
}

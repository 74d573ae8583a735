package daemon

import (
	"context"
	"time"

	"github.com/harun/beacon/internal/observability"
)

const maintenanceInterval = 30 * time.Second

// EventLoop handles the main event processing loop
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run runs the event loop with periodic maintenance tasks
func (e *EventLoop) Run(ctx context.Context) {
	log := e.daemon.logger.GetZerolog()
	log.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks refreshes gauges and reports a stuck delivery pipeline
func (e *EventLoop) processTasks() {
	log := e.daemon.logger.GetZerolog()
	stats := e.daemon.store.Stats()

	observability.SetBufferLength(stats.Buffered)
	observability.SetQueueSize(stats.Queue.Pending)
	observability.SetBreakerState(stats.Queue.Breaker.Open, stats.Queue.Breaker.Failures)

	if stats.Queue.Breaker.Open {
		log.Warn().
			Int("buffered", stats.Buffered).
			Int("failures", stats.Queue.Breaker.Failures).
			Time("opened_at", stats.Queue.Breaker.OpenedAt).
			Msg("Delivery paused by circuit breaker")
		return
	}

	if stats.Buffered > 0 || stats.Queue.Pending > 0 {
		log.Debug().
			Str("session_id", stats.SessionID).
			Int("buffered", stats.Buffered).
			Int("pending", stats.Queue.Pending).
			Int("completed", stats.Queue.Completed).
			Int("failed", stats.Queue.Failed).
			Msg("Session stats")
	}
}

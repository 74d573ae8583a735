package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/beacon/internal/observability"
	"github.com/harun/beacon/internal/tracing"
	"github.com/harun/beacon/pkg/telemetry"
	"github.com/harun/beacon/pkg/transport"
	"github.com/harun/beacon/pkg/uploadqueue"
	"github.com/rs/zerolog/log"
)

// flushTask uploads the oldest events of the live buffer inside header. The
// batch is resolved when the task runs, not when it is queued, so queued
// tasks never carry stale events.
func (s *Store) flushTask(header telemetry.Record) uploadqueue.Task {
	return func(ctx context.Context) (int, error) {
		endpoint := s.endpoint()
		if endpoint == "" {
			return 0, transport.ErrNoEndpoint
		}

		s.mu.Lock()
		batch := s.record.Batch(s.batchLimit)
		s.mu.Unlock()
		if len(batch) == 0 {
			return 0, uploadqueue.ErrSkipped
		}

		doc := header
		doc.EventBuffer = batch
		if err := s.sender.Send(ctx, endpoint, doc); err != nil {
			return 0, err
		}

		// commits only append, so the acknowledged events are still the
		// first len(batch) entries
		s.mu.Lock()
		s.record.Trim(len(batch))
		buffered := len(s.record.EventBuffer)
		s.mu.Unlock()

		observability.SetBufferLength(buffered)
		s.snapshot.Trigger()
		return len(batch), nil
	}
}

// recoveryTask uploads a previous session's whole buffer and removes its
// durable record once the collector accepts it.
func (s *Store) recoveryTask(prev telemetry.Record) uploadqueue.Task {
	return func(ctx context.Context) (int, error) {
		endpoint := s.endpoint()
		if endpoint == "" {
			return 0, transport.ErrNoEndpoint
		}
		if len(prev.EventBuffer) == 0 {
			return 0, uploadqueue.ErrSkipped
		}

		if err := s.sender.Send(ctx, endpoint, prev); err != nil {
			return 0, err
		}

		logger := tracing.LoggerFromContext(ctx, log.Logger)
		if err := s.durable.Remove(ctx, prev.SessionID); err != nil {
			logger.Warn().Err(err).Str("recovered_session_id", prev.SessionID).Msg("Failed to remove recovered session")
		}

		observability.RecordRecovery("uploaded")
		observability.RecordSessionAudit(ctx, "recovered", prev.SessionID, "success", map[string]interface{}{
			"events": len(prev.EventBuffer),
		})
		return len(prev.EventBuffer), nil
	}
}

// writeSnapshot mirrors the live record into durable storage. A failed
// write is not retried; the next commit schedules another.
func (s *Store) writeSnapshot() {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if s.record == nil || s.closed {
		s.mu.Unlock()
		return
	}
	rec := s.record.Clone()
	pointerPending := s.pointerPending
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	start := time.Now()
	err := s.persist(ctx, &rec)
	observability.RecordSnapshotWrite(time.Since(start), err == nil)
	if err != nil {
		log.Error().Err(err).Str("session_id", rec.SessionID).Msg("Snapshot write failed")
		return
	}

	if !pointerPending {
		return
	}
	if err := s.pointer.Store(rec.SessionID); err != nil {
		log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("Failed to write recovery pointer")
		return
	}
	s.mu.Lock()
	s.pointerPending = false
	s.mu.Unlock()
}

// FlushSnapshot writes a pending snapshot immediately. It reports whether a
// write was pending.
func (s *Store) FlushSnapshot() bool {
	return s.snapshot.Flush()
}

func (s *Store) persist(ctx context.Context, rec *telemetry.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotWrite, err)
	}
	if err := s.durable.Set(ctx, rec.SessionID, data); err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshotWrite, err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, sessionID string) (telemetry.Record, bool, error) {
	data, found, err := s.durable.Get(ctx, sessionID)
	if err != nil {
		return telemetry.Record{}, false, fmt.Errorf("%w: %w", ErrRecoveryRead, err)
	}
	if !found {
		return telemetry.Record{}, false, nil
	}
	var rec telemetry.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return telemetry.Record{}, false, fmt.Errorf("%w: %w", ErrRecoveryRead, err)
	}
	if rec.SessionID == "" {
		rec.SessionID = sessionID
	}
	return rec, true, nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/beacon/internal/observability"
	"github.com/harun/beacon/internal/tracing"
	"github.com/harun/beacon/pkg/debounce"
	"github.com/harun/beacon/pkg/durable"
	"github.com/harun/beacon/pkg/policy"
	"github.com/harun/beacon/pkg/telemetry"
	"github.com/harun/beacon/pkg/transport"
	"github.com/harun/beacon/pkg/uploadqueue"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNotInitialized is returned by operations that need a live record before Init.
	ErrNotInitialized = errors.New("session store not initialized")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("session store already initialized")
	// ErrClosed is returned by commits after Shutdown.
	ErrClosed = errors.New("session store shut down")
	// ErrRecoveryRead wraps failures reading the previous session.
	ErrRecoveryRead = errors.New("failed to read recovered session")
	// ErrSnapshotWrite wraps failures persisting the live record.
	ErrSnapshotWrite = errors.New("failed to write session snapshot")
)

const (
	DefaultBatchLimit       = 500
	DefaultSnapshotDebounce = 16 * time.Millisecond
	DefaultDrainDebounce    = 200 * time.Millisecond

	// Upload task kinds.
	KindLive     = "live"
	KindRecovery = "recovery"

	// bootstrapThreshold is the buffer size a recovered or closing session
	// must exceed to be worth an upload.
	bootstrapThreshold = 1

	ioTimeout = 5 * time.Second
)

// Options configures a Store. Durable, Pointer and Sender are required.
type Options struct {
	Durable durable.Store
	Pointer durable.Pointer
	Sender  transport.Sender

	// Queue is used when set; otherwise the store creates and owns one.
	Queue        *uploadqueue.Queue
	QueueOptions uploadqueue.Options

	// Engine is used when set; otherwise the store builds one holding the
	// default policies configured by Policies.
	Engine   *policy.Engine
	Policies policy.Options

	Path     string
	FullPath string
	Config   Config

	BatchLimit       int
	SnapshotDebounce time.Duration
	DrainDebounce    time.Duration

	Now func() time.Time
}

// Stats summarises the live session.
type Stats struct {
	SessionID         string            `json:"sessionId"`
	PreviousSessionID string            `json:"previousSessionId,omitempty"`
	Buffered          int               `json:"buffered"`
	PageViews         int               `json:"pageViews"`
	PointerPending    bool              `json:"pointerPending"`
	Policies          []string          `json:"policies"`
	Queue             uploadqueue.Stats `json:"queue"`
}

// Store owns the live session record.
type Store struct {
	mu             sync.Mutex
	record         *telemetry.Record
	last           *telemetry.Event
	cfg            Config
	pointerPending bool
	closed         bool

	initMu    sync.Mutex
	persistMu sync.Mutex

	durable    durable.Store
	pointer    durable.Pointer
	sender     transport.Sender
	queue      *uploadqueue.Queue
	ownsQueue  bool
	engine     *policy.Engine
	batchLimit int
	path       string
	fullPath   string
	now        func() time.Time

	snapshot *debounce.Debouncer
	drain    *debounce.Debouncer
}

// New builds a Store. It does not touch storage; call Init for that.
func New(opts Options) (*Store, error) {
	observability.EnsureRegistered()

	if opts.Durable == nil {
		return nil, fmt.Errorf("session store requires a durable store")
	}
	if opts.Pointer == nil {
		return nil, fmt.Errorf("session store requires a recovery pointer")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("session store requires a sender")
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	if opts.SnapshotDebounce <= 0 {
		opts.SnapshotDebounce = DefaultSnapshotDebounce
	}
	if opts.DrainDebounce <= 0 {
		opts.DrainDebounce = DefaultDrainDebounce
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Path == "" {
		opts.Path = "/"
	}

	s := &Store{
		cfg:        Config{}.merge(opts.Config),
		durable:    opts.Durable,
		pointer:    opts.Pointer,
		sender:     opts.Sender,
		queue:      opts.Queue,
		engine:     opts.Engine,
		batchLimit: opts.BatchLimit,
		path:       opts.Path,
		fullPath:   opts.FullPath,
		now:        opts.Now,
	}

	if s.engine == nil {
		s.engine = policy.NewEngine()
		defaults, err := policy.Defaults(s.engine, opts.Policies)
		if err != nil {
			return nil, err
		}
		s.engine.Replace(defaults)
	}
	s.engine.OnFire(s.onPolicyFired)

	if s.queue == nil {
		s.queue = uploadqueue.New(opts.QueueOptions)
		s.ownsQueue = true
	}

	s.snapshot = debounce.New(opts.SnapshotDebounce, s.writeSnapshot)
	s.drain = debounce.New(opts.DrainDebounce, s.queue.Drain)

	return s, nil
}

// Init starts a new session. A session left behind by a previous process is
// linked to the new one and its buffer is queued for upload. Storage errors
// are logged, never returned; the returned record is a copy.
func (s *Store) Init(ctx context.Context) (telemetry.Record, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return telemetry.Record{}, ErrClosed
	case s.record != nil:
		s.mu.Unlock()
		return telemetry.Record{}, ErrAlreadyInitialized
	}
	cfg := s.cfg
	s.mu.Unlock()

	rec := telemetry.NewRecord(uuid.NewString(), s.path, s.fullPath, s.now())
	rec.Application = cfg.ApplicationName
	rec.Metadata = cfg.metadata()

	ctx = tracing.WithSessionID(ctx, rec.SessionID)
	ctx, span := tracing.StartSpan(ctx, "beacon.session", "session.init")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	prevID, err := s.pointer.Load()
	if err != nil {
		logger.Warn().Err(fmt.Errorf("%w: %v", ErrRecoveryRead, err)).Msg("Failed to load recovery pointer")
	}
	if prevID != "" && prevID != rec.SessionID {
		rec.PreviousSessionID = prevID
		rec.PageStack[0].PreviousSessionID = prevID
		if err := s.pointer.Clear(); err != nil {
			logger.Warn().Err(err).Msg("Failed to clear recovery pointer")
		}
		s.recover(ctx, prevID)
	}

	start := time.Now()
	persistErr := s.persist(ctx, rec)
	observability.RecordSnapshotWrite(time.Since(start), persistErr == nil)

	pointerPending := persistErr != nil
	if persistErr != nil {
		logger.Error().Err(persistErr).Msg("Failed to persist new session")
	} else if err := s.pointer.Store(rec.SessionID); err != nil {
		pointerPending = true
		logger.Warn().Err(err).Msg("Failed to write recovery pointer")
	}

	s.mu.Lock()
	s.record = rec
	s.pointerPending = pointerPending
	out := rec.Clone()
	s.mu.Unlock()

	span.SetAttributes(attribute.String("beacon.previous_session_id", prevID))
	logger.Info().
		Str("previous_session_id", prevID).
		Str("application", rec.Application).
		Msg("Session started")

	return out, nil
}

// recover loads the previous session and queues its buffer for upload.
func (s *Store) recover(ctx context.Context, prevID string) {
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("recovered_session_id", prevID).Logger()

	prev, found, err := s.load(ctx, prevID)
	if err != nil {
		logger.Warn().Err(err).Msg("Skipping session recovery")
		observability.RecordRecovery("read_error")
		return
	}
	if !found {
		logger.Debug().Msg("Recovered session has no durable record")
		observability.RecordRecovery("missing")
		return
	}

	if len(prev.EventBuffer) <= bootstrapThreshold {
		if err := s.durable.Remove(ctx, prevID); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove trivial recovered session")
		}
		observability.RecordRecovery("trivial")
		return
	}

	if err := s.queue.Enqueue(ctx, KindRecovery, s.recoveryTask(prev)); err != nil {
		logger.Error().Err(err).Msg("Failed to queue recovered session")
		observability.RecordRecovery("dropped")
		return
	}
	s.drain.Trigger()

	logger.Info().Int("events", len(prev.EventBuffer)).Msg("Recovered session queued for upload")
	observability.RecordRecovery("queued")
}

// Commit appends ev to the live buffer, or a page view when ev is a route change.
func (s *Store) Commit(ev telemetry.Event) error {
	if ev.Kind == telemetry.KindRouteChange {
		rc, err := ev.Route()
		if err != nil {
			return err
		}
		return s.CommitRoute(rc)
	}

	s.mu.Lock()
	if err := s.liveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	stamped := s.record.Append(ev.Clone())
	last := stamped.Clone()
	s.last = &last
	snap := s.summaryLocked()
	s.mu.Unlock()

	observability.RecordCommit(ev.Kind, snap.Buffered)
	s.afterCommit(snap)
	return nil
}

// CommitRoute pushes a new page view. The event buffer is left untouched.
func (s *Store) CommitRoute(rc telemetry.RouteChange) error {
	if rc.Path == "" {
		return fmt.Errorf("route change requires a path")
	}

	s.mu.Lock()
	if err := s.liveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if rc.Timestamp.IsZero() {
		rc.Timestamp = s.now()
	}
	s.record.PushPageView(rc)
	last := telemetry.RouteEvent(rc)
	s.last = &last
	snap := s.summaryLocked()
	s.mu.Unlock()

	observability.RecordCommit(telemetry.KindRouteChange, snap.Buffered)
	s.afterCommit(snap)
	return nil
}

// AddCustomInfo commits payload as a custom info event.
func (s *Store) AddCustomInfo(payload any) error {
	ev, err := telemetry.NewEvent(telemetry.KindCustomInfo, s.now(), payload)
	if err != nil {
		return err
	}
	return s.Commit(ev)
}

func (s *Store) afterCommit(snap policy.Snapshot) {
	s.snapshot.Trigger()
	s.dispatch(snap)
}

// dispatch evaluates the policies and enqueues one upload if any fired.
func (s *Store) dispatch(snap policy.Snapshot) {
	fired := s.engine.Evaluate(snap)
	if len(fired) == 0 {
		return
	}
	for _, name := range fired {
		observability.RecordPolicyFired(name)
	}
	log.Debug().
		Str("session_id", snap.SessionID).
		Strs("policies", fired).
		Int("buffered", snap.Buffered).
		Msg("Flush policy triggered")
	_ = s.enqueueFlush(context.Background(), false)
}

func (s *Store) onPolicyFired(name string) {
	s.mu.Lock()
	if s.record == nil || s.closed || len(s.record.EventBuffer) == 0 {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	observability.RecordPolicyFired(name)
	_ = s.enqueueFlush(context.Background(), false)
}

// enqueueFlush queues a live upload carrying the current record header and
// schedules a drain. immediate skips the drain debounce.
func (s *Store) enqueueFlush(ctx context.Context, immediate bool) error {
	s.mu.Lock()
	if err := s.liveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	header := s.record.Header()
	s.mu.Unlock()

	ctx = tracing.WithSessionID(ctx, header.SessionID)
	if err := s.queue.Enqueue(ctx, KindLive, s.flushTask(header)); err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Msg("Failed to queue upload")
		return err
	}
	if immediate {
		s.queue.Drain()
	} else {
		s.drain.Trigger()
	}
	return nil
}

// Flush queues an upload of the live buffer and starts draining right away.
func (s *Store) Flush(ctx context.Context) error {
	return s.enqueueFlush(ctx, true)
}

// Wait blocks until the upload queue has finished its current drain.
func (s *Store) Wait(ctx context.Context) error {
	return s.queue.Wait(ctx)
}

// ResetBreaker closes the upload circuit breaker and resumes draining.
func (s *Store) ResetBreaker() {
	s.queue.ResetBreaker()
}

// Configure merges cfg into the current configuration. After Init the
// application name and metadata are applied to the live record as well.
func (s *Store) Configure(cfg Config) {
	s.mu.Lock()
	s.cfg = s.cfg.merge(cfg)
	merged := s.cfg
	live := s.record != nil && !s.closed
	if live {
		s.record.Application = merged.ApplicationName
		s.record.Metadata = merged.metadata()
	}
	s.mu.Unlock()

	if live {
		s.snapshot.Trigger()
	}

	log.Info().
		Str("application", merged.ApplicationName).
		Bool("endpoint_set", merged.UploadEndpoint != "").
		Int("metadata_keys", len(merged.ExtraMetadata)).
		Msg("Session configuration updated")
	observability.RecordConfigAudit(context.Background(), "session_configured", map[string]interface{}{
		"application":  merged.ApplicationName,
		"endpoint_set": merged.UploadEndpoint != "",
	})
}

// Config returns the merged configuration.
func (s *Store) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Config{}.merge(s.cfg)
}

func (s *Store) endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.UploadEndpoint
}

// ClearPolicies removes every flush policy.
func (s *Store) ClearPolicies() {
	s.engine.Clear()
}

// AddPolicy registers a named predicate, replacing one with the same name,
// and evaluates the policies against the live record.
func (s *Store) AddPolicy(name string, predicate policy.Predicate) {
	s.engine.Add(policy.Policy{Name: name, Predicate: predicate})
	s.reevaluate()
}

// UpdatePolicy swaps the predicate of a named policy. Unknown names are ignored.
func (s *Store) UpdatePolicy(name string, predicate policy.Predicate) bool {
	if !s.engine.Update(name, predicate) {
		return false
	}
	s.reevaluate()
	return true
}

// Policies returns the registered policy names in evaluation order.
func (s *Store) Policies() []string {
	return s.engine.Names()
}

func (s *Store) reevaluate() {
	s.mu.Lock()
	if s.liveLocked() != nil {
		s.mu.Unlock()
		return
	}
	snap := s.summaryLocked()
	s.mu.Unlock()

	s.dispatch(snap)
}

// Snapshot returns a deep copy of the live record.
func (s *Store) Snapshot() (telemetry.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return telemetry.Record{}, ErrNotInitialized
	}
	return s.record.Clone(), nil
}

// Stats returns buffer, page and queue counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	stats := Stats{PointerPending: s.pointerPending}
	if s.record != nil {
		stats.SessionID = s.record.SessionID
		stats.PreviousSessionID = s.record.PreviousSessionID
		stats.Buffered = len(s.record.EventBuffer)
		stats.PageViews = len(s.record.PageStack)
	}
	s.mu.Unlock()

	stats.Policies = s.engine.Names()
	stats.Queue = s.queue.Stats()
	return stats
}

// Shutdown stops policies and timers, makes one last upload attempt when the
// buffer is worth it, and deletes this session's durable record. It waits at
// most until ctx is done.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.record == nil {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	header := s.record.Header()
	buffered := len(s.record.EventBuffer)
	s.mu.Unlock()

	ctx = tracing.WithSessionID(ctx, header.SessionID)
	ctx, span := tracing.StartSpan(ctx, "beacon.session", "session.shutdown",
		attribute.Int("beacon.buffered", buffered))
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	s.engine.Close()
	s.snapshot.Stop()
	s.drain.Stop()

	var errs []error
	if buffered > bootstrapThreshold {
		if err := s.queue.Enqueue(ctx, KindLive, s.flushTask(header)); err != nil {
			errs = append(errs, fmt.Errorf("failed to queue final upload: %w", err))
		}
	}
	// also lets an in-flight drain finish before the record goes away
	if err := s.queue.DrainAndWait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final upload did not finish: %w", err))
	}

	removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ioTimeout)
	s.persistMu.Lock()
	if err := s.durable.Remove(removeCtx, header.SessionID); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove session record: %w", err))
	}
	s.persistMu.Unlock()
	cancel()

	if s.ownsQueue {
		_ = s.queue.Close()
	}

	s.mu.Lock()
	remaining := len(s.record.EventBuffer)
	s.mu.Unlock()

	err := errors.Join(errs...)
	status := "success"
	if err != nil {
		status = "failure"
		logger.Warn().Err(err).Int("remaining", remaining).Msg("Session shut down with errors")
	} else {
		logger.Info().Int("remaining", remaining).Msg("Session shut down")
	}
	observability.RecordSessionAudit(ctx, "shutdown", header.SessionID, status, map[string]interface{}{
		"buffered":  buffered,
		"remaining": remaining,
	})
	tracing.EndSpan(span, err)

	return err
}

func (s *Store) liveLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.record == nil {
		return ErrNotInitialized
	}
	return nil
}

func (s *Store) summaryLocked() policy.Snapshot {
	snap := policy.Snapshot{
		SessionID: s.record.SessionID,
		Buffered:  len(s.record.EventBuffer),
		PageViews: len(s.record.PageStack),
		Age:       s.now().Sub(s.record.CreatedAt),
	}
	if s.last != nil {
		last := s.last.Clone()
		snap.Last = &last
	}
	return snap
}

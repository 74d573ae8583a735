package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/beacon/internal/observability"
	"github.com/harun/beacon/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrQueueFull is returned by Enqueue when MaxPending tasks are waiting.
	ErrQueueFull = errors.New("upload queue full")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("upload queue closed")
	// ErrSkipped is returned by a task that had nothing to send.
	ErrSkipped = errors.New("upload skipped")
)

// Queue defaults.
const (
	DefaultMaxPending = 1000
	DefaultTimeout    = 30 * time.Second
)

// Task performs one upload and returns how many events it delivered.
type Task func(ctx context.Context) (int, error)

// Options configures a Queue.
type Options struct {
	MaxPending int
	// Timeout bounds a single task attempt.
	Timeout time.Duration
	Breaker *Breaker
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string                 // "enqueued", "completed", "blocked" or "breaker_opened"
	Kind   string                 // Task kind, e.g. "live" or "recovery"
	TaskID string                 // Task ID
	Data   map[string]interface{} // Additional event data
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending   int          `json:"pending"`
	Draining  bool         `json:"draining"`
	Completed int          `json:"completed"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Breaker   BreakerState `json:"breaker"`
}

type taskRecord struct {
	id         string
	kind       string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
}

// Queue is a FIFO of upload tasks drained by a single worker goroutine.
type Queue struct {
	mu         sync.Mutex
	tasks      []*taskRecord
	taskIDSeq  int
	draining   bool
	again      bool
	idle       chan struct{}
	closed     bool
	retryTimer *time.Timer

	completed int
	failed    int
	skipped   int

	maxPending int
	timeout    time.Duration
	breaker    *Breaker

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates an idle queue.
func New(opts Options) *Queue {
	observability.EnsureRegistered()

	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Breaker == nil {
		opts.Breaker = NewBreaker(DefaultCeiling, DefaultCooldown)
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Queue{
		idle:          idle,
		maxPending:    opts.MaxPending,
		timeout:       opts.Timeout,
		breaker:       opts.Breaker,
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[string][]EventHandler),
	}
}

// Enqueue appends a task. It does not start a drain.
func (q *Queue) Enqueue(ctx context.Context, kind string, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.tasks) >= q.maxPending {
		q.mu.Unlock()
		observability.RecordQueueRejected()
		return ErrQueueFull
	}
	q.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", kind, q.taskIDSeq),
		kind:       kind,
		task:       task,
		ctx:        tracing.Detach(ctx),
		enqueuedAt: time.Now(),
	}
	q.tasks = append(q.tasks, record)
	queueSize := len(q.tasks)
	q.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("kind", kind).
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Upload task enqueued")

	observability.RecordQueueEnqueue(kind, queueSize)

	q.emit(Event{
		Type:   "enqueued",
		Kind:   kind,
		TaskID: record.id,
		Data: map[string]interface{}{
			"queueSize": queueSize,
		},
	})

	return nil
}

// Drain starts a drain on a worker goroutine if none is running. A Drain
// during a running drain makes that drain take one more pass before it stops.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if q.draining {
		q.again = true
		return
	}
	q.draining = true
	q.idle = make(chan struct{})
	q.wg.Add(1)
	go q.run()
}

// Wait blocks until no drain is running or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DrainAndWait drains the queue and waits for the drain to finish.
func (q *Queue) DrainAndWait(ctx context.Context) error {
	q.Drain()
	return q.Wait(ctx)
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Stats returns queue counters and the breaker state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:   len(q.tasks),
		Draining:  q.draining,
		Completed: q.completed,
		Failed:    q.failed,
		Skipped:   q.skipped,
		Breaker:   q.breaker.State(),
	}
}

// Breaker returns the queue's circuit breaker.
func (q *Queue) Breaker() *Breaker {
	return q.breaker
}

// ResetBreaker closes the breaker and drains whatever is pending.
func (q *Queue) ResetBreaker() {
	q.breaker.Reset()
	observability.SetBreakerState(false, 0)
	log.Info().Msg("Upload breaker reset")
	q.Drain()
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		q.drainOnce()

		q.mu.Lock()
		if q.again && !q.closed {
			q.again = false
			q.mu.Unlock()
			continue
		}
		q.again = false
		q.draining = false
		close(q.idle)
		q.mu.Unlock()
		return
	}
}

// drainOnce runs tasks until the queue is empty, the breaker refuses, or the
// queue is closed.
func (q *Queue) drainOnce() {
	for {
		q.mu.Lock()
		if q.closed || len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}

		ok, wait := q.breaker.Allow()
		if !ok {
			pending := len(q.tasks)
			q.armRetry(wait)
			q.mu.Unlock()

			log.Warn().
				Int("pending", pending).
				Dur("retryIn", wait).
				Msg("Upload breaker open, drain paused")
			q.emit(Event{
				Type: "blocked",
				Data: map[string]interface{}{
					"pending": pending,
					"retryIn": wait.Milliseconds(),
				},
			})
			return
		}

		record := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.execute(record)
	}
}

// armRetry schedules a drain for when the breaker admits a probe. Callers hold q.mu.
func (q *Queue) armRetry(wait time.Duration) {
	if wait <= 0 {
		return
	}
	if q.retryTimer != nil {
		q.retryTimer.Stop()
	}
	q.retryTimer = time.AfterFunc(wait, q.Drain)
}

func (q *Queue) execute(record *taskRecord) {
	taskCtx := tracing.WithTaskID(record.ctx, record.id)
	taskCtx, span := tracing.StartSpan(
		taskCtx,
		"beacon.uploadqueue",
		"uploadqueue.execute_task",
		attribute.String("kind", record.kind),
	)

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithTimeout(taskCtx, q.timeout)
	stopCancel := context.AfterFunc(q.ctx, cancel)

	startTime := time.Now()
	sent, err := q.invoke(runCtx, record)
	duration := time.Since(startTime)

	stopCancel()
	cancel()

	status := observability.StatusSuccess
	opened := false
	switch {
	case errors.Is(err, ErrSkipped):
		status = observability.StatusSkipped
		q.breaker.Neutral()
	case err != nil:
		status = observability.StatusError
		opened = q.breaker.Failure()
	default:
		q.breaker.Success()
	}
	state := q.breaker.State()

	q.mu.Lock()
	switch status {
	case observability.StatusSuccess:
		q.completed++
	case observability.StatusSkipped:
		q.skipped++
	default:
		q.failed++
	}
	queueSize := len(q.tasks)
	q.mu.Unlock()

	switch status {
	case observability.StatusError:
		logger.Error().
			Str("kind", record.kind).
			Dur("duration", duration).
			Int("failures", state.Failures).
			Err(err).
			Msg("Upload task failed")
	case observability.StatusSkipped:
		logger.Debug().
			Str("kind", record.kind).
			Msg("Upload task skipped")
	default:
		logger.Debug().
			Str("kind", record.kind).
			Int("sent", sent).
			Dur("duration", duration).
			Msg("Upload task completed")
	}

	if status == observability.StatusError {
		tracing.EndSpan(span, err)
	} else {
		span.End()
	}

	observability.RecordQueueCompletion(record.kind, status, duration, sent, queueSize)
	observability.SetBreakerState(state.Open, state.Failures)

	q.emit(Event{
		Type:   "completed",
		Kind:   record.kind,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"status":   status,
			"sent":     sent,
		},
	})

	if opened {
		logger.Warn().
			Int("failures", state.Failures).
			Msg("Upload breaker opened")
		observability.RecordDeliveryAudit(taskCtx, "breaker_opened", "failure", map[string]interface{}{
			"failures": state.Failures,
			"error":    err.Error(),
		})
		q.emit(Event{
			Type:   "breaker_opened",
			Kind:   record.kind,
			TaskID: record.id,
			Data: map[string]interface{}{
				"failures": state.Failures,
			},
		})
	}
}

func (q *Queue) invoke(ctx context.Context, record *taskRecord) (sent int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upload task panicked: %v", r)
		}
	}()
	return record.task(ctx)
}

// Close cancels in-flight work, drops pending tasks and waits for the worker to exit.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := len(q.tasks)
	q.tasks = nil
	if q.retryTimer != nil {
		q.retryTimer.Stop()
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	if dropped > 0 {
		log.Info().Int("dropped", dropped).Msg("Upload queue closed with pending tasks")
	}
	observability.SetQueueSize(0)
	return nil
}

// On registers an event handler for a specific event type
func (q *Queue) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// Off removes an event handler (removes all handlers for the event type)
func (q *Queue) Off(eventType string) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	delete(q.eventHandlers, eventType)
}

// emit emits an event synchronously to all registered handlers
func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

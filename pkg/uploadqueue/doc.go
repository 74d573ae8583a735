// Package uploadqueue runs upload tasks one at a time in FIFO order, guarded by
// a consecutive-failure circuit breaker.
//
// Invariants:
// - At most one task runs at any moment; tasks start in enqueue order.
// - Drain never blocks the caller; a Drain during a drain schedules one more pass.
// - While the breaker is open no task is started and pending tasks stay queued.
// - A task returning ErrSkipped leaves the breaker untouched.
// - Queue activity is observable through enqueued/completed/blocked events and metrics.
//
// Usage:
//
//	q := uploadqueue.New(uploadqueue.Options{})
//	defer q.Close()
//	_ = q.Enqueue(ctx, "live", func(ctx context.Context) (int, error) {
//		return 12, sender.Send(ctx, endpoint, doc)
//	})
//	q.Drain()
package uploadqueue

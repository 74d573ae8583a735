// Package policy decides when buffered telemetry should be flushed.
//
// An Engine holds an ordered list of named predicates evaluated after every
// commit. Predicates that decide later (the time window and cron schedule)
// report through the engine's OnFire handler instead of their return value.
//
// Invariants:
// - Policies are evaluated in registration order.
// - Names are unique; Add with an existing name replaces that policy in place.
// - Update on an unknown name is a no-op.
// - A panicking predicate counts as "no flush" and does not stop evaluation.
//
// Usage:
//
//	engine := policy.NewEngine()
//	defaults, _ := policy.Defaults(engine, policy.Options{})
//	engine.Replace(defaults)
//	engine.OnFire(func(name string) { /* flush */ })
//	fired := engine.Evaluate(policy.Snapshot{Buffered: 101})
//	_ = fired
package policy

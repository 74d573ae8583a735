// Package telemetry defines the session record buffered by beacon and the events
// committed into it.
//
// Invariants:
// - The page stack is append-only and always holds the initial page view.
// - The event buffer preserves commit order and is only trimmed from the front.
// - Clone returns a copy that shares no mutable state with its source.
//
// Usage:
//
//	ev, _ := telemetry.NewEvent(telemetry.KindError, time.Now(), map[string]any{"msg": "boom"})
//	rec := telemetry.NewRecord("session-id", "https://app/", "https://app/?q=1", time.Now())
//	copy := rec.Clone()
//	_ = copy
//	_ = ev
package telemetry

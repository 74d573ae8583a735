// Package durable persists session records across process restarts.
//
// Two stores are provided: a namespaced key-value Store holding one serialized
// record per session id, and a single-slot Pointer naming the most recent
// session not yet known to be flushed. The pointer is kept apart from the
// record store so startup can check it without touching the database.
//
// Invariants:
// - Keys written under one namespace are invisible to every other namespace.
// - Get on a missing key reports found=false with a nil error.
// - Remove on a missing key is not an error.
// - The pointer holds at most one session id; Store overwrites it.
//
// Usage:
//
//	store, _ := durable.OpenSQLite(ctx, "/var/lib/beacon/beacon.db", "my-app")
//	defer store.Close()
//	_ = store.Set(ctx, "session-1", []byte(`{}`))
//	ptr := durable.NewFilePointer("/var/lib/beacon/pointer")
//	_ = ptr.Store("session-1")
package durable

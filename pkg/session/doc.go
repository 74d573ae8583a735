// Package session owns the live telemetry session: it buffers committed
// events, mirrors the record into durable storage, hands off a crashed
// predecessor's buffer for upload, and asks the upload queue to flush when a
// policy fires.
//
// Invariants:
// - The event buffer keeps commit order; it is only trimmed from the front,
//   and only by the number of events the collector acknowledged.
// - Every commit evaluates the policies once and enqueues at most one upload.
// - Durable writes, recovery and uploads never surface errors to producers.
// - The live record never leaves the store; readers get deep copies.
//
// Usage:
//
//	store, _ := session.New(session.Options{
//		Durable: db,
//		Pointer: durable.NewFilePointer(path),
//		Sender:  sender,
//		Config:  session.Config{UploadEndpoint: "https://collector.example/v1/batch"},
//	})
//	_, _ = store.Init(ctx)
//	_ = store.Commit(ev)
//	defer store.Shutdown(ctx)
package session

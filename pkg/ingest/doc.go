// Package ingest exposes a session store over HTTP and websocket so
// out-of-process producers can commit events.
//
// Invariants:
// - Request bodies are validated against JSON schemas before any commit.
// - A request's events are committed in body order.
// - When a shared secret is set, every POST carries an HMAC-SHA256 signature
//   and every websocket upgrade a signed, recent timestamp.
// - Stop rejects new requests and waits for in-flight ones.
//
// Usage:
//
//	srv, _ := ingest.NewServer(ingest.ServerOptions{Port: 7410}, store, logger)
//	go srv.Start()
//	defer srv.Stop(ctx)
package ingest

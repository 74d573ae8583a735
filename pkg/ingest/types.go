package ingest

import (
	"context"
	"time"

	"github.com/harun/beacon/pkg/session"
	"github.com/harun/beacon/pkg/telemetry"
)

// Sink is the session surface the server drives. *session.Store implements it.
type Sink interface {
	Commit(ev telemetry.Event) error
	CommitRoute(rc telemetry.RouteChange) error
	Snapshot() (telemetry.Record, error)
	Flush(ctx context.Context) error
	Wait(ctx context.Context) error
	Policies() []string
	Stats() session.Stats
}

// ServerOptions configures the ingest server
type ServerOptions struct {
	Host string
	Port int
	// SharedSecret enables HMAC-SHA256 request signatures in SignatureHeader.
	// Websocket upgrades sign the TimestampHeader value instead of a body.
	SharedSecret string
	// RateLimitPerMinute caps requests per client IP; negative disables it.
	RateLimitPerMinute int
	MaxBodyBytes       int64
	ShutdownTimeout    time.Duration
}

const (
	SignatureHeader = "X-Beacon-Signature"
	// TimestampHeader carries the signed unix time of a websocket upgrade.
	TimestampHeader = "X-Beacon-Timestamp"

	defaultPort         = 7410
	defaultRateLimit    = 6000
	defaultMaxBodyBytes = 1 << 20
	defaultShutdown     = 10 * time.Second
)

// acceptedResponse is returned by the commit endpoints.
type acceptedResponse struct {
	Accepted int `json:"accepted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

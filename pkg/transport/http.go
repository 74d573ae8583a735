// Package transport delivers upload batches to the collector endpoint.
//
// A delivery is a single POST of a JSON document. Any 2xx or 304 response is
// success; everything else, including network errors and timeouts, is a
// *Error. An empty endpoint fails fast with ErrNoEndpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// ErrNoEndpoint reports that no upload endpoint is configured.
var ErrNoEndpoint = errors.New("upload endpoint unset")

// Compression names accepted by Options.Compression.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// DefaultTimeout bounds a single delivery when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Error is a failed delivery: a network failure (StatusCode 0) or a response
// outside 2xx/304.
type Error struct {
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("upload failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Sender delivers one document to endpoint.
type Sender interface {
	Send(ctx context.Context, endpoint string, doc any) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, endpoint string, doc any) error

func (f SenderFunc) Send(ctx context.Context, endpoint string, doc any) error {
	return f(ctx, endpoint, doc)
}

// Options configures an HTTP sender.
type Options struct {
	Timeout     time.Duration
	Compression string
	Headers     map[string]string
	Client      *http.Client
}

// HTTP posts JSON documents over HTTP.
type HTTP struct {
	client      *http.Client
	timeout     time.Duration
	compression string
	headers     map[string]string
}

// NewHTTP returns an HTTP sender.
func NewHTTP(opts Options) (*HTTP, error) {
	switch opts.Compression {
	case "", CompressionNone:
		opts.Compression = CompressionNone
	case CompressionGzip, CompressionZstd:
	default:
		return nil, fmt.Errorf("unsupported compression %q", opts.Compression)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTP{
		client:      client,
		timeout:     opts.Timeout,
		compression: opts.Compression,
		headers:     headers,
	}, nil
}

// Send marshals doc and posts it to endpoint.
func (h *HTTP) Send(ctx context.Context, endpoint string, doc any) error {
	if endpoint == "" {
		return ErrNoEndpoint
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal upload: %w", err)
	}

	body, err := h.encode(data)
	if err != nil {
		return fmt.Errorf("failed to compress upload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.compression != CompressionNone {
		req.Header.Set("Content-Encoding", h.compression)
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &Error{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if !Accepted(resp.StatusCode) {
		return &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", resp.Status)}
	}

	log.Debug().
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Str("encoding", h.compression).
		Msg("Upload delivered")

	return nil
}

// Accepted reports whether status counts as a successful delivery.
func Accepted(status int) bool {
	return (status >= 200 && status < 300) || status == http.StatusNotModified
}

func (h *HTTP) encode(data []byte) ([]byte, error) {
	switch h.compression {
	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return data, nil
	}
}

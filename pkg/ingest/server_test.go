package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/beacon/pkg/durable"
	"github.com/harun/beacon/pkg/session"
	"github.com/harun/beacon/pkg/telemetry"
	"github.com/harun/beacon/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	docs []telemetry.Record
}

func (c *collector) Send(ctx context.Context, endpoint string, doc any) error {
	rec, _ := doc.(telemetry.Record)
	c.mu.Lock()
	c.docs = append(c.docs, rec)
	c.mu.Unlock()
	return nil
}

func (c *collector) events() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range c.docs {
		n += len(d.EventBuffer)
	}
	return n
}

var _ transport.Sender = (*collector)(nil)

func newTestStore(t *testing.T, sender transport.Sender, initialize bool) *session.Store {
	t.Helper()
	store, err := session.New(session.Options{
		Durable:          durable.NewMemoryStore(),
		Pointer:          &durable.MemoryPointer{},
		Sender:           sender,
		Path:             "/",
		Config:           session.Config{ApplicationName: "ingest-test", UploadEndpoint: "http://collector.test"},
		SnapshotDebounce: 5 * time.Millisecond,
		DrainDebounce:    5 * time.Millisecond,
	})
	require.NoError(t, err)
	if initialize {
		_, err = store.Init(context.Background())
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = store.Shutdown(ctx)
	})
	return store
}

func createTestServer(t *testing.T, options ServerOptions) (*Server, *session.Store, *collector) {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	sender := &collector{}
	store := newTestStore(t, sender, true)

	server, err := NewServer(options, store, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		if server.limiter != nil {
			server.limiter.Stop()
		}
	})
	return server, store, sender
}

func post(t *testing.T, h http.Handler, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestNewServer(t *testing.T) {
	server, _, _ := createTestServer(t, ServerOptions{RateLimitPerMinute: 100})
	assert.NotNil(t, server.validator)
	assert.NotNil(t, server.limiter)
	assert.Equal(t, defaultPort, server.options.Port)
	assert.Equal(t, int64(defaultMaxBodyBytes), server.options.MaxBodyBytes)
	assert.Equal(t, defaultShutdown, server.options.ShutdownTimeout)
}

func TestNewServerRequiresSink(t *testing.T) {
	_, err := NewServer(ServerOptions{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewServerRateLimitDisabled(t *testing.T) {
	server, _, _ := createTestServer(t, ServerOptions{RateLimitPerMinute: -1})
	assert.Nil(t, server.limiter)
}

func TestHandleHealth(t *testing.T) {
	server, store, _ := createTestServer(t, ServerOptions{})
	w := get(t, server.Handler(), "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, store.Stats().SessionID, body["sessionId"])
}

func TestHandleEventsSingle(t *testing.T) {
	server, store, _ := createTestServer(t, ServerOptions{})
	w := post(t, server.Handler(), "/v1/events", `{"kind":"action","payload":{"target":"buy"}}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp acceptedResponse
	decode(t, w, &resp)
	assert.Equal(t, 1, resp.Accepted)

	rec, err := store.Snapshot()
	require.NoError(t, err)
	require.Len(t, rec.EventBuffer, 1)
	assert.Equal(t, telemetry.KindAction, rec.EventBuffer[0].Kind)
	assert.JSONEq(t, `{"target":"buy"}`, string(rec.EventBuffer[0].Payload))
}

func TestHandleEventsArrayKeepsOrder(t *testing.T) {
	server, store, _ := createTestServer(t, ServerOptions{})
	body := `[{"kind":"action","payload":1},{"kind":"error","payload":2},{"kind":"request","payload":3}]`
	w := post(t, server.Handler(), "/v1/events", body, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	rec, err := store.Snapshot()
	require.NoError(t, err)
	require.Len(t, rec.EventBuffer, 3)
	for i, kind := range []string{"action", "error", "request"} {
		assert.Equal(t, kind, rec.EventBuffer[i].Kind)
	}
}

func TestHandleEventsValidation(t *testing.T) {
	server, store, _ := createTestServer(t, ServerOptions{})

	tests := []struct {
		name string
		body string
	}{
		{"missing kind", `{"payload":1}`},
		{"empty array", `[]`},
		{"not json", `{kind`},
		{"bad timestamp", `{"kind":"action","timestamp":"yesterday"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, server.Handler(), "/v1/events", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp errorResponse
			decode(t, w, &resp)
			assert.NotEmpty(t, resp.Error)
		})
	}

	rec, err := store.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, rec.EventBuffer)
}

func TestHandleEventsBeforeInit(t *testing.T) {
	store := newTestStore(t, &collector{}, false)
	server, err := NewServer(ServerOptions{RateLimitPerMinute: -1}, store, zerolog.Nop())
	require.NoError(t, err)

	w := post(t, server.Handler(), "/v1/events", `{"kind":"action"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = get(t, server.Handler(), "/v1/state")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleEventsBodyTooLarge(t *testing.T) {
	server, _, _ := createTestServer(t, ServerOptions{MaxBodyBytes: 64})
	body := `{"kind":"action","payload":"` + strings.Repeat("x", 128) + `"}`
	w := post(t, server.Handler(), "/v1/events", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandleRoute(t *testing.T) {
	server, store, _ := createTestServer(t, ServerOptions{})
	w := post(t, server.Handler(), "/v1/routes", `{"path":"/cart","fullPath":"/cart?item=1"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	rec, err := store.Snapshot()
	require.NoError(t, err)
	require.Len(t, rec.PageStack, 2)
	assert.Equal(t, "/cart", rec.PageStack[1].Path)
	assert.Equal(t, "/cart?item=1", rec.PageStack[1].FullPath)

	w = post(t, server.Handler(), "/v1/routes", `{"fullPath":"/x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignatureRequired(t *testing.T) {
	server, _, _ := createTestServer(t, ServerOptions{SharedSecret: "s3cret"})
	body := `{"kind":"action"}`

	w := post(t, server.Handler(), "/v1/events", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(t, server.Handler(), "/v1/events", body, http.Header{SignatureHeader: {Sign([]byte(body), "wrong")}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(t, server.Handler(), "/v1/events", body, http.Header{SignatureHeader: {Sign([]byte(body), "s3cret")}})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestRateLimitExceeded(t *testing.T) {
	server, _, _ := createTestServer(t, ServerOptions{RateLimitPerMinute: 2})
	h := server.Handler()

	for i := 0; i < 2; i++ {
		w := post(t, h, "/v1/events", `{"kind":"action"}`, nil)
		assert.Equal(t, http.StatusAccepted, w.Code)
	}

	w := post(t, h, "/v1/events", `{"kind":"action"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// health is never limited
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
}

func TestHandleFlushWait(t *testing.T) {
	server, _, sender := createTestServer(t, ServerOptions{})
	h := server.Handler()

	w := post(t, h, "/v1/events", `[{"kind":"action"},{"kind":"action"}]`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = post(t, h, "/v1/flush?wait=true", "", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, 2, sender.events())

	var stats session.Stats
	decode(t, w, &stats)
	assert.Zero(t, stats.Buffered)
}

func TestHandleStateAndPolicies(t *testing.T) {
	server, store, _ := createTestServer(t, ServerOptions{})
	h := server.Handler()

	w := get(t, h, "/v1/state")
	require.Equal(t, http.StatusOK, w.Code)
	var rec telemetry.Record
	decode(t, w, &rec)
	assert.Equal(t, store.Stats().SessionID, rec.SessionID)

	w = get(t, h, "/v1/policies")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Policies []string `json:"policies"`
	}
	decode(t, w, &body)
	assert.ElementsMatch(t, store.Policies(), body.Policies)

	w = get(t, h, "/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _, _ := createTestServer(t, ServerOptions{})
	w := get(t, server.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "beacon_")
}

func TestWebSocketStream(t *testing.T) {
	server, store, _ := createTestServer(t, ServerOptions{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[{"kind":"action"},{"kind":"resource"}]`)))
	var ok acceptedResponse
	require.NoError(t, conn.ReadJSON(&ok))
	assert.Equal(t, 2, ok.Accepted)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"payload":1}`)))
	var bad errorResponse
	require.NoError(t, conn.ReadJSON(&bad))
	assert.NotEmpty(t, bad.Error)

	rec, err := store.Snapshot()
	require.NoError(t, err)
	assert.Len(t, rec.EventBuffer, 2)
}

func TestWebSocketRequiresSignature(t *testing.T) {
	server, store, _ := createTestServer(t, ServerOptions{SharedSecret: "s3cret"})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged := http.Header{}
	forged.Set(TimestampHeader, strconv.FormatInt(time.Now().Unix(), 10))
	forged.Set(SignatureHeader, Sign([]byte("0"), "s3cret"))
	_, resp, err = websocket.DefaultDialer.Dial(url, forged)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	timestamp, signature := SignStream(time.Now(), "s3cret")
	signed := http.Header{}
	signed.Set(TimestampHeader, timestamp)
	signed.Set(SignatureHeader, signature)
	conn, _, err := websocket.DefaultDialer.Dial(url, signed)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"action"}`)))
	var ok acceptedResponse
	require.NoError(t, conn.ReadJSON(&ok))
	assert.Equal(t, 1, ok.Accepted)

	rec, err := store.Snapshot()
	require.NoError(t, err)
	assert.Len(t, rec.EventBuffer, 1)
}

func TestStopRejectsNewRequests(t *testing.T) {
	server, _, _ := createTestServer(t, ServerOptions{ShutdownTimeout: 100 * time.Millisecond})
	h := server.Handler()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))

	w := post(t, h, "/v1/events", `{"kind":"action"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStartStop(t *testing.T) {
	server, _, _ := createTestServer(t, ServerOptions{Host: "127.0.0.1", Port: 17411})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	require.Eventually(t, func() bool {
		resp, err := http.Post("http://127.0.0.1:17411/v1/events", "application/json", bytes.NewBufferString(`{"kind":"action"}`))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusAccepted
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))
	assert.NoError(t, <-errCh)
}

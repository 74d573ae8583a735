package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/beacon/pkg/durable"
	"github.com/harun/beacon/pkg/policy"
	"github.com/harun/beacon/pkg/telemetry"
	"github.com/harun/beacon/pkg/transport"
	"github.com/harun/beacon/pkg/uploadqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEndpoint = "http://collector.test/v1/batch"

var errBoom = errors.New("boom")

// recorder is a transport.Sender that keeps every accepted document.
type recorder struct {
	mu    sync.Mutex
	calls int
	docs  []telemetry.Record
	err   error
	block chan struct{}
}

func (r *recorder) Send(ctx context.Context, endpoint string, doc any) error {
	r.mu.Lock()
	r.calls++
	err := r.err
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	rec, ok := doc.(telemetry.Record)
	if !ok {
		return errors.New("unexpected document type")
	}
	r.mu.Lock()
	r.docs = append(r.docs, rec)
	r.mu.Unlock()
	return nil
}

func (r *recorder) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *recorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *recorder) accepted() []telemetry.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]telemetry.Record(nil), r.docs...)
}

// flakyStore fails reads or writes on demand.
type flakyStore struct {
	*durable.MemoryStore
	failGet atomic.Bool
	failSet atomic.Bool
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.failGet.Load() {
		return nil, false, errBoom
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte) error {
	if f.failSet.Load() {
		return errBoom
	}
	return f.MemoryStore.Set(ctx, key, value)
}

type fixture struct {
	store   *Store
	db      *durable.MemoryStore
	pointer *durable.MemoryPointer
	sender  *recorder
}

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		db:      durable.NewMemoryStore(),
		pointer: &durable.MemoryPointer{},
		sender:  &recorder{},
	}
	opts := Options{
		Durable:          f.db,
		Pointer:          f.pointer,
		Sender:           f.sender,
		Path:             "/home",
		Config:           Config{ApplicationName: "shop", UploadEndpoint: testEndpoint},
		SnapshotDebounce: 5 * time.Millisecond,
		DrainDebounce:    5 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}

	s, err := New(opts)
	require.NoError(t, err)
	f.store = s
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return f
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func action(t *testing.T, i int) telemetry.Event {
	t.Helper()
	ev, err := telemetry.NewEvent(telemetry.KindAction, time.Now(), map[string]int{"i": i})
	require.NoError(t, err)
	return ev
}

func indexOf(t *testing.T, ev telemetry.Event) int {
	t.Helper()
	var p struct {
		I int `json:"i"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p.I
}

func indexes(t *testing.T, events []telemetry.Event) []int {
	out := make([]int, len(events))
	for i, ev := range events {
		out[i] = indexOf(t, ev)
	}
	return out
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func commitN(t *testing.T, s *Store, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		require.NoError(t, s.Commit(action(t, i)))
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{Pointer: &durable.MemoryPointer{}, Sender: &recorder{}})
	assert.Error(t, err)
	_, err = New(Options{Durable: durable.NewMemoryStore(), Sender: &recorder{}})
	assert.Error(t, err)
	_, err = New(Options{Durable: durable.NewMemoryStore(), Pointer: &durable.MemoryPointer{}})
	assert.Error(t, err)
	_, err = New(Options{
		Durable:  durable.NewMemoryStore(),
		Pointer:  &durable.MemoryPointer{},
		Sender:   &recorder{},
		Policies: policy.Options{Schedule: "not a schedule"},
	})
	assert.Error(t, err)
}

func TestInit_FreshSession(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.ExtraMetadata = map[string]string{"env": "test"}
	})

	rec, err := f.store.Init(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, rec.SessionID)
	assert.Empty(t, rec.PreviousSessionID)
	assert.Equal(t, "shop", rec.Application)
	assert.Equal(t, map[string]string{"env": "test"}, rec.Metadata)
	require.Len(t, rec.PageStack, 1)
	assert.Equal(t, "/home", rec.PageStack[0].Path)
	assert.Empty(t, rec.PageStack[0].PreviousPageViewID)
	assert.Empty(t, rec.EventBuffer)

	// no pointer means no durable reads
	gets, sets, _ := f.db.Stats()
	assert.Zero(t, gets)
	assert.Equal(t, 1, sets)

	id, err := f.pointer.Load()
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID, id)

	_, err = f.store.Init(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestCommit_BeforeInit(t *testing.T) {
	f := newFixture(t, nil)

	assert.ErrorIs(t, f.store.Commit(action(t, 0)), ErrNotInitialized)
	assert.ErrorIs(t, f.store.CommitRoute(telemetry.RouteChange{Path: "/a"}), ErrNotInitialized)
	_, err := f.store.Snapshot()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, f.store.Flush(context.Background()), ErrNotInitialized)
	assert.ErrorIs(t, f.store.Shutdown(context.Background()), ErrNotInitialized)
}

func TestCommit_PreservesOrderAndStampsPageView(t *testing.T) {
	f := newFixture(t, nil)
	rec, err := f.store.Init(context.Background())
	require.NoError(t, err)

	commitN(t, f.store, 0, 20)

	snap, err := f.store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, seq(0, 20), indexes(t, snap.EventBuffer))
	for _, ev := range snap.EventBuffer {
		assert.Equal(t, rec.PageStack[0].PageViewID, ev.PageViewID)
	}
}

func TestCommit_ConcurrentProducers(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Policies = policy.Options{CapacityThreshold: 10000}
	})
	_, err := f.store.Init(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = f.store.Commit(action(t, g*1000+i))
			}
		}()
	}
	wg.Wait()

	snap, err := f.store.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.EventBuffer, 200)

	// per-producer order survives interleaving
	last := map[int]int{}
	for _, ev := range snap.EventBuffer {
		i := indexOf(t, ev)
		g := i / 1000
		if prev, ok := last[g]; ok {
			assert.Greater(t, i, prev)
		}
		last[g] = i
	}
}

func TestCommitRoute_LinksPageViews(t *testing.T) {
	f := newFixture(t, nil)
	rec, err := f.store.Init(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.store.Commit(action(t, 0)))
	require.NoError(t, f.store.CommitRoute(telemetry.RouteChange{Path: "/cart", FullPath: "/cart?x=1"}))
	require.NoError(t, f.store.Commit(telemetry.RouteEvent(telemetry.RouteChange{Path: "/checkout"})))
	require.NoError(t, f.store.Commit(action(t, 1)))

	snap, err := f.store.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.PageStack, 3)
	assert.Equal(t, rec.PageStack[0].PageViewID, snap.PageStack[1].PreviousPageViewID)
	assert.Equal(t, snap.PageStack[1].PageViewID, snap.PageStack[2].PreviousPageViewID)
	assert.Equal(t, "/cart?x=1", snap.PageStack[1].FullPath)
	assert.Equal(t, "/checkout", snap.PageStack[2].FullPath)

	// route changes never enter the buffer
	require.Len(t, snap.EventBuffer, 2)
	assert.Equal(t, rec.PageStack[0].PageViewID, snap.EventBuffer[0].PageViewID)
	assert.Equal(t, snap.PageStack[2].PageViewID, snap.EventBuffer[1].PageViewID)

	assert.Error(t, f.store.CommitRoute(telemetry.RouteChange{}))
	assert.Error(t, f.store.Commit(telemetry.Event{Kind: telemetry.KindRouteChange, Payload: []byte(`{`)}))
}

func TestAddCustomInfo(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.Init(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.store.AddCustomInfo(map[string]string{"plan": "pro"}))
	assert.Error(t, f.store.AddCustomInfo(make(chan int)))

	snap, err := f.store.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.EventBuffer, 1)
	assert.Equal(t, telemetry.KindCustomInfo, snap.EventBuffer[0].Kind)
	assert.JSONEq(t, `{"plan":"pro"}`, string(snap.EventBuffer[0].Payload))
}

func TestSnapshot_IsIndependent(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.ExtraMetadata = map[string]string{"k": "v"}
	})
	_, err := f.store.Init(context.Background())
	require.NoError(t, err)
	commitN(t, f.store, 0, 3)

	snap, err := f.store.Snapshot()
	require.NoError(t, err)
	before, err := f.store.Snapshot()
	require.NoError(t, err)

	snap.EventBuffer[0].Payload[0] = 'x'
	snap.EventBuffer = snap.EventBuffer[:1]
	snap.Metadata["k"] = "changed"
	snap.PageStack[0].Path = "/mutated"

	after, err := f.store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCapacityPolicy_EnqueuesOncePerCommit(t *testing.T) {
	q := uploadqueue.New(uploadqueue.Options{})
	t.Cleanup(func() { _ = q.Close() })

	f := newFixture(t, func(o *Options) {
		o.Queue = q
		o.DrainDebounce = time.Hour
	})
	_, err := f.store.Init(context.Background())
	require.NoError(t, err)

	commitN(t, f.store, 0, 100)
	assert.Equal(t, 0, q.Len())

	require.NoError(t, f.store.Commit(action(t, 100)))
	assert.Equal(t, 1, q.Len())

	require.NoError(t, f.store.Commit(action(t, 101)))
	assert.Equal(t, 2, q.Len())
	assert.Zero(t, f.sender.callCount())
}

func TestFlush_BatchesAtLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Policies = policy.Options{CapacityThreshold: 10000}
	})
	_, err := f.store.Init(context.Background())
	require.NoError(t, err)
	commitN(t, f.store, 0, 650)

	require.NoError(t, f.store.Flush(context.Background()))
	require.NoError(t, f.store.Wait(waitCtx(t)))

	docs := f.sender.accepted()
	require.Len(t, docs, 1)
	assert.Equal(t, seq(0, 500), indexes(t, docs[0].EventBuffer))

	snap, err := f.store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, seq(500, 650), indexes(t, snap.EventBuffer))

	require.NoError(t, f.store.Flush(context.Background()))
	require.NoError(t, f.store.Wait(waitCtx(t)))

	docs = f.sender.accepted()
	require.Len(t, docs, 2)
	assert.Equal(t, seq(500, 650), indexes(t, docs[1].EventBuffer))
	assert.Equal(t, "shop", docs[1].Application)

	snap, err = f.store.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.EventBuffer)
	assert.Len(t, snap.PageStack, 1)
}

func TestFlush_TrimsOnlyAcknowledgedPrefix(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.Init(context.Background())
	require.NoError(t, err)

	block := make(chan struct{})
	f.sender.mu.Lock()
	f.sender.block = block
	f.sender.mu.Unlock()

	commitN(t, f.store, 0, 5)
	require.NoError(t, f.store.Flush(context.Background()))
	require.Eventually(t, func() bool { return f.sender.callCount() == 1 }, time.Second, 2*time.Millisecond)

	// events committed while the upload is in flight survive the trim
	commitN(t, f.store, 5, 8)
	close(block)
	require.NoError(t, f.store.Wait(waitCtx(t)))

	docs := f.sender.accepted()
	require.Len(t, docs, 1)
	assert.Equal(t, seq(0, 5), indexes(t, docs[0].EventBuffer))

	snap, err := f.store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, seq(5, 8), indexes(t, snap.EventBuffer))
}

func TestFlush_FailureKeepsBuffer(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.Init(context.Background())
	require.NoError(t, err)
	f.sender.setErr(&transport.Error{StatusCode: 503})

	commitN(t, f.store, 0, 4)
	require.NoError(t, f.store.Flush(context.Background()))
	require.NoError(t, f.store.Wait(waitCtx(t)))

	snap, err := f.store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, seq(0, 4), indexes(t, snap.EventBuffer))

	stats := f.store.Stats()
	assert.Equal(t, 1, stats.Queue.Failed)
	assert.Equal(t, 1, stats.Queue.Breaker.Failures)

	f.sender.setErr(nil)
	require.NoError(t, f.store.Flush(context.Background()))
	require.NoError(t, f.store.Wait(waitCtx(t)))
	assert.Zero(t, f.store.Stats().Queue.Breaker.Failures)
	assert.Zero(t, f.store.Stats().Buffered)
}

func TestFlush_NoEndpointCountsAsFailure(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.UploadEndpoint = ""
	})
	_, err := f.store.Init(context.Background())
	require.NoError(t, err)

	commitN(t, f.store, 0, 2)
	require.NoError(t, f.store.Flush(context.Background()))
	require.NoError(t, f.store.Wait(waitCtx(t)))

	assert.Zero(t, f.sender.callCount())
	stats := f.store.Stats()
	assert.Equal(t, 1, stats.Queue.Failed)
	assert.Equal(t, 1, stats.Queue.Breaker.Failures)
	assert.Equal(t, 2, stats.Buffered)

	f.store.Configure(Config{UploadEndpoint: testEndpoint})
	require.NoError(t, f.store.Flush(context.Background()))
	require.NoError(t, f.store.Wait(waitCtx(t)))
	assert.Equal(t, 1, f.sender.callCount())
	assert.Zero(t, f.store.Stats().Buffered)
}

func TestFlush_EmptyBufferIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.Init(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.store.Flush(context.Background()))
	require.NoError(t, f.store.Wait(waitCtx(t)))

	assert.Zero(t, f.sender.callCount())
	stats := f.store.Stats()
	assert.Equal(t, 1, stats.Queue.Skipped)
	assert.Zero(t, stats.Queue.Breaker.Failures)
}

func TestBreaker_StopsTransportAfterTenFailures(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.QueueOptions = uploadqueue.Options{Breaker: uploadqueue.NewBreaker(10, time.Hour)}
	})
	_, err := f.store.Init(context.Background())
	require.NoError(t, err)
	f.sender.setErr(errBoom)

	commitN(t, f.store, 0, 2)
	for i := 0; i < 12; i++ {
		require.NoError(t, f.store.Flush(context.Background()))
		require.NoError(t, f.store.Wait(waitCtx(t)))
	}

	assert.Equal(t, 10, f.sender.callCount())
	stats := f.store.Stats()
	assert.True(t, stats.Queue.Breaker.Open)
	assert.Equal(t, 2, stats.Queue.Pending)
	assert.Equal(t, 2, stats.Buffered)

	f.sender.setErr(nil)
	f.store.ResetBreaker()
	require.NoError(t, f.store.Wait(waitCtx(t)))
	assert.Zero(t, f.store.Stats().Buffered)
}

func TestInit_RecoversPreviousSession(t *testing.T) {
	f := newFixture(t, nil)

	prev := telemetry.NewRecord("prev-session", "/old", "", time.Now().Add(-time.Minute))
	for i := 0; i < 3; i++ {
		prev.Append(action(t, i))
	}
	data, err := json.Marshal(prev)
	require.NoError(t, err)
	require.NoError(t, f.db.Set(context.Background(), prev.SessionID, data))
	require.NoError(t, f.pointer.Store(prev.SessionID))

	rec, err := f.store.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "prev-session", rec.PreviousSessionID)
	assert.Equal(t, "prev-session", rec.PageStack[0].PreviousSessionID)

	id, err := f.pointer.Load()
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID, id)

	require.Eventually(t, func() bool { return len(f.sender.accepted()) == 1 }, time.Second, 2*time.Millisecond)
	require.NoError(t, f.store.Wait(waitCtx(t)))

	doc := f.sender.accepted()[0]
	assert.Equal(t, "prev-session", doc.SessionID)
	assert.Equal(t, seq(0, 3), indexes(t, doc.EventBuffer))

	_, found, err := f.db.Get(context.Background(), "prev-session")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, f.store.Stats().Queue.Completed)
}

func TestInit_TrivialRecoveredSessionIsDiscarded(t *testing.T) {
	f := newFixture(t, nil)

	prev := telemetry.NewRecord("prev-trivial", "/", "", time.Now())
	prev.Append(action(t, 0))
	data, err := json.Marshal(prev)
	require.NoError(t, err)
	require.NoError(t, f.db.Set(context.Background(), prev.SessionID, data))
	require.NoError(t, f.pointer.Store(prev.SessionID))

	rec, err := f.store.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "prev-trivial", rec.PreviousSessionID)

	_, found, err := f.db.Get(context.Background(), "prev-trivial")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, f.store.Stats().Queue.Pending)
	assert.Zero(t, f.sender.callCount())
}

func TestInit_MissingRecoveredRecord(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.pointer.Store("gone"))

	rec, err := f.store.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gone", rec.PreviousSessionID)
	assert.Zero(t, f.store.Stats().Queue.Pending)
}

func TestInit_RecoveryReadFailureIsNotFatal(t *testing.T) {
	flaky := &flakyStore{MemoryStore: durable.NewMemoryStore()}
	flaky.failGet.Store(true)
	pointer := &durable.MemoryPointer{}
	require.NoError(t, pointer.Store("prev"))

	s, err := New(Options{Durable: flaky, Pointer: pointer, Sender: &recorder{}})
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	rec, err := s.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "prev", rec.PreviousSessionID)
	assert.Zero(t, s.Stats().Queue.Pending)
}

func TestInit_PersistFailureDefersPointer(t *testing.T) {
	flaky := &flakyStore{MemoryStore: durable.NewMemoryStore()}
	flaky.failSet.Store(true)
	pointer := &durable.MemoryPointer{}

	s, err := New(Options{
		Durable:          flaky,
		Pointer:          pointer,
		Sender:           &recorder{},
		SnapshotDebounce: time.Hour,
	})
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	rec, err := s.Init(context.Background())
	require.NoError(t, err)

	id, err := pointer.Load()
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.True(t, s.Stats().PointerPending)

	// a failed snapshot keeps the pointer deferred
	require.NoError(t, s.Commit(action(t, 0)))
	assert.True(t, s.FlushSnapshot())
	assert.True(t, s.Stats().PointerPending)

	flaky.failSet.Store(false)
	require.NoError(t, s.Commit(action(t, 1)))
	assert.True(t, s.FlushSnapshot())

	id, err = pointer.Load()
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID, id)
	assert.False(t, s.Stats().PointerPending)
}

func TestSnapshotWrite_MirrorsLiveRecord(t *testing.T) {
	f := newFixture(t, nil)
	rec, err := f.store.Init(context.Background())
	require.NoError(t, err)

	commitN(t, f.store, 0, 3)

	require.Eventually(t, func() bool {
		data, found, err := f.db.Get(context.Background(), rec.SessionID)
		if err != nil || !found {
			return false
		}
		var stored telemetry.Record
		if json.Unmarshal(data, &stored) != nil {
			return false
		}
		return len(stored.EventBuffer) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestShutdown_FlushesAndRemovesRecord(t *testing.T) {
	f := newFixture(t, nil)
	rec, err := f.store.Init(context.Background())
	require.NoError(t, err)
	commitN(t, f.store, 0, 2)

	require.NoError(t, f.store.Shutdown(waitCtx(t)))

	docs := f.sender.accepted()
	require.Len(t, docs, 1)
	assert.Equal(t, seq(0, 2), indexes(t, docs[0].EventBuffer))

	_, found, err := f.db.Get(context.Background(), rec.SessionID)
	require.NoError(t, err)
	assert.False(t, found)

	assert.ErrorIs(t, f.store.Commit(action(t, 9)), ErrClosed)
	assert.NoError(t, f.store.Shutdown(context.Background()))
}

func TestShutdown_SkipsUploadAtBootstrapThreshold(t *testing.T) {
	f := newFixture(t, nil)
	rec, err := f.store.Init(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.store.Commit(action(t, 0)))

	require.NoError(t, f.store.Shutdown(waitCtx(t)))

	assert.Zero(t, f.sender.callCount())
	_, found, err := f.db.Get(context.Background(), rec.SessionID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestShutdown_RemovesRecordWhenUploadFails(t *testing.T) {
	f := newFixture(t, nil)
	rec, err := f.store.Init(context.Background())
	require.NoError(t, err)
	f.sender.setErr(errBoom)
	commitN(t, f.store, 0, 3)

	require.NoError(t, f.store.Shutdown(waitCtx(t)))

	_, found, err := f.db.Get(context.Background(), rec.SessionID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConfigure_Merges(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config = Config{ApplicationName: "shop", ExtraMetadata: map[string]string{"a": "1"}}
	})

	f.store.Configure(Config{UploadEndpoint: testEndpoint, ExtraMetadata: map[string]string{"b": "2"}})
	rec, err := f.store.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shop", rec.Application)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, rec.Metadata)

	f.store.Configure(Config{ApplicationName: "shop-v2", ExtraMetadata: map[string]string{"a": "9"}})
	cfg := f.store.Config()
	assert.Equal(t, testEndpoint, cfg.UploadEndpoint)
	assert.Equal(t, "shop-v2", cfg.ApplicationName)

	snap, err := f.store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "shop-v2", snap.Application)
	assert.Equal(t, map[string]string{"a": "9", "b": "2"}, snap.Metadata)
}

func TestPolicyManagement(t *testing.T) {
	q := uploadqueue.New(uploadqueue.Options{})
	t.Cleanup(func() { _ = q.Close() })

	f := newFixture(t, func(o *Options) {
		o.Queue = q
		o.DrainDebounce = time.Hour
	})
	assert.Equal(t, []string{policy.TimeWindowName, policy.CapacityName}, f.store.Policies())

	// adding before Init does not evaluate
	f.store.AddPolicy("two", func(s policy.Snapshot) bool { return s.Buffered >= 2 })
	assert.Equal(t, 0, q.Len())

	_, err := f.store.Init(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.store.Commit(action(t, 0)))
	assert.Equal(t, 0, q.Len())
	require.NoError(t, f.store.Commit(action(t, 1)))
	assert.Equal(t, 1, q.Len())

	// update re-evaluates against the current record
	assert.True(t, f.store.UpdatePolicy("two", func(s policy.Snapshot) bool {
		return s.Last != nil && s.Last.Kind == telemetry.KindAction
	}))
	assert.Equal(t, 2, q.Len())

	assert.False(t, f.store.UpdatePolicy("unknown", func(policy.Snapshot) bool { return true }))
	assert.Equal(t, 2, q.Len())

	f.store.ClearPolicies()
	assert.Empty(t, f.store.Policies())
	commitN(t, f.store, 2, 300)
	assert.Equal(t, 2, q.Len())
}

func TestTimeWindowPolicy_FlushesAfterQuietPeriod(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Policies = policy.Options{TimeWindow: 30 * time.Millisecond}
	})
	_, err := f.store.Init(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.store.Commit(action(t, 0)))
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, f.sender.callCount())

	require.NoError(t, f.store.Commit(action(t, 1)))
	assert.Zero(t, f.sender.callCount())

	require.Eventually(t, func() bool { return len(f.sender.accepted()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, seq(0, 2), indexes(t, f.sender.accepted()[0].EventBuffer))
	require.NoError(t, f.store.Wait(waitCtx(t)))
	assert.Zero(t, f.store.Stats().Buffered)
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)
	assert.Empty(t, f.store.Stats().SessionID)

	rec, err := f.store.Init(context.Background())
	require.NoError(t, err)
	commitN(t, f.store, 0, 3)
	require.NoError(t, f.store.CommitRoute(telemetry.RouteChange{Path: "/next"}))

	stats := f.store.Stats()
	assert.Equal(t, rec.SessionID, stats.SessionID)
	assert.Equal(t, 3, stats.Buffered)
	assert.Equal(t, 2, stats.PageViews)
	assert.False(t, stats.PointerPending)
	assert.Len(t, stats.Policies, 2)
}

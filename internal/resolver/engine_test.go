package resolver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/any-hub/symhub/internal/cache"
	"github.com/any-hub/symhub/internal/mirror"
	"github.com/any-hub/symhub/internal/mirror/mocks"
	"github.com/any-hub/symhub/internal/symbol"
	"github.com/any-hub/symhub/internal/upstream"
)

const rawPath = "/ntdll.pdb/1b2a3c4d5e6f11223344556677889900a/ntdll.pdb"

var testKey = symbol.Key{File: "ntdll.pdb", Hash: "1B2A3C4D5E6F11223344556677889900A", Component: "ntdll.pdb"}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type recordingMirror struct {
	mu      sync.Mutex
	entries []cache.Entry
	origins []upstream.Kind
}

func (m *recordingMirror) Schedule(entry cache.Entry, origin upstream.Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	m.origins = append(m.origins, origin)
	return true
}

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// fakeUpstream 是一个可控的符号服务器。
type fakeUpstream struct {
	*httptest.Server
	hits   atomic.Int32
	status atomic.Int32
	body   atomic.Value
	gate   chan struct{}
	gateMu sync.Mutex
}

func newFakeUpstream(t *testing.T, body string) *fakeUpstream {
	t.Helper()
	up := &fakeUpstream{}
	up.status.Store(http.StatusOK)
	up.body.Store(body)
	up.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up.hits.Add(1)
		up.gateMu.Lock()
		gate := up.gate
		up.gateMu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		status := int(up.status.Load())
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		payload := up.body.Load().(string)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(up.Close)
	return up
}

func (u *fakeUpstream) hold() chan struct{} {
	u.gateMu.Lock()
	defer u.gateMu.Unlock()
	u.gate = make(chan struct{})
	return u.gate
}

type harness struct {
	engine   *Engine
	store    cache.Store
	upstream *fakeUpstream
	mirror   *recordingMirror
}

func newHarness(t *testing.T, ttl time.Duration, opts Options) *harness {
	t.Helper()
	up := newFakeUpstream(t, "symbol-payload")
	store, err := cache.NewStore(t.TempDir(), ttl)
	require.NoError(t, err)

	src, err := upstream.NewSource(upstream.SourceConfig{
		Name:     "primary",
		Kind:     upstream.KindHTTP,
		Upstream: up.URL,
		Timeout:  2 * time.Second,
		Client:   &http.Client{},
	})
	require.NoError(t, err)
	chain, err := upstream.NewChain(quietLogger(), src)
	require.NoError(t, err)

	rec := &recordingMirror{}
	opts.Store = store
	opts.Chain = chain
	opts.Logger = quietLogger()
	if opts.Mirror == nil {
		opts.Mirror = rec
	}
	engine, err := New(opts)
	require.NoError(t, err)
	return &harness{engine: engine, store: store, upstream: up, mirror: rec}
}

func readAll(t *testing.T, artifact *Artifact) string {
	t.Helper()
	defer artifact.Body.Close()
	data, err := io.ReadAll(artifact.Body)
	require.NoError(t, err)
	return string(data)
}

func waitCommitted(t *testing.T, store cache.Store) {
	t.Helper()
	require.Eventually(t, func() bool {
		ok, err := store.Exists(context.Background(), testKey)
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestResolveMissThenHit(t *testing.T) {
	h := newHarness(t, 0, Options{})

	artifact, err := h.engine.Resolve(context.Background(), rawPath)
	require.NoError(t, err)
	assert.False(t, artifact.CacheHit)
	assert.Equal(t, "primary", artifact.Source)
	assert.EqualValues(t, len("symbol-payload"), artifact.Size)
	assert.Equal(t, "symbol-payload", readAll(t, artifact))

	waitCommitted(t, h.store)
	require.Eventually(t, func() bool { return h.mirror.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, upstream.KindHTTP, h.mirror.origins[0])

	again, err := h.engine.Resolve(context.Background(), "ntdll.pdb/1B2A3C4D5E6F11223344556677889900A/ntdll.pdb")
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.Equal(t, SourceCache, again.Source)
	assert.Equal(t, "symbol-payload", readAll(t, again))

	assert.EqualValues(t, 1, h.upstream.hits.Load())
	stats := h.engine.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Committed)
	require.Eventually(t, func() bool { return h.engine.Stats().MirrorScheduled == 1 }, time.Second, 5*time.Millisecond)
}

func TestResolveCoalescesConcurrentCallers(t *testing.T) {
	h := newHarness(t, 0, Options{})
	gate := h.upstream.hold()

	const callers = 16
	var wg sync.WaitGroup
	bodies := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			artifact, err := h.engine.Resolve(context.Background(), rawPath)
			if !assert.NoError(t, err) {
				return
			}
			defer artifact.Body.Close()
			data, err := io.ReadAll(artifact.Body)
			assert.NoError(t, err)
			bodies[i] = string(data)
		}(i)
	}

	require.Eventually(t, func() bool {
		return h.engine.Stats().Coalesced == callers-1
	}, 2*time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	for _, body := range bodies {
		assert.Equal(t, "symbol-payload", body)
	}
	assert.EqualValues(t, 1, h.upstream.hits.Load())
	waitCommitted(t, h.store)
	require.Eventually(t, func() bool { return h.engine.Stats().InFlight == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.mirror.count())
}

func TestResolveNotFoundCachesNothing(t *testing.T) {
	h := newHarness(t, 0, Options{})
	h.upstream.status.Store(http.StatusNotFound)

	_, err := h.engine.Resolve(context.Background(), rawPath)
	require.ErrorIs(t, err, upstream.ErrNotFound)

	ok, err := h.store.Exists(context.Background(), testKey)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, h.mirror.count())
	assert.EqualValues(t, 1, h.engine.Stats().NotFound)
}

func TestResolveIndeterminateOnUpstreamFailure(t *testing.T) {
	h := newHarness(t, 0, Options{})
	h.upstream.status.Store(http.StatusServiceUnavailable)

	_, err := h.engine.Resolve(context.Background(), rawPath)
	require.ErrorIs(t, err, upstream.ErrIndeterminate)
	assert.NotErrorIs(t, err, upstream.ErrNotFound)
}

func TestResolveRejectsInvalidKey(t *testing.T) {
	h := newHarness(t, 0, Options{})
	_, err := h.engine.Resolve(context.Background(), "/../etc/passwd")
	require.ErrorIs(t, err, symbol.ErrInvalidKey)
	assert.EqualValues(t, 0, h.upstream.hits.Load())
}

func TestCallerCancellationDoesNotAbortTransfer(t *testing.T) {
	h := newHarness(t, 0, Options{})
	gate := h.upstream.hold()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.engine.Resolve(ctx, rawPath)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return h.upstream.hits.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(gate)
	waitCommitted(t, h.store)
	require.Eventually(t, func() bool { return h.mirror.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStaleEntryIsRefreshed(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond, Options{})
	_, err := h.store.Put(context.Background(), testKey, strings.NewReader("old-payload"))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	artifact, err := h.engine.Resolve(context.Background(), rawPath)
	require.NoError(t, err)
	assert.False(t, artifact.CacheHit)
	assert.Equal(t, "symbol-payload", readAll(t, artifact))
	assert.EqualValues(t, 1, h.upstream.hits.Load())

	require.Eventually(t, func() bool {
		res, err := h.store.Lookup(context.Background(), testKey)
		if err != nil {
			return false
		}
		defer res.Reader.Close()
		data, _ := io.ReadAll(res.Reader)
		return string(data) == "symbol-payload"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStaleEntryServedWhenUpstreamCannotAnswer(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusBadGateway} {
		h := newHarness(t, 10*time.Millisecond, Options{})
		_, err := h.store.Put(context.Background(), testKey, strings.NewReader("old-payload"))
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
		h.upstream.status.Store(int32(status))

		artifact, err := h.engine.Resolve(context.Background(), rawPath)
		require.NoError(t, err, "status %d", status)
		assert.True(t, artifact.CacheHit)
		assert.True(t, artifact.Stale)
		assert.Equal(t, "old-payload", readAll(t, artifact))
		assert.EqualValues(t, 1, h.engine.Stats().StaleServed)
	}
}

func TestTruncatedUpstreamBodyIsNotCached(t *testing.T) {
	truncating := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("only-part"))
	}))
	defer truncating.Close()

	store, err := cache.NewStore(t.TempDir(), 0)
	require.NoError(t, err)
	src, err := upstream.NewSource(upstream.SourceConfig{Name: "flaky", Kind: upstream.KindHTTP, Upstream: truncating.URL})
	require.NoError(t, err)
	chain, err := upstream.NewChain(quietLogger(), src)
	require.NoError(t, err)
	rec := &recordingMirror{}
	engine, err := New(Options{Store: store, Chain: chain, Mirror: rec, Logger: quietLogger()})
	require.NoError(t, err)

	artifact, err := engine.Resolve(context.Background(), rawPath)
	require.NoError(t, err)
	_, readErr := io.ReadAll(artifact.Body)
	artifact.Body.Close()
	assert.Error(t, readErr)

	require.Eventually(t, func() bool { return engine.Stats().CommitFailures == 1 }, 2*time.Second, 5*time.Millisecond)
	ok, err := store.Exists(context.Background(), testKey)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, rec.count())
}

func TestLargeBodySpillsAndStreams(t *testing.T) {
	h := newHarness(t, 0, Options{BufferThreshold: 1024})
	payload := strings.Repeat("0123456789ABCDEF", 8192)
	h.upstream.body.Store(payload)

	artifact, err := h.engine.Resolve(context.Background(), rawPath)
	require.NoError(t, err)
	assert.Equal(t, payload, readAll(t, artifact))

	waitCommitted(t, h.store)
	res, err := h.store.Lookup(context.Background(), testKey)
	require.NoError(t, err)
	defer res.Reader.Close()
	assert.EqualValues(t, len(payload), res.Entry.SizeBytes)
}

// brokenStore 模拟本地磁盘故障：读写都失败。
type brokenStore struct{}

func (brokenStore) Lookup(context.Context, symbol.Key) (*cache.ReadResult, error) {
	return nil, cache.ErrCacheIO
}
func (brokenStore) Exists(context.Context, symbol.Key) (bool, error) { return false, cache.ErrCacheIO }
func (brokenStore) BeginWrite(context.Context, symbol.Key) (*cache.WriteHandle, error) {
	return nil, cache.ErrCacheIO
}
func (brokenStore) Put(context.Context, symbol.Key, io.Reader) (*cache.Entry, error) {
	return nil, cache.ErrCacheIO
}
func (brokenStore) Remove(context.Context, symbol.Key) error { return cache.ErrCacheIO }
func (brokenStore) Stale(cache.Entry) bool                   { return false }

func TestCacheFailureIsTreatedAsMiss(t *testing.T) {
	up := newFakeUpstream(t, strings.Repeat("x", 4096))
	src, err := upstream.NewSource(upstream.SourceConfig{Name: "primary", Kind: upstream.KindHTTP, Upstream: up.URL})
	require.NoError(t, err)
	chain, err := upstream.NewChain(quietLogger(), src)
	require.NoError(t, err)
	rec := &recordingMirror{}
	engine, err := New(Options{
		Store:           brokenStore{},
		Chain:           chain,
		Mirror:          rec,
		Logger:          quietLogger(),
		BufferThreshold: 512,
		SpillDir:        t.TempDir(),
	})
	require.NoError(t, err)

	artifact, err := engine.Resolve(context.Background(), rawPath)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 4096), readAll(t, artifact))
	assert.Equal(t, 0, rec.count())
}

func TestMirrorFailureDoesNotAffectClients(t *testing.T) {
	ctrl := gomock.NewController(t)
	archive := mocks.NewMockArchive(ctrl)
	unblock := make(chan struct{})
	archive.EXPECT().Exists(gomock.Any(), testKey).DoAndReturn(func(context.Context, symbol.Key) (bool, error) {
		<-unblock
		return false, errors.New("registry unreachable")
	})
	archive.EXPECT().Upload(gomock.Any(), testKey, gomock.Any(), gomock.Any()).Return(errors.New("registry unreachable"))

	m := mirror.New(archive, mirror.Options{Logger: quietLogger()})
	h := newHarness(t, 0, Options{Mirror: m})

	started := time.Now()
	artifact, err := h.engine.Resolve(context.Background(), rawPath)
	require.NoError(t, err)
	assert.Equal(t, "symbol-payload", readAll(t, artifact))
	waitCommitted(t, h.store)
	assert.Less(t, time.Since(started), time.Second)

	again, err := h.engine.Resolve(context.Background(), rawPath)
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	again.Body.Close()

	close(unblock)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
	assert.EqualValues(t, 1, m.Stats().Failed)
}

type staticChain struct {
	artifact func() *upstream.Artifact
	calls    atomic.Int32
}

func (c *staticChain) Resolve(context.Context, symbol.Key) (*upstream.Artifact, error) {
	c.calls.Add(1)
	return c.artifact(), nil
}

func TestMirrorOriginIsPassedThrough(t *testing.T) {
	store, err := cache.NewStore(t.TempDir(), 0)
	require.NoError(t, err)
	chain := &staticChain{artifact: func() *upstream.Artifact {
		return &upstream.Artifact{
			Body:   io.NopCloser(strings.NewReader("from-archive")),
			Size:   int64(len("from-archive")),
			Source: "mirror",
			Kind:   upstream.KindMirror,
		}
	}}
	rec := &recordingMirror{}
	engine, err := New(Options{Store: store, Chain: chain, Mirror: rec, Logger: quietLogger()})
	require.NoError(t, err)

	artifact, err := engine.ResolveKey(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "from-archive", readAll(t, artifact))
	assert.Equal(t, "mirror", artifact.Source)

	waitCommitted(t, store)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, upstream.KindMirror, rec.origins[0])
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	store, err := cache.NewStore(t.TempDir(), 0)
	require.NoError(t, err)
	_, err = New(Options{Store: store})
	assert.Error(t, err)
}

package compile

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ondemand-dev/ondemand/internal/cache"
	"github.com/ondemand-dev/ondemand/internal/profile"
	"github.com/ondemand-dev/ondemand/internal/source"
)

type harness struct {
	root    string
	store   cache.Store
	orch    *Orchestrator
	compile CompileFunc
	calls   *atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	fetcher, err := source.NewFileFetcher(root)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	orch, err := NewOrchestrator(Options{
		Store:             store,
		Fetcher:           fetcher,
		Logger:            logger,
		SourcesValidation: true,
		AssetsValidation:  true,
	})
	require.NoError(t, err)

	calls := &atomic.Int32{}
	h := &harness{root: root, store: store, orch: orch, calls: calls}
	h.compile = func(ctx context.Context, input CompileInput) (*CompileResult, error) {
		calls.Add(1)
		return &CompileResult{
			ContentType: "application/javascript",
			Content:     []byte("/* compiled */\n" + string(input.Content)),
		}, nil
	}
	return h
}

func (h *harness) write(t *testing.T, rel, content string) {
	t.Helper()
	full := filepath.Join(h.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func (h *harness) request(strategy Strategy) Request {
	return Request{
		OriginalURL: "/src/app.js",
		CompileID:   "a1b2c3d4",
		Profile:     profile.CompileProfile{ModuleOutFormat: profile.FormatSystemJS},
		Strategy:    strategy,
		Compile:     h.compile,
	}
}

func TestReuseOrCreateCachesResult(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "export default 1")

	first, err := h.orch.ReuseOrCreate(context.Background(), h.request(StrategyETag))
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, first.Status)
	assert.Equal(t, CodeMetaNotFound, first.Code)

	second, err := h.orch.ReuseOrCreate(context.Background(), h.request(StrategyETag))
	require.NoError(t, err)
	assert.Equal(t, StatusCached, second.Status)
	assert.Equal(t, first.Artifact.ETag, second.Artifact.ETag)
	assert.Equal(t, string(first.Artifact.Content), string(second.Artifact.Content))
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestReuseOrCreateInvalidatesOnSourceChange(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "export default 1")

	_, err := h.orch.ReuseOrCreate(context.Background(), h.request(StrategyETag))
	require.NoError(t, err)

	h.write(t, "src/app.js", "export default 2")
	outcome, err := h.orch.ReuseOrCreate(context.Background(), h.request(StrategyETag))
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, outcome.Status)
	assert.Equal(t, CodeSourceChanged, outcome.Code)
	assert.Contains(t, string(outcome.Artifact.Content), "export default 2")
	assert.Equal(t, int32(2), h.calls.Load())
}

func TestReuseOrCreateInvalidatesOnDependencyChange(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "import './util.js'")
	h.write(t, "src/util.js", "export const a = 1")

	withDeps := func(ctx context.Context, input CompileInput) (*CompileResult, error) {
		h.calls.Add(1)
		return &CompileResult{
			ContentType:  "application/javascript",
			Content:      input.Content,
			Sources:      []string{"./util.js"},
			Dependencies: []string{"./util.js"},
		}, nil
	}
	req := h.request(StrategyETag)
	req.Compile = withDeps

	created, err := h.orch.ReuseOrCreate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, created.Meta.Sources, 2)
	assert.Equal(t, "/src/util.js", created.Meta.Sources[1].URL)
	assert.NotEmpty(t, created.Meta.Sources[1].ETag)

	cached, err := h.orch.ReuseOrCreate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusCached, cached.Status)

	h.write(t, "src/util.js", "export const a = 2")
	updated, err := h.orch.ReuseOrCreate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, updated.Status)
	assert.Equal(t, CodeSourceChanged, updated.Code)
	assert.Equal(t, int32(2), h.calls.Load())
}

func TestReuseOrCreateMtimeStrategy(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "export default 1")
	full := filepath.Join(h.root, "src", "app.js")
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(full, past, past))

	_, err := h.orch.ReuseOrCreate(context.Background(), h.request(StrategyMtime))
	require.NoError(t, err)

	cached, err := h.orch.ReuseOrCreate(context.Background(), h.request(StrategyMtime))
	require.NoError(t, err)
	assert.Equal(t, StatusCached, cached.Status)

	later := past.Add(time.Minute)
	require.NoError(t, os.Chtimes(full, later, later))
	updated, err := h.orch.ReuseOrCreate(context.Background(), h.request(StrategyMtime))
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, updated.Status)
}

func TestReuseOrCreateCompilesOnceUnderConcurrency(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "export default 1")

	gate := make(chan struct{})
	req := h.request(StrategyETag)
	req.Compile = func(ctx context.Context, input CompileInput) (*CompileResult, error) {
		h.calls.Add(1)
		<-gate
		return &CompileResult{ContentType: "application/javascript", Content: input.Content}, nil
	}

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 10)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := h.orch.ReuseOrCreate(context.Background(), req)
			assert.NoError(t, err)
			outcomes[i] = outcome
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), h.calls.Load())
	for _, outcome := range outcomes {
		require.NotNil(t, outcome)
		assert.Equal(t, outcomes[0].Artifact.ETag, outcome.Artifact.ETag)
	}
}

func TestReuseOrCreateStrategyNoneAlwaysCompiles(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "export default 1")

	for i := 0; i < 3; i++ {
		outcome, err := h.orch.ReuseOrCreate(context.Background(), h.request(StrategyNone))
		require.NoError(t, err)
		assert.NotEqual(t, StatusCached, outcome.Status)
		assert.Equal(t, CodeDisabled, outcome.Code)
	}
	assert.Equal(t, int32(3), h.calls.Load())
}

func TestReuseOrCreateContractViolationPersistsNothing(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "export default 1")

	req := h.request(StrategyETag)
	req.Compile = func(ctx context.Context, input CompileInput) (*CompileResult, error) {
		return DecodeCompileResult(map[string]any{"contentType": "application/javascript", "content": 123})
	}
	_, err := h.orch.ReuseOrCreate(context.Background(), req)
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, "content", typeErr.Field)

	locator := cache.Locator{CompileID: req.CompileID, Path: req.OriginalURL}
	_, err = h.store.ReadMeta(context.Background(), locator)
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = h.store.Get(context.Background(), locator)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	validation := h.orch.Validator().Validate(context.Background(), locator, StrategyETag)
	assert.Equal(t, CodeMetaNotFound, validation.Code)
}

func TestReuseOrCreateRejectsMissingContentType(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "export default 1")

	req := h.request(StrategyETag)
	req.Compile = func(ctx context.Context, input CompileInput) (*CompileResult, error) {
		return &CompileResult{Content: []byte("x")}, nil
	}
	_, err := h.orch.ReuseOrCreate(context.Background(), req)
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, "contentType", typeErr.Field)
}

func TestReuseOrCreateRecoversCompilerPanic(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "export default 1")

	req := h.request(StrategyETag)
	req.Compile = func(ctx context.Context, input CompileInput) (*CompileResult, error) {
		panic("boom")
	}
	_, err := h.orch.ReuseOrCreate(context.Background(), req)
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "boom", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
}

func TestReuseOrCreateMissingSourceIsFetchError(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.ReuseOrCreate(context.Background(), h.request(StrategyETag))
	var fetchErr *source.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusNotFound, fetchErr.Status)
	assert.Equal(t, int32(0), h.calls.Load())
}

func TestReuseOrCreateCancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "export default 1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.orch.ReuseOrCreate(ctx, h.request(StrategyETag))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), h.calls.Load())
}

func TestReuseOrCreateAbortDoesNotCancelCompilation(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "export default 1")

	started := make(chan struct{})
	gate := make(chan struct{})
	done := make(chan error, 1)
	req := h.request(StrategyETag)
	req.Compile = func(ctx context.Context, input CompileInput) (*CompileResult, error) {
		h.calls.Add(1)
		close(started)
		<-gate
		if err := ctx.Err(); err != nil {
			done <- err
			return nil, err
		}
		done <- nil
		return &CompileResult{ContentType: "application/javascript", Content: input.Content}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := h.orch.ReuseOrCreate(ctx, req)
		result <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-result, context.Canceled)
	close(gate)
	require.NoError(t, <-done)

	// 放弃的请求之后，编译结果仍然被持久化，后续请求直接命中缓存
	require.Eventually(t, func() bool {
		outcome, err := h.orch.ReuseOrCreate(context.Background(), req)
		return err == nil && outcome.Status == StatusCached
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestReuseOrCreatePersistsAndValidatesAssets(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "export default 1")

	req := h.request(StrategyETag)
	req.Compile = func(ctx context.Context, input CompileInput) (*CompileResult, error) {
		h.calls.Add(1)
		return &CompileResult{
			ContentType:   "application/javascript",
			Content:       append(input.Content, []byte("\n//# sourceMappingURL=app.js.map")...),
			Assets:        []string{"app.js.map"},
			AssetsContent: [][]byte{[]byte(`{"version":3}`)},
		}, nil
	}

	created, err := h.orch.ReuseOrCreate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, created.Meta.Assets, 1)
	assert.Equal(t, "src/app.js.map", created.Meta.Assets[0].URL)

	asset, err := h.store.Get(context.Background(), cache.Locator{CompileID: req.CompileID, Path: "src/app.js.map"})
	require.NoError(t, err)
	assert.Equal(t, `{"version":3}`, string(asset.Content))

	cached, err := h.orch.ReuseOrCreate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusCached, cached.Status)

	_, err = h.store.Put(context.Background(), cache.Locator{CompileID: req.CompileID, Path: "src/app.js.map"}, []byte("tampered"), cache.PutOptions{})
	require.NoError(t, err)
	updated, err := h.orch.ReuseOrCreate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, CodeAssetChanged, updated.Code)
}

func TestReuseOrCreateRejectsEscapingAsset(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "export default 1")

	req := h.request(StrategyETag)
	req.Compile = func(ctx context.Context, input CompileInput) (*CompileResult, error) {
		return &CompileResult{
			ContentType:   "application/javascript",
			Content:       input.Content,
			Assets:        []string{"../../../escape.map"},
			AssetsContent: [][]byte{[]byte("{}")},
		}, nil
	}
	_, err := h.orch.ReuseOrCreate(context.Background(), req)
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.True(t, strings.HasPrefix(typeErr.Field, "assets"))
}

func TestReuseOrCreateRejectsAssetOverwritingArtifact(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "export default 1")

	for _, asset := range []string{"./app.js", "app.js", "app.js__asset__/meta.json"} {
		req := h.request(StrategyETag)
		req.Compile = func(ctx context.Context, input CompileInput) (*CompileResult, error) {
			return &CompileResult{
				ContentType:   "application/javascript",
				Content:       input.Content,
				Assets:        []string{asset},
				AssetsContent: [][]byte{[]byte("other")},
			}, nil
		}
		_, err := h.orch.ReuseOrCreate(context.Background(), req)
		var typeErr *TypeError
		require.ErrorAs(t, err, &typeErr, "asset %s", asset)
		assert.Equal(t, "assets[0]", typeErr.Field)
	}

	_, err := h.store.ReadMeta(context.Background(), cache.Locator{CompileID: "a1b2c3d4", Path: "/src/app.js"})
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestReuseOrCreateRejectsInvalidStrategy(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.ReuseOrCreate(context.Background(), h.request(Strategy("ttl")))
	var typeErr *TypeError
	assert.True(t, errors.As(err, &typeErr))
}

func TestReuseOrCreateUsesLogicalCompletionTime(t *testing.T) {
	h := newHarness(t)
	h.write(t, "src/app.js", "export default 1")
	logical := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	h.orch.now = func() time.Time { return logical }

	created, err := h.orch.ReuseOrCreate(context.Background(), h.request(StrategyMtime))
	require.NoError(t, err)
	assert.True(t, created.Artifact.ModTime.Equal(logical))

	entry, err := h.store.Stat(context.Background(), cache.Locator{CompileID: "a1b2c3d4", Path: "/src/app.js"})
	require.NoError(t, err)
	assert.True(t, entry.ModTime.Equal(logical), "stored mtime %v", entry.ModTime)

	cached, err := h.orch.ReuseOrCreate(context.Background(), h.request(StrategyMtime))
	require.NoError(t, err)
	assert.True(t, cached.Artifact.ModTime.Equal(logical))
}

func newMirrorOrchestrator(t *testing.T, upstream *httptest.Server) *Orchestrator {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	fetcher, err := source.NewHTTPFetcher(upstream.URL, upstream.Client())
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	orch, err := NewOrchestrator(Options{
		Store:             store,
		Fetcher:           fetcher,
		Logger:            logger,
		SourcesValidation: true,
	})
	require.NoError(t, err)
	return orch
}

func TestReuseOrCreateMirrorWithoutETagReusesArtifact(t *testing.T) {
	lastModified := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var (
		mu   sync.Mutex
		body = "export default 1"
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer dev" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		content := body
		mu.Unlock()
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte(content))
	}))
	defer upstream.Close()

	orch := newMirrorOrchestrator(t, upstream)
	var calls atomic.Int32
	req := Request{
		OriginalURL: "/src/app.js",
		CompileID:   "a1b2c3d4",
		Strategy:    StrategyETag,
		Header:      http.Header{"Authorization": []string{"Bearer dev"}},
		Compile: func(ctx context.Context, input CompileInput) (*CompileResult, error) {
			calls.Add(1)
			return &CompileResult{ContentType: "application/javascript", Content: input.Content}, nil
		},
	}

	var statuses []Status
	for i := 0; i < 3; i++ {
		outcome, err := orch.ReuseOrCreate(context.Background(), req)
		require.NoError(t, err)
		statuses = append(statuses, outcome.Status)
	}
	assert.Equal(t, []Status{StatusCreated, StatusCached, StatusCached}, statuses)
	assert.Equal(t, int32(1), calls.Load())

	// Last-Modified 不变但内容变化，仍需重新编译
	mu.Lock()
	body = "export default 2"
	mu.Unlock()
	outcome, err := orch.ReuseOrCreate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, outcome.Status)
	assert.Equal(t, CodeSourceChanged, outcome.Code)
	assert.Equal(t, "export default 2", string(outcome.Artifact.Content))
}

func TestReuseOrCreateMirrorWithoutValidatorsMtimeStrategy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte("export default 1"))
	}))
	defer upstream.Close()

	orch := newMirrorOrchestrator(t, upstream)
	var calls atomic.Int32
	req := Request{
		OriginalURL: "/app.js",
		CompileID:   "a1b2c3d4",
		Strategy:    StrategyMtime,
		Compile: func(ctx context.Context, input CompileInput) (*CompileResult, error) {
			calls.Add(1)
			return &CompileResult{ContentType: "application/javascript", Content: input.Content}, nil
		},
	}

	_, err := orch.ReuseOrCreate(context.Background(), req)
	require.NoError(t, err)
	cached, err := orch.ReuseOrCreate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusCached, cached.Status)
	assert.Equal(t, int32(1), calls.Load())
}

package delivery

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/ondemand-dev/ondemand/internal/cache"
	"github.com/ondemand-dev/ondemand/internal/compile"
	"github.com/ondemand-dev/ondemand/internal/compiler"
	"github.com/ondemand-dev/ondemand/internal/etag"
	"github.com/ondemand-dev/ondemand/internal/logging"
	"github.com/ondemand-dev/ondemand/internal/profile"
	"github.com/ondemand-dev/ondemand/internal/server"
	"github.com/ondemand-dev/ondemand/internal/source"
)

const (
	// RenegotiateParam 出现在 307 跳转的查询串里，提示运行时重新协商 compileId。
	RenegotiateParam = "__renegotiate__"

	headerCompileStatus = "X-Ondemand-Compile-Status"
	statusSource        = "source"
	statusAsset         = "asset"

	cacheControlRevalidate = "private,max-age=0,must-revalidate"
	cacheControlNoStore    = "no-store"
)

// Options 汇总交付层的依赖。
type Options struct {
	Orchestrator *compile.Orchestrator
	Compilers    *compiler.Registry
	Directories  *profile.Table
	Store        cache.Store
	Fetcher      source.Fetcher
	// CompileDirectory 是 URL 中编译产物的前缀段，不含斜杠。
	CompileDirectory string
	Strategy         compile.Strategy
	Logger           *logrus.Logger
}

// Handler 负责“解析 URL → 编排编译 → 条件响应”的全流程，对外实现 server.RequestHandler。
type Handler struct {
	orch      *compile.Orchestrator
	compilers *compiler.Registry
	table     *profile.Table
	store     cache.Store
	fetcher   source.Fetcher
	prefix    string
	strategy  compile.Strategy
	logger    *logrus.Logger
}

var _ server.RequestHandler = (*Handler)(nil)

// NewHandler 校验依赖并创建 Handler。
func NewHandler(opts Options) (*Handler, error) {
	switch {
	case opts.Orchestrator == nil:
		return nil, errors.New("orchestrator is required")
	case opts.Compilers == nil:
		return nil, errors.New("compiler registry is required")
	case opts.Directories == nil:
		return nil, errors.New("compile directory table is required")
	case opts.Store == nil:
		return nil, errors.New("cache store is required")
	case opts.Fetcher == nil:
		return nil, errors.New("source fetcher is required")
	}
	dir := strings.Trim(opts.CompileDirectory, "/")
	if dir == "" {
		return nil, errors.New("compile directory is required")
	}
	strategy, err := compile.ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Handler{
		orch:      opts.Orchestrator,
		compilers: opts.Compilers,
		table:     opts.Directories,
		store:     opts.Store,
		fetcher:   opts.Fetcher,
		prefix:    "/" + dir + "/",
		strategy:  strategy,
		logger:    opts.Logger,
	}, nil
}

// requestState 记录单次请求的日志上下文。
type requestState struct {
	started   time.Time
	requestID string
	compileID string
	url       string
	status    string
	cacheHit  bool
}

// Handle 区分编译目录与项目源文件两类请求。
func (h *Handler) Handle(c fiber.Ctx) error {
	state := &requestState{
		started:   time.Now(),
		requestID: server.RequestID(c),
	}
	method := c.Method()
	if method != fiber.MethodGet && method != fiber.MethodHead {
		c.Set(fiber.HeaderAllow, "GET, HEAD")
		return h.writeError(c, state, fiber.StatusMethodNotAllowed, "method_not_allowed", nil)
	}

	rawPath := string(c.Request().URI().Path())
	if strings.HasPrefix(rawPath, h.prefix) {
		return h.serveCompiled(c, state, strings.TrimPrefix(rawPath, h.prefix))
	}
	return h.serveSource(c, state, rawPath)
}

func (h *Handler) serveCompiled(c fiber.Ctx, state *requestState, rest string) error {
	compileID, rel, _ := strings.Cut(rest, "/")
	state.compileID = compileID
	state.url = source.CleanURL(rel)
	if compileID == "" || rel == "" {
		return h.writeError(c, state, fiber.StatusNotFound, "not_found", nil)
	}

	dir, ok := h.table.Lookup(compileID)
	if !ok {
		// 服务端重启或目录被清理后，旧 compileId 引导客户端回到源文件并重新协商。
		target := state.url + "?" + RenegotiateParam + "=" + url.QueryEscape(compileID)
		c.Set(fiber.HeaderLocation, target)
		h.logResult(state, fiber.StatusTemporaryRedirect, nil)
		return c.SendStatus(fiber.StatusTemporaryRedirect)
	}

	comp, ok := h.compilers.ForURL(state.url)
	if !ok {
		return h.writeError(c, state, fiber.StatusInternalServerError, "compiler_missing", nil)
	}

	outcome, err := h.orch.ReuseOrCreate(requestContext(c), compile.Request{
		OriginalURL: state.url,
		CompiledURL: state.url,
		CompileID:   compileID,
		Profile:     dir.Profile,
		Strategy:    h.strategy,
		Compile:     comp.Compile,
		Header:      fiberHeadersAsHTTP(c),
		RequestID:   state.requestID,
	})
	if err != nil {
		var fetchErr *source.FetchError
		if errors.As(err, &fetchErr) && fetchErr.Status == http.StatusNotFound {
			if served, assetErr := h.serveAsset(c, state, compileID); served || assetErr != nil {
				return assetErr
			}
		}
		return h.renderError(c, state, err)
	}

	state.status = string(outcome.Status)
	state.cacheHit = outcome.Status == compile.StatusCached
	for key, value := range outcome.Artifact.ResponseHeaders {
		c.Set(key, value)
	}
	return h.respond(c, state, response{
		contentType: outcome.Meta.ContentType,
		body:        outcome.Artifact.Content,
		etag:        outcome.Artifact.ETag,
		modTime:     outcome.Artifact.ModTime,
		cached:      state.cacheHit,
	})
}

// serveAsset 返回编译器写出的附属文件（例如 sourcemap），它们没有对应的源文件。
func (h *Handler) serveAsset(c fiber.Ctx, state *requestState, compileID string) (bool, error) {
	result, err := h.store.Get(requestContext(c), cache.Locator{CompileID: compileID, Path: state.url})
	if err != nil {
		return false, nil
	}
	state.status = statusAsset
	state.cacheHit = true
	return true, h.respond(c, state, response{
		contentType: source.ContentTypeFor(state.url),
		body:        result.Content,
		etag:        result.Entry.ETag,
		modTime:     result.Entry.ModTime,
		cached:      true,
	})
}

func (h *Handler) serveSource(c fiber.Ctx, state *requestState, rawPath string) error {
	state.url = source.CleanURL(rawPath)
	state.status = statusSource

	resp, err := h.fetcher.Fetch(requestContext(c), state.url, fiberHeadersAsHTTP(c))
	if err != nil {
		return h.renderError(c, state, err)
	}
	if !resp.OK() {
		return h.renderError(c, state, source.AsFetchError(resp))
	}

	tag := resp.ETag
	if tag == "" {
		tag = etag.Compute(resp.Body)
	}
	contentType := resp.ContentType()
	if contentType == "" {
		contentType = source.ContentTypeFor(state.url)
	}
	return h.respond(c, state, response{
		contentType: contentType,
		body:        resp.Body,
		etag:        tag,
		modTime:     resp.ModTime,
		cached:      true,
	})
}

type response struct {
	contentType string
	body        []byte
	etag        string
	modTime     time.Time
	// cached 表示内容未在本次请求中重新生成，只有此时才允许 304。
	cached bool
}

// respond 按缓存策略写入校验头，并在条件请求命中时返回 304。
func (h *Handler) respond(c fiber.Ctx, state *requestState, r response) error {
	if state.requestID != "" {
		c.Set("X-Request-ID", state.requestID)
	}
	if state.status != "" {
		c.Set(headerCompileStatus, state.status)
	}

	switch h.strategy {
	case compile.StrategyNone:
		c.Set(fiber.HeaderCacheControl, cacheControlNoStore)
	case compile.StrategyMtime:
		c.Set(fiber.HeaderCacheControl, cacheControlRevalidate)
		if !r.modTime.IsZero() {
			c.Set(fiber.HeaderLastModified, r.modTime.UTC().Format(http.TimeFormat))
		}
	default:
		c.Set(fiber.HeaderCacheControl, cacheControlRevalidate)
		c.Set(fiber.HeaderETag, r.etag)
	}

	if r.cached && h.notModified(c, r) {
		h.logResult(state, fiber.StatusNotModified, nil)
		return c.SendStatus(fiber.StatusNotModified)
	}

	c.Set(fiber.HeaderContentType, r.contentType)
	c.Status(fiber.StatusOK)
	h.logResult(state, fiber.StatusOK, nil)
	return c.Send(r.body)
}

func (h *Handler) notModified(c fiber.Ctx, r response) bool {
	if strings.Contains(strings.ToLower(c.Get(fiber.HeaderCacheControl)), "no-cache") {
		return false
	}
	switch h.strategy {
	case compile.StrategyETag:
		return etag.Match(c.Get(fiber.HeaderIfNoneMatch), r.etag)
	case compile.StrategyMtime:
		raw := c.Get(fiber.HeaderIfModifiedSince)
		if raw == "" || r.modTime.IsZero() {
			return false
		}
		since, err := http.ParseTime(raw)
		if err != nil {
			return false
		}
		// HTTP 日期只有秒级精度
		return !r.modTime.Truncate(time.Second).After(since)
	default:
		return false
	}
}

// renderError 将编排过程中的错误映射为 HTTP 响应，上游错误原样透传。
func (h *Handler) renderError(c fiber.Ctx, state *requestState, err error) error {
	var (
		fetchErr *source.FetchError
		typeErr  *compile.TypeError
		panicErr *compile.PanicError
	)
	switch {
	case errors.As(err, &fetchErr):
		for key, values := range fetchErr.Header {
			if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
				continue
			}
			for _, value := range values {
				c.Set(key, value)
			}
		}
		if state.requestID != "" {
			c.Set("X-Request-ID", state.requestID)
		}
		h.logResult(state, fetchErr.Status, err)
		return c.Status(fetchErr.Status).Send(fetchErr.Body)
	case errors.As(err, &panicErr):
		return h.writeError(c, state, fiber.StatusInternalServerError, "compiler_panic", err)
	case errors.As(err, &typeErr):
		return h.writeError(c, state, fiber.StatusInternalServerError, "compile_contract_violation", err)
	case errors.Is(err, cache.ErrDirectoryOperation):
		return h.writeError(c, state, fiber.StatusForbidden, "directory_operation", err)
	case errors.Is(err, cache.ErrInvalidPath):
		return h.writeError(c, state, fiber.StatusBadRequest, "invalid_path", err)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, cache.ErrNotFound):
		return h.writeError(c, state, fiber.StatusNotFound, "not_found", err)
	case errors.Is(err, fs.ErrPermission):
		return h.writeError(c, state, fiber.StatusForbidden, "forbidden", err)
	case errors.Is(err, context.DeadlineExceeded):
		return h.writeError(c, state, fiber.StatusGatewayTimeout, "compile_timeout", err)
	default:
		return h.writeError(c, state, fiber.StatusInternalServerError, "compile_failed", err)
	}
}

func (h *Handler) writeError(c fiber.Ctx, state *requestState, status int, code string, err error) error {
	if state.requestID != "" {
		c.Set("X-Request-ID", state.requestID)
	}
	c.Set(fiber.HeaderCacheControl, cacheControlNoStore)
	h.logResult(state, status, err)
	payload := fiber.Map{"error": code}
	if err != nil {
		payload["message"] = err.Error()
	}
	return c.Status(status).JSON(payload)
}

func (h *Handler) logResult(state *requestState, httpStatus int, err error) {
	fields := logging.RequestFields(state.compileID, state.url, string(h.strategy), state.status, state.cacheHit)
	fields["action"] = "deliver"
	fields["http_status"] = httpStatus
	fields["elapsed_ms"] = time.Since(state.started).Milliseconds()
	if state.requestID != "" {
		fields["request_id"] = state.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		if httpStatus >= fiber.StatusInternalServerError {
			h.logger.WithFields(fields).Error("deliver_failed")
		} else {
			h.logger.WithFields(fields).Warn("deliver_failed")
		}
		return
	}
	h.logger.WithFields(fields).Debug("deliver_complete")
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

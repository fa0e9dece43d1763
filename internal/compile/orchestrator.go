package compile

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ondemand-dev/ondemand/internal/cache"
	"github.com/ondemand-dev/ondemand/internal/etag"
	"github.com/ondemand-dev/ondemand/internal/lock"
	"github.com/ondemand-dev/ondemand/internal/source"
)

// Artifact 是交付层需要的产物内容与版本信息。
type Artifact struct {
	Content         []byte
	ETag            string
	ModTime         time.Time
	ResponseHeaders map[string]string
}

// Outcome 是 ReuseOrCreate 的结果。并发调用方共享同一个 Outcome，不应修改其中的切片或 map。
type Outcome struct {
	Status   Status
	Code     Code
	Meta     cache.Meta
	Artifact Artifact
	Warnings []Code
}

// Options 汇总 Orchestrator 的依赖。
type Options struct {
	Store   cache.Store
	Fetcher source.Fetcher
	// Locker 为空时使用进程内的 lock.Registry。
	Locker            lock.Locker
	Logger            *logrus.Logger
	SourcesValidation bool
	AssetsValidation  bool
	// Now 决定编译在逻辑上完成的时间，测试中可替换。
	Now func() time.Time
}

// Orchestrator 将锁、缓存校验、CompileFunc 与持久化组合为一次完整操作。
type Orchestrator struct {
	store     cache.Store
	fetcher   source.Fetcher
	locks     lock.Locker
	validator *Validator
	logger    *logrus.Logger
	tracer    trace.Tracer
	now       func() time.Time
	flights   singleflight.Group
}

// NewOrchestrator 创建进程级的 Orchestrator。
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("source fetcher is required")
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:   opts.Store,
		fetcher: opts.Fetcher,
		locks:   opts.Locker,
		validator: NewValidator(opts.Store, opts.Fetcher, ValidatorOptions{
			SourcesValidation: opts.SourcesValidation,
			AssetsValidation:  opts.AssetsValidation,
			Logger:            opts.Logger,
		}),
		logger: opts.Logger,
		tracer: otel.Tracer("github.com/ondemand-dev/ondemand/internal/compile"),
		now:    opts.Now,
	}, nil
}

// Validator 返回内部使用的 Validator。
func (o *Orchestrator) Validator() *Validator {
	return o.validator
}

// ReuseOrCreate 返回可用的产物：缓存有效时直接复用，否则编译并持久化。
//
// 同一产物的并发调用被合并为一次执行；执行过程脱离调用方的 ctx，
// 调用方中途放弃只会让自己提前返回，不会取消正在进行的编译。
// ctx 在进入前已结束时直接返回，不会获取锁。
func (o *Orchestrator) ReuseOrCreate(ctx context.Context, req Request) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := ParseStrategy(string(req.Strategy)); err != nil {
		return nil, err
	}
	if req.Compile == nil {
		return nil, &TypeError{Field: "compile", Reason: "must be a function"}
	}
	if req.CompiledURL == "" {
		req.CompiledURL = req.OriginalURL
	}
	locator := cache.Locator{CompileID: req.CompileID, Path: req.CompiledURL}

	ch := o.flights.DoChan(locator.Key(), func() (any, error) {
		return o.run(context.WithoutCancel(ctx), locator, req)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Outcome), nil
	}
}

func (o *Orchestrator) run(ctx context.Context, locator cache.Locator, req Request) (outcome *Outcome, err error) {
	ctx, span := o.tracer.Start(ctx, "compile.ReuseOrCreate", trace.WithAttributes(
		attribute.String("compile.id", locator.CompileID),
		attribute.String("compile.url", req.OriginalURL),
		attribute.String("compile.strategy", string(req.Strategy)),
	))
	started := time.Now()
	defer func() {
		o.finish(span, locator, req, outcome, err, time.Since(started))
	}()

	ctx = source.WithRequestHeader(ctx, req.Header)
	release, err := o.locks.Acquire(ctx, locator.Key())
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", locator.Key(), err)
	}
	defer release()

	validation := o.validator.Validate(ctx, locator, req.Strategy)
	span.SetAttributes(attribute.String("compile.validation", string(validation.Code)))
	if validation.Valid {
		return &Outcome{
			Status: StatusCached,
			Code:   validation.Code,
			Meta:   *validation.Meta,
			Artifact: Artifact{
				Content:         validation.Artifact.Content,
				ETag:            validation.Artifact.Entry.ETag,
				ModTime:         validation.Artifact.Entry.ModTime,
				ResponseHeaders: validation.Meta.ResponseHeaders,
			},
			Warnings: validation.Warnings,
		}, nil
	}

	original, err := o.fetcher.Fetch(ctx, req.OriginalURL, req.Header)
	if err != nil {
		return nil, err
	}
	if !original.OK() {
		return nil, source.AsFetchError(original)
	}

	result, err := o.invoke(ctx, req, original)
	if err != nil {
		return nil, err
	}

	completedAt := o.now()
	meta, err := o.buildMeta(ctx, locator, req, original, result, completedAt)
	if err != nil {
		return nil, err
	}
	if err := o.persist(ctx, locator, result, meta, completedAt); err != nil {
		return nil, err
	}

	status := StatusCreated
	if validation.Meta != nil {
		status = StatusUpdated
	}
	return &Outcome{
		Status: status,
		Code:   validation.Code,
		Meta:   meta,
		Artifact: Artifact{
			Content:         result.Content,
			ETag:            etag.Compute(result.Content),
			ModTime:         completedAt,
			ResponseHeaders: result.ResponseHeaders,
		},
		Warnings: validation.Warnings,
	}, nil
}

// invoke 调用 CompileFunc，panic 被转换为 *PanicError，结果违反约定时返回 *TypeError。
func (o *Orchestrator) invoke(ctx context.Context, req Request, original *source.Response) (result *CompileResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	result, err = req.Compile(ctx, CompileInput{
		URL:         original.URL,
		Content:     original.Body,
		ContentType: original.ContentType(),
		CompiledURL: req.CompiledURL,
		CompileID:   req.CompileID,
		Profile:     req.Profile,
	})
	if err != nil {
		return nil, err
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

// buildMeta 记录源文件与资源的版本。源文件本身总会被记录，因此持久化的元数据不会是 SOURCES_EMPTY。
func (o *Orchestrator) buildMeta(ctx context.Context, locator cache.Locator, req Request, original *source.Response, result *CompileResult, completedAt time.Time) (cache.Meta, error) {
	originalETag := original.ETag
	if originalETag == "" {
		originalETag = etag.Compute(original.Body)
	}
	sources := []cache.SourceRecord{{
		URL:     original.URL,
		ETag:    originalETag,
		ModTime: cache.ModTimeMillis(original.ModTime),
	}}

	seen := map[string]int{original.URL: 0}
	var pending []int
	for i, raw := range result.Sources {
		url := source.ResolveURL(original.URL, raw)
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = len(sources)
		record := cache.SourceRecord{URL: url}
		if i < len(result.SourcesContent) {
			record.ETag = etag.Compute(result.SourcesContent[i])
		}
		sources = append(sources, record)
		pending = append(pending, len(sources)-1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, idx := range pending {
		g.Go(func() error {
			info, err := o.fetcher.Stat(gctx, sources[idx].URL)
			if err != nil {
				o.logger.WithFields(logrus.Fields{
					"action":     "compile_sources",
					"compile_id": locator.CompileID,
					"source":     sources[idx].URL,
				}).Warnf("stat source failed: %v", err)
				return nil
			}
			if sources[idx].ETag == "" {
				sources[idx].ETag = info.ETag
			}
			sources[idx].ModTime = cache.ModTimeMillis(info.ModTime)
			return nil
		})
	}
	_ = g.Wait()

	assets := make([]cache.SourceRecord, 0, len(result.Assets))
	for i, raw := range result.Assets {
		assetLocator, ok := locator.Resolve(raw)
		if !ok {
			return cache.Meta{}, &TypeError{Field: fmt.Sprintf("assets[%d]", i), Reason: fmt.Sprintf("%q escapes the compile directory", raw)}
		}
		if assetLocator.Key() == locator.Key() || assetLocator.Path == locator.MetaPath() {
			return cache.Meta{}, &TypeError{Field: fmt.Sprintf("assets[%d]", i), Reason: fmt.Sprintf("%q overwrites the compiled file", raw)}
		}
		assets = append(assets, cache.SourceRecord{
			URL:     assetLocator.Path,
			ETag:    etag.Compute(result.AssetsContent[i]),
			ModTime: cache.ModTimeMillis(completedAt),
		})
	}

	createdAt := cache.ModTimeMillis(completedAt)
	return cache.Meta{
		ContentType:     result.ContentType,
		Sources:         sources,
		Assets:          assets,
		Dependencies:    append([]string(nil), result.Dependencies...),
		ResponseHeaders: result.ResponseHeaders,
		CreatedAt:       createdAt,
		LastModifiedAt:  createdAt,
	}, nil
}

// persist 并行写入产物与资源，全部成功后再整体替换元数据，元数据因此不会指向缺失的产物。
func (o *Orchestrator) persist(ctx context.Context, locator cache.Locator, result *CompileResult, meta cache.Meta, completedAt time.Time) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := o.store.Put(gctx, locator, result.Content, cache.PutOptions{ModTime: completedAt})
		return err
	})
	for i, record := range meta.Assets {
		content := result.AssetsContent[i]
		g.Go(func() error {
			assetLocator := cache.Locator{CompileID: locator.CompileID, Path: record.URL}
			_, err := o.store.Put(gctx, assetLocator, content, cache.PutOptions{ModTime: completedAt})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("persist artifact: %w", err)
	}
	if err := o.store.WriteMeta(ctx, locator, meta); err != nil {
		return fmt.Errorf("persist meta: %w", err)
	}
	return nil
}

func (o *Orchestrator) finish(span trace.Span, locator cache.Locator, req Request, outcome *Outcome, err error, elapsed time.Duration) {
	fields := logrus.Fields{
		"action":     "compile",
		"compile_id": locator.CompileID,
		"url":        req.OriginalURL,
		"strategy":   string(req.Strategy),
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if req.RequestID != "" {
		fields["request_id"] = req.RequestID
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		o.logger.WithFields(fields).WithError(err).Error("compile_failed")
		return
	}
	span.SetAttributes(attribute.String("compile.status", string(outcome.Status)))
	span.End()

	fields["compile_status"] = outcome.Status
	fields["code"] = outcome.Code
	if len(outcome.Warnings) > 0 {
		fields["warnings"] = outcome.Warnings
	}
	if outcome.Status == StatusCached {
		o.logger.WithFields(fields).Debug("compile_complete")
		return
	}
	o.logger.WithFields(fields).Info("compile_complete")
}

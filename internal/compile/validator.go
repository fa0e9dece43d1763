package compile

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ondemand-dev/ondemand/internal/cache"
	"github.com/ondemand-dev/ondemand/internal/source"
)

// Validation 是一次缓存校验的结果。Valid 时 Meta 与 Artifact 均已读出，调用方无需再次读取。
type Validation struct {
	Valid    bool
	Code     Code
	Meta     *cache.Meta
	Artifact *cache.ReadResult
	Warnings []Code
}

// ValidatorOptions 对应 CompileCacheSourcesValidation / CompileCacheAssetsValidation 两个开关。
type ValidatorOptions struct {
	SourcesValidation bool
	AssetsValidation  bool
	Logger            *logrus.Logger
}

// Validator 判断持久化的产物是否仍然可用。
type Validator struct {
	store   cache.Store
	fetcher source.Fetcher
	opts    ValidatorOptions
}

// NewValidator 创建 Validator。
func NewValidator(store cache.Store, fetcher source.Fetcher, opts ValidatorOptions) *Validator {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Validator{store: store, fetcher: fetcher, opts: opts}
}

// Validate 依次检查：策略、元数据、源文件、资源文件、产物本身。
func (v *Validator) Validate(ctx context.Context, locator cache.Locator, strategy Strategy) Validation {
	meta, err := v.store.ReadMeta(ctx, locator)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			v.opts.Logger.WithFields(logrus.Fields{
				"action":     "cache_validate",
				"compile_id": locator.CompileID,
				"url":        locator.Path,
			}).Warnf("read meta failed: %v", err)
		}
		if strategy == StrategyNone {
			return Validation{Code: CodeDisabled}
		}
		return Validation{Code: CodeMetaNotFound}
	}

	if strategy == StrategyNone {
		return Validation{Code: CodeDisabled, Meta: meta}
	}

	var warnings []Code
	if len(meta.Sources) == 0 {
		warnings = append(warnings, CodeSourcesEmpty)
		v.opts.Logger.WithFields(logrus.Fields{
			"action":     "cache_validate",
			"compile_id": locator.CompileID,
			"url":        locator.Path,
			"code":       CodeSourcesEmpty,
		}).Warn("meta has no sources, artifact can only be invalidated by recompiling")
	}

	if v.opts.SourcesValidation && len(meta.Sources) > 0 {
		if !v.sourcesUnchanged(ctx, meta.Sources, strategy) {
			return Validation{Code: CodeSourceChanged, Meta: meta, Warnings: warnings}
		}
	}

	if v.opts.AssetsValidation && len(meta.Assets) > 0 {
		if !v.assetsUnchanged(ctx, locator, meta.Assets, strategy) {
			return Validation{Code: CodeAssetChanged, Meta: meta, Warnings: warnings}
		}
	}

	artifact, err := v.store.Get(ctx, locator)
	if err != nil {
		return Validation{Code: CodeArtifactUnreadable, Meta: meta, Warnings: warnings}
	}

	return Validation{Valid: true, Code: CodeValid, Meta: meta, Artifact: artifact, Warnings: warnings}
}

// sourcesUnchanged 并发 Stat 所有源文件，任一读取失败或版本不一致都视为变化。
func (v *Validator) sourcesUnchanged(ctx context.Context, records []cache.SourceRecord, strategy Strategy) bool {
	var changed atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, record := range records {
		g.Go(func() error {
			info, err := v.fetcher.Stat(gctx, record.URL)
			if err != nil || !recordMatches(record, info.ETag, cache.ModTimeMillis(info.ModTime), strategy) {
				changed.Store(true)
				return errChanged
			}
			return nil
		})
	}
	_ = g.Wait()
	return !changed.Load()
}

func (v *Validator) assetsUnchanged(ctx context.Context, locator cache.Locator, records []cache.SourceRecord, strategy Strategy) bool {
	var changed atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, record := range records {
		g.Go(func() error {
			assetLocator := cache.Locator{CompileID: locator.CompileID, Path: record.URL}
			var (
				etag  string
				mtime int64
			)
			if strategy == StrategyETag && record.ETag != "" {
				result, err := v.store.Get(gctx, assetLocator)
				if err != nil {
					changed.Store(true)
					return errChanged
				}
				etag, mtime = result.Entry.ETag, cache.ModTimeMillis(result.Entry.ModTime)
			} else {
				entry, err := v.store.Stat(gctx, assetLocator)
				if err != nil {
					changed.Store(true)
					return errChanged
				}
				mtime = cache.ModTimeMillis(entry.ModTime)
			}
			if !recordMatches(record, etag, mtime, strategy) {
				changed.Store(true)
				return errChanged
			}
			return nil
		})
	}
	_ = g.Wait()
	return !changed.Load()
}

// errChanged 让 errgroup 在发现第一处变化后取消其余检查。
var errChanged = errors.New("changed")

// recordMatches 按策略比较；记录缺少对应字段时退回另一字段，两者都缺失视为变化。
func recordMatches(record cache.SourceRecord, etag string, mtime int64, strategy Strategy) bool {
	useETag := record.ETag != ""
	if strategy == StrategyMtime && record.ModTime != 0 {
		useETag = false
	}
	if useETag {
		return etag != "" && record.ETag == etag
	}
	if record.ModTime != 0 {
		return mtime != 0 && record.ModTime == mtime
	}
	return false
}

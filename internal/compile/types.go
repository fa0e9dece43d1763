package compile

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ondemand-dev/ondemand/internal/profile"
)

// Strategy 决定如何判断源文件是否变化，以及交付层使用哪种条件请求头。
type Strategy string

const (
	StrategyETag  Strategy = "etag"
	StrategyMtime Strategy = "mtime"
	StrategyNone  Strategy = "none"
)

// ParseStrategy 将配置字符串转换为 Strategy，非法值返回 *TypeError。
func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(raw))); s {
	case StrategyETag, StrategyMtime, StrategyNone:
		return s, nil
	default:
		return "", &TypeError{Field: "compileCacheStrategy", Reason: fmt.Sprintf("must be etag, mtime or none, got %q", raw)}
	}
}

// Code 是缓存校验的结果码。
type Code string

const (
	CodeValid              Code = "VALID"
	CodeDisabled           Code = "DISABLED"
	CodeMetaNotFound       Code = "META_NOT_FOUND"
	CodeSourcesEmpty       Code = "SOURCES_EMPTY"
	CodeSourceChanged      Code = "SOURCE_CHANGED"
	CodeAssetChanged       Code = "ASSET_CHANGED"
	CodeArtifactUnreadable Code = "ARTIFACT_UNREADABLE"
)

// Status 描述一次 ReuseOrCreate 的结果来源。
type Status string

const (
	StatusCached  Status = "cached"
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
)

// CompileInput 是交给 CompileFunc 的输入。
type CompileInput struct {
	// URL 是源文件在项目中的路径，例如 /src/app.js。
	URL         string
	Content     []byte
	ContentType string
	// CompiledURL 是产物在编译目录中的相对路径。
	CompiledURL string
	CompileID   string
	Profile     profile.CompileProfile
}

// CompileResult 是 CompileFunc 的输出。ContentType 与 Content 必填，其余可选。
type CompileResult struct {
	ContentType string
	Content     []byte
	// Sources 是编译过程中读取过的其它文件，./ 与 ../ 开头时相对源文件解析。
	Sources []string
	// SourcesContent 与 Sources 一一对应，提供时直接用于计算 etag。
	SourcesContent [][]byte
	// Assets 是相对产物所在目录写出的附属文件，例如 sourcemap。
	Assets        []string
	AssetsContent [][]byte
	Dependencies  []string
	// ResponseHeaders 会原样附加到交付的响应上。
	ResponseHeaders map[string]string
}

// Validate 在边界上检查结果是否满足约定，违规时返回 *TypeError。
func (r *CompileResult) Validate() error {
	if r == nil {
		return &TypeError{Field: "result", Reason: "compile returned no result"}
	}
	if strings.TrimSpace(r.ContentType) == "" {
		return &TypeError{Field: "contentType", Reason: "must be a non-empty string"}
	}
	if r.Content == nil {
		return &TypeError{Field: "content", Reason: "is required"}
	}
	if len(r.SourcesContent) > 0 && len(r.SourcesContent) != len(r.Sources) {
		return &TypeError{Field: "sourcesContent", Reason: fmt.Sprintf("has %d entries for %d sources", len(r.SourcesContent), len(r.Sources))}
	}
	if len(r.AssetsContent) != len(r.Assets) {
		return &TypeError{Field: "assetsContent", Reason: fmt.Sprintf("has %d entries for %d assets", len(r.AssetsContent), len(r.Assets))}
	}
	for i, source := range r.Sources {
		if strings.TrimSpace(source) == "" {
			return &TypeError{Field: fmt.Sprintf("sources[%d]", i), Reason: "must be a non-empty string"}
		}
	}
	for i, asset := range r.Assets {
		if strings.TrimSpace(asset) == "" {
			return &TypeError{Field: fmt.Sprintf("assets[%d]", i), Reason: "must be a non-empty string"}
		}
	}
	return nil
}

// CompileFunc 把源文件转换为目标运行时可以执行的内容。
type CompileFunc func(ctx context.Context, input CompileInput) (*CompileResult, error)

// Request 描述一次 ReuseOrCreate 调用。
type Request struct {
	// OriginalURL 是源文件在项目中的路径。
	OriginalURL string
	// CompiledURL 是产物在编译目录中的相对路径，通常与 OriginalURL 相同。
	CompiledURL string
	CompileID   string
	Profile     profile.CompileProfile
	Strategy    Strategy
	Compile     CompileFunc
	// Header 是客户端请求头，读取远端源文件时按需透传。
	Header http.Header
	// RequestID 只用于日志关联。
	RequestID string
}

// TypeError 表示调用方或 CompileFunc 违反了数据约定。
type TypeError struct {
	Field  string
	Reason string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("compile contract violation: %s %s", e.Field, e.Reason)
}

// PanicError 表示 CompileFunc 在执行过程中 panic。
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("compiler panic: %v", e.Value)
}

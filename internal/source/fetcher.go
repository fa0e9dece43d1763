package source

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"
)

// Response 是一次源文件读取的结果。Status 非 2xx 时 Body 为上游返回的错误内容。
type Response struct {
	URL     string
	Status  int
	Header  http.Header
	Body    []byte
	ETag    string
	ModTime time.Time
}

// OK 判断状态码是否为 2xx。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// ContentType 返回响应声明的 Content-Type。
func (r *Response) ContentType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// Info 描述源文件当前的版本信息，用于缓存校验。
type Info struct {
	URL     string
	ETag    string
	ModTime time.Time
}

// Fetcher 抽象源文件读取：本地目录或远端镜像。
type Fetcher interface {
	// Fetch 读取完整内容；文件不存在等情况通过 Status 表达，而不是 error。
	Fetch(ctx context.Context, url string, header http.Header) (*Response, error)
	// Stat 仅返回版本信息；不存在时返回 error。
	Stat(ctx context.Context, url string) (*Info, error)
}

// FetchError 表示源文件读取得到了非 2xx 响应，交付层原样返回给客户端。
type FetchError struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

// AsFetchError 将非 2xx 的 Response 转换为 FetchError。
func AsFetchError(resp *Response) *FetchError {
	return &FetchError{
		URL:    resp.URL,
		Status: resp.Status,
		Header: resp.Header.Clone(),
		Body:   append([]byte(nil), resp.Body...),
	}
}

// CleanURL 将请求路径规范化为以 / 开头、不含 .. 的项目内路径。
func CleanURL(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	return path.Clean("/" + raw)
}

// ResolveURL 按照相对引用规则解析 ref：以 ./ 或 ../ 开头时相对 base 所在目录，否则视为项目根路径。
func ResolveURL(base, ref string) string {
	if strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../") {
		return CleanURL(path.Join(path.Dir(CleanURL(base)), ref))
	}
	return CleanURL(ref)
}

type requestHeaderKey struct{}

// WithRequestHeader 把客户端请求头挂到 ctx 上，供 Stat 访问受保护的远端源时透传。
func WithRequestHeader(ctx context.Context, header http.Header) context.Context {
	if header == nil {
		return ctx
	}
	return context.WithValue(ctx, requestHeaderKey{}, header)
}

// RequestHeader 返回 WithRequestHeader 挂载的请求头。
func RequestHeader(ctx context.Context) http.Header {
	header, _ := ctx.Value(requestHeaderKey{}).(http.Header)
	return header
}

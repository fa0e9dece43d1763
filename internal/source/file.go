package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ondemand-dev/ondemand/internal/cache"
	"github.com/ondemand-dev/ondemand/internal/etag"
)

// FileFetcher 从项目目录读取源文件。
type FileFetcher struct {
	root string
}

var _ Fetcher = (*FileFetcher)(nil)

// NewFileFetcher 以 root 作为项目根目录。
func NewFileFetcher(root string) (*FileFetcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("project directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project directory %s is not a directory", abs)
	}
	return &FileFetcher{root: abs}, nil
}

// Root 返回项目根目录的绝对路径。
func (f *FileFetcher) Root() string {
	return f.root
}

func (f *FileFetcher) Fetch(ctx context.Context, url string, _ http.Header) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	url = CleanURL(url)
	filePath := f.FilePath(url)

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound(url), nil
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", url, cache.ErrDirectoryOperation)
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound(url), nil
		}
		return nil, err
	}

	header := http.Header{}
	header.Set("Content-Type", ContentTypeFor(url))
	return &Response{
		URL:     url,
		Status:  http.StatusOK,
		Header:  header,
		Body:    content,
		ETag:    etag.Compute(content),
		ModTime: info.ModTime(),
	}, nil
}

func (f *FileFetcher) Stat(ctx context.Context, url string) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	url = CleanURL(url)
	filePath := f.FilePath(url)

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", url, cache.ErrDirectoryOperation)
	}
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return &Info{URL: url, ETag: etag.Compute(content), ModTime: info.ModTime()}, nil
}

// FilePath 将项目内 URL 映射为磁盘路径。CleanURL 保证结果不会越过 root。
func (f *FileFetcher) FilePath(url string) string {
	return filepath.Join(f.root, filepath.FromSlash(strings.TrimPrefix(CleanURL(url), "/")))
}

// ContentTypeFor 按扩展名推断 Content-Type，未知类型回退为二进制流。
func ContentTypeFor(url string) string {
	ext := strings.ToLower(filepath.Ext(url))
	switch ext {
	case ".js", ".mjs", ".cjs", ".jsx", ".ts", ".tsx":
		return "application/javascript"
	case ".json", ".map":
		return "application/json"
	case ".css":
		return "text/css"
	case ".html", ".htm":
		return "text/html"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func notFound(url string) *Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		URL:    url,
		Status: http.StatusNotFound,
		Header: header,
		Body:   []byte(fmt.Sprintf("%s not found", url)),
	}
}

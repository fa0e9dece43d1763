package cache

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

// Store 负责编译产物、资源文件与元数据的读写。磁盘布局遵循：
//
//	<StoragePath>/<compileId>/<path>                     # 编译产物 / 资源
//	<StoragePath>/<compileId>/<path>__asset__/meta.json  # 元数据
//
// 元数据可以独立于正文读取，便于在不读取产物内容的情况下判断缓存是否有效。
type Store interface {
	// ReadMeta 读取元数据，不存在或无法解析时返回 ErrNotFound。
	ReadMeta(ctx context.Context, locator Locator) (*Meta, error)

	// WriteMeta 整体替换元数据，不支持局部更新。
	WriteMeta(ctx context.Context, locator Locator, meta Meta) error

	// Get 读取产物或资源正文，并计算 ETag。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Stat 仅返回文件信息（不含 ETag），用于 mtime 策略下的廉价校验。
	Stat(ctx context.Context, locator Locator) (*Entry, error)

	// Put 原子写入正文，并按 opts.ModTime 设置修改时间。
	Put(ctx context.Context, locator Locator, content []byte, opts PutOptions) (*Entry, error)

	// Remove 删除正文及其元数据。
	Remove(ctx context.Context, locator Locator) error
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	// ModTime 是编译在逻辑上完成的时间，写入完成后显式设置到文件上。
	ModTime time.Time
}

// Locator 唯一定位一个缓存条目（编译目录 + 相对路径），路径均为 URL 风格。
type Locator struct {
	CompileID string
	Path      string
}

// MetaPath 返回元数据记录相对编译目录的路径。
func (l Locator) MetaPath() string {
	return cleanRelative(l.Path) + metaSuffix
}

// Key 是锁与内存缓存共用的标识：编译目录下元数据的路径。
func (l Locator) Key() string {
	return l.CompileID + "/" + l.MetaPath()
}

// Resolve 返回相对当前条目所在目录解析后的同编译目录条目，越界时返回 false。
func (l Locator) Resolve(rel string) (Locator, bool) {
	if rel == "" || path.IsAbs(rel) {
		return Locator{}, false
	}
	joined := path.Join(path.Dir(cleanRelative(l.Path)), rel)
	if joined == "." || joined == ".." || strings.HasPrefix(joined, "../") {
		return Locator{}, false
	}
	return Locator{CompileID: l.CompileID, Path: joined}, true
}

const metaSuffix = "__asset__/meta.json"

// Entry 描述一个已落盘的正文文件。
type Entry struct {
	Locator   Locator   `json:"locator"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
	ETag      string    `json:"etag,omitempty"`
}

// ReadResult 组合 Entry 与正文。
type ReadResult struct {
	Entry   Entry
	Content []byte
}

// SourceRecord 记录编译时读取过的一个文件及其当时的版本信息。
type SourceRecord struct {
	URL     string `json:"url"`
	ETag    string `json:"etag,omitempty"`
	ModTime int64  `json:"mtime,omitempty"`
}

// Meta 是每个编译产物对应的持久化元数据。
type Meta struct {
	ContentType     string            `json:"contentType"`
	Sources         []SourceRecord    `json:"sources"`
	Assets          []SourceRecord    `json:"assets"`
	Dependencies    []string          `json:"dependencies"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	CreatedAt       int64             `json:"createdMs"`
	LastModifiedAt  int64             `json:"lastModifiedMs"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrDirectoryOperation 表示请求的路径是目录，不允许作为产物读写。
	ErrDirectoryOperation = errors.New("directory operation not allowed")
	// ErrInvalidPath 表示路径越过了编译目录。
	ErrInvalidPath = errors.New("invalid cache path")
)

func cleanRelative(p string) string {
	if p == "" || p == "/" {
		return "root"
	}
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" {
		return "root"
	}
	return clean
}

// ModTimeMillis 将时间转换为元数据使用的毫秒精度。
func ModTimeMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

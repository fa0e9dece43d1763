package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ondemand-dev/ondemand/internal/etag"
	"github.com/ondemand-dev/ondemand/internal/lock"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    lock.NewRegistry(),
	}, nil
}

// fileStore 通过文件级锁避免同一路径并发写入，同时复用 basePath。
type fileStore struct {
	basePath string
	locks    *lock.Registry
}

func (s *fileStore) ReadMeta(ctx context.Context, locator Locator) (*Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := s.filePath(locator.CompileID, locator.MetaPath())
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, mapFSError(err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		// 无法解析的元数据与不存在等价，交由上层重新编译覆盖
		return nil, ErrNotFound
	}
	return &meta, nil
}

func (s *fileStore) WriteMeta(ctx context.Context, locator Locator, meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	filePath, err := s.filePath(locator.CompileID, locator.MetaPath())
	if err != nil {
		return err
	}
	_, err = s.writeFile(ctx, filePath, data, time.Time{})
	return err
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	entry, err := s.Stat(ctx, locator)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(entry.FilePath)
	if err != nil {
		return nil, mapFSError(err)
	}
	entry.ETag = etag.Compute(content)
	entry.SizeBytes = int64(len(content))
	return &ReadResult{Entry: *entry, Content: content}, nil
}

func (s *fileStore) Stat(ctx context.Context, locator Locator) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.path(locator)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, mapFSError(err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", locator.Path, ErrDirectoryOperation)
	}
	return &Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, content []byte, opts PutOptions) (*Entry, error) {
	filePath, err := s.path(locator)
	if err != nil {
		return nil, err
	}
	modTime, err := s.writeFile(ctx, filePath, content, opts.ModTime)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: int64(len(content)),
		ModTime:   modTime,
		ETag:      etag.Compute(content),
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	for _, rel := range []string{locator.Path, locator.MetaPath()} {
		filePath, err := s.filePath(locator.CompileID, rel)
		if err != nil {
			return err
		}
		if err := s.removeFile(ctx, filePath); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) removeFile(ctx context.Context, filePath string) error {
	release, err := s.locks.Acquire(ctx, filePath)
	if err != nil {
		return err
	}
	defer release()
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// writeFile 先写临时文件再 rename，最后显式设置修改时间。
func (s *fileStore) writeFile(ctx context.Context, filePath string, content []byte, modTime time.Time) (time.Time, error) {
	release, err := s.locks.Acquire(ctx, filePath)
	if err != nil {
		return time.Time{}, err
	}
	defer release()

	if info, err := os.Stat(filePath); err == nil && info.IsDir() {
		return time.Time{}, fmt.Errorf("%s: %w", filePath, ErrDirectoryOperation)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return time.Time{}, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return time.Time{}, err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(content)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return time.Time{}, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return time.Time{}, err
	}

	if modTime.IsZero() {
		modTime = time.Now()
	}
	if err := os.Chtimes(filePath, modTime, modTime); err != nil {
		return time.Time{}, err
	}
	return modTime, nil
}

func (s *fileStore) path(locator Locator) (string, error) {
	return s.filePath(locator.CompileID, locator.Path)
}

func (s *fileStore) filePath(compileID, rel string) (string, error) {
	if compileID == "" {
		return "", errors.New("compile id required")
	}
	if strings.ContainsAny(compileID, `/\`) || compileID == "." || compileID == ".." {
		return "", ErrInvalidPath
	}

	root := filepath.Join(s.basePath, compileID)
	filePath := filepath.Join(root, filepath.FromSlash(cleanRelative(rel)))
	if filePath != root && !strings.HasPrefix(filePath, root+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return filePath, nil
}

func mapFSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case isDirectoryError(err):
		return fmt.Errorf("%v: %w", err, ErrDirectoryOperation)
	default:
		return err
	}
}

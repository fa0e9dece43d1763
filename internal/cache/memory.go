package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore 在慢速 Store 之前维护一层 LRU 读缓存，写操作直写到底层并刷新缓存。
type MemoryStore struct {
	inner     Store
	metas     *lru.Cache[string, Meta]
	artifacts *lru.Cache[string, ReadResult]
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 以 size 作为元数据与产物各自的最大条目数。
func NewMemoryStore(inner Store, size int) (*MemoryStore, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner store is required")
	}
	if size <= 0 {
		size = 1024
	}
	metas, err := lru.New[string, Meta](size)
	if err != nil {
		return nil, fmt.Errorf("init meta cache: %w", err)
	}
	artifacts, err := lru.New[string, ReadResult](size)
	if err != nil {
		return nil, fmt.Errorf("init artifact cache: %w", err)
	}
	return &MemoryStore{inner: inner, metas: metas, artifacts: artifacts}, nil
}

func (m *MemoryStore) ReadMeta(ctx context.Context, locator Locator) (*Meta, error) {
	key := locator.Key()
	if meta, ok := m.metas.Get(key); ok {
		return cloneMeta(meta), nil
	}
	meta, err := m.inner.ReadMeta(ctx, locator)
	if err != nil {
		return nil, err
	}
	m.metas.Add(key, *cloneMeta(*meta))
	return meta, nil
}

func (m *MemoryStore) WriteMeta(ctx context.Context, locator Locator, meta Meta) error {
	key := locator.Key()
	if err := m.inner.WriteMeta(ctx, locator, meta); err != nil {
		m.metas.Remove(key)
		return err
	}
	m.metas.Add(key, *cloneMeta(meta))
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	key := artifactKey(locator)
	if cached, ok := m.artifacts.Get(key); ok {
		result := cached
		return &result, nil
	}
	result, err := m.inner.Get(ctx, locator)
	if err != nil {
		return nil, err
	}
	m.artifacts.Add(key, *result)
	return result, nil
}

func (m *MemoryStore) Stat(ctx context.Context, locator Locator) (*Entry, error) {
	if cached, ok := m.artifacts.Get(artifactKey(locator)); ok {
		entry := cached.Entry
		return &entry, nil
	}
	return m.inner.Stat(ctx, locator)
}

func (m *MemoryStore) Put(ctx context.Context, locator Locator, content []byte, opts PutOptions) (*Entry, error) {
	key := artifactKey(locator)
	entry, err := m.inner.Put(ctx, locator, content, opts)
	if err != nil {
		m.artifacts.Remove(key)
		return nil, err
	}
	m.artifacts.Add(key, ReadResult{Entry: *entry, Content: content})
	return entry, nil
}

func (m *MemoryStore) Remove(ctx context.Context, locator Locator) error {
	m.metas.Remove(locator.Key())
	m.artifacts.Remove(artifactKey(locator))
	return m.inner.Remove(ctx, locator)
}

// Len 返回当前缓存的元数据与产物条目数。
func (m *MemoryStore) Len() (metas, artifacts int) {
	return m.metas.Len(), m.artifacts.Len()
}

func artifactKey(locator Locator) string {
	return locator.CompileID + "/" + cleanRelative(locator.Path)
}

func cloneMeta(meta Meta) *Meta {
	out := meta
	out.Sources = append([]SourceRecord(nil), meta.Sources...)
	out.Assets = append([]SourceRecord(nil), meta.Assets...)
	out.Dependencies = append([]string(nil), meta.Dependencies...)
	if meta.ResponseHeaders != nil {
		out.ResponseHeaders = make(map[string]string, len(meta.ResponseHeaders))
		for k, v := range meta.ResponseHeaders {
			out.ResponseHeaders[k] = v
		}
	}
	return &out
}

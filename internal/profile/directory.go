package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DirectoriesFile 是编译目录表在 StoragePath 下的持久化文件名。
const DirectoriesFile = "__compile_directories__.json"

// ErrDisposed 表示 Table 已经被释放。
var ErrDisposed = errors.New("compile directory table disposed")

// Directory 将一个 compileId 绑定到一个 CompileProfile。
type Directory struct {
	CompileID string         `json:"compileId"`
	Profile   CompileProfile `json:"compileProfile"`
}

// Table 负责 profile 的驻留：值相等的 profile 永远解析到同一个 Directory。
// 插入是 compare-and-insert 临界区；读取同样加锁，以免与插入竞争。
type Table struct {
	mu       sync.Mutex
	byKey    map[string]*Directory
	byID     map[string]*Directory
	ordered  []*Directory
	path     string
	disposed bool

	saveMu sync.Mutex
}

// NewTable 创建进程级的编译目录表。path 为空时不持久化。
func NewTable(path string) *Table {
	return &Table{
		byKey: make(map[string]*Directory),
		byID:  make(map[string]*Directory),
		path:  path,
	}
}

// Resolve 查找或创建与 profile 值相等的 Directory；created 表示本次是否新建。
func (t *Table) Resolve(profile CompileProfile) (dir Directory, created bool, err error) {
	key := profile.Key()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return Directory{}, false, ErrDisposed
	}

	if existing, ok := t.byKey[key]; ok {
		return copyDirectory(existing), false, nil
	}

	entry := &Directory{CompileID: t.mintID(key), Profile: profile.Clone()}
	t.insert(key, entry)
	return copyDirectory(entry), true, nil
}

// Lookup 根据 compileId 查找 Directory。
func (t *Table) Lookup(compileID string) (Directory, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.byID[compileID]
	if !ok {
		return Directory{}, false
	}
	return copyDirectory(entry), true
}

// List 按创建顺序返回所有 Directory。
func (t *Table) List() []Directory {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Directory, len(t.ordered))
	for i, entry := range t.ordered {
		out[i] = copyDirectory(entry)
	}
	return out
}

// Len 返回已驻留的 profile 数量。
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ordered)
}

// Load 从持久化文件恢复目录表，文件不存在时视为空表。
func (t *Table) Load() error {
	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read compile directories: %w", err)
	}
	var entries []Directory
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode compile directories: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return ErrDisposed
	}
	for i := range entries {
		entry := entries[i]
		if entry.CompileID == "" {
			continue
		}
		key := entry.Profile.Key()
		if _, exists := t.byKey[key]; exists {
			continue
		}
		if _, exists := t.byID[entry.CompileID]; exists {
			continue
		}
		t.insert(key, &entry)
	}
	return nil
}

// Save 以临时文件 + rename 的方式整体写入目录表。
func (t *Table) Save() error {
	if t.path == "" {
		return nil
	}
	t.saveMu.Lock()
	defer t.saveMu.Unlock()

	data, err := json.MarshalIndent(t.List(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode compile directories: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(t.path), ".directories-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Dispose 清空目录表，之后的 Resolve 返回 ErrDisposed。
func (t *Table) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = true
	t.byKey = map[string]*Directory{}
	t.byID = map[string]*Directory{}
	t.ordered = nil
}

func (t *Table) insert(key string, entry *Directory) {
	t.byKey[key] = entry
	t.byID[entry.CompileID] = entry
	t.ordered = append(t.ordered, entry)
}

// mintID 由 profile key 派生 8 位十六进制 id，冲突时追加 -N 后缀。调用方需持有 mu。
func (t *Table) mintID(key string) string {
	base := fmt.Sprintf("%08x", uint32(xxhash.Sum64String(key)))
	id := base
	for n := 2; ; n++ {
		if _, taken := t.byID[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

func copyDirectory(entry *Directory) Directory {
	return Directory{CompileID: entry.CompileID, Profile: entry.Profile.Clone()}
}

package compiler

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/ondemand-dev/ondemand/internal/compile"
)

const defaultCompilerKey = "copy"

// Metadata 描述编译器，供诊断接口输出。
type Metadata struct {
	Key         string   `json:"key"`
	Description string   `json:"description,omitempty"`
	Extensions  []string `json:"extensions"`
	ContentType string   `json:"contentType,omitempty"`
	Builtin     bool     `json:"builtin"`
	Command     string   `json:"command,omitempty"`
}

// Compiler 将元数据与实际的 CompileFunc 绑定。
type Compiler struct {
	Metadata
	Compile compile.CompileFunc
}

// Registry 保存所有编译器，并按扩展名索引。扩展名先注册者生效。
type Registry struct {
	mu         sync.RWMutex
	compilers  map[string]Compiler
	extensions map[string]string
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{
		compilers:  make(map[string]Compiler),
		extensions: make(map[string]string),
	}
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func normalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Register 加入编译器，重复键返回错误；已被占用的扩展名会被跳过。
func (r *Registry) Register(c Compiler) error {
	key := normalizeKey(c.Key)
	if key == "" {
		return fmt.Errorf("compiler key is required")
	}
	if c.Compile == nil {
		return fmt.Errorf("compiler %s has no compile function", key)
	}
	c.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.compilers[key]; exists {
		return fmt.Errorf("compiler %s already registered", key)
	}
	claimed := make([]string, 0, len(c.Extensions))
	for _, raw := range c.Extensions {
		ext := normalizeExtension(raw)
		if ext == "" {
			continue
		}
		if _, taken := r.extensions[ext]; taken {
			continue
		}
		r.extensions[ext] = key
		claimed = append(claimed, ext)
	}
	c.Extensions = claimed
	r.compilers[key] = c
	return nil
}

// MustRegister 在注册失败时 panic。
func (r *Registry) MustRegister(c Compiler) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的编译器，大小写不敏感。
func (r *Registry) Resolve(key string) (Compiler, bool) {
	normalized := normalizeKey(key)
	if normalized == "" {
		return Compiler{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.compilers[normalized]
	return c, ok
}

// ForURL 按扩展名选择编译器，没有匹配时回退到 copy。
func (r *Registry) ForURL(url string) (Compiler, bool) {
	ext := normalizeExtension(path.Ext(url))

	r.mu.RLock()
	defer r.mu.RUnlock()

	if key, ok := r.extensions[ext]; ok && ext != "" {
		return r.compilers[key], true
	}
	c, ok := r.compilers[defaultCompilerKey]
	return c, ok
}

// List 返回按键排序的编译器元数据。
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.compilers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.compilers))
	for key := range r.compilers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Metadata, 0, len(keys))
	for _, key := range keys {
		meta := r.compilers[key].Metadata
		meta.Extensions = append([]string(nil), meta.Extensions...)
		result = append(result, meta)
	}
	return result
}

// Keys 返回所有已注册编译器的键。
func (r *Registry) Keys() []string {
	items := r.List()
	result := make([]string, len(items))
	for i, meta := range items {
		result[i] = meta.Key
	}
	return result
}

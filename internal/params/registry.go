package params

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry 具名提供者注册表，用于解析 Ref 引用
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFunc
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]ProviderFunc)}
}

// Register 注册提供者，名称不可为空且不可重复
func (r *Registry) Register(name string, fn ProviderFunc) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("provider name is required")
	}
	if fn == nil {
		return fmt.Errorf("provider %q: function is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q is already registered", name)
	}
	r.providers[name] = fn
	return nil
}

// MustRegister 注册失败时 panic，适用于包初始化
func (r *Registry) MustRegister(name string, fn ProviderFunc) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup 按名称查找提供者
func (r *Registry) Lookup(name string) (ProviderFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.providers[name]
	return fn, ok
}

// Names 已注册的提供者名称（排序后）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/analystflow/workflow"
)

// =============================================================================
// 🗂️ 阶段结果缓存
// =============================================================================

// StepCache stores workflow step results in Redis under
// <prefix>step:<run id>:<stage>.
type StepCache struct {
	manager *Manager
	logger  *zap.Logger
}

// NewStepCache 基于 Manager 创建阶段结果缓存
func NewStepCache(manager *Manager, logger *zap.Logger) *StepCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepCache{
		manager: manager,
		logger:  logger.With(zap.String("component", "step_cache")),
	}
}

// Get 读取缓存的阶段结果，未命中时返回 ok=false
func (c *StepCache) Get(ctx context.Context, key string) (*workflow.StepResult, bool, error) {
	var res workflow.StepResult
	err := c.manager.GetJSON(ctx, c.manager.Key("step", key), &res)
	if IsCacheMiss(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &res, true, nil
}

// Set 写入阶段结果；ttl <= 0 时使用管理器的默认过期时间
func (c *StepCache) Set(ctx context.Context, key string, result workflow.StepResult, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.manager.SetJSON(ctx, c.manager.Key("step", key), result, ttl)
}

// =============================================================================
// 🧠 内存实现
// =============================================================================

type memoryEntry struct {
	result    workflow.StepResult
	expiresAt time.Time
}

// MemoryStepCache is a process-local ResultCache with lazy expiry.
type MemoryStepCache struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	defaultTTL time.Duration
	now        func() time.Time
}

// NewMemoryStepCache 创建内存阶段结果缓存
func NewMemoryStepCache(defaultTTL time.Duration) *MemoryStepCache {
	if defaultTTL <= 0 {
		defaultTTL = workflow.DefaultCacheTTL
	}
	return &MemoryStepCache{
		entries:    make(map[string]memoryEntry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get 读取缓存，过期条目视为未命中并被清除
func (c *MemoryStepCache) Get(_ context.Context, key string) (*workflow.StepResult, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && cur.expiresAt.Equal(entry.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}

	res := entry.result
	return &res, true, nil
}

// Set 写入缓存
func (c *MemoryStepCache) Set(_ context.Context, key string, result workflow.StepResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	c.entries[key] = memoryEntry{result: result, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Purge 清除所有过期条目，返回清除数量
func (c *MemoryStepCache) Purge() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len 返回当前条目数（含尚未清除的过期条目）
func (c *MemoryStepCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

var (
	_ workflow.ResultCache = (*StepCache)(nil)
	_ workflow.ResultCache = (*MemoryStepCache)(nil)
)

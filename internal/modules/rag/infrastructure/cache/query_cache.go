package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"RagLink/internal/modules/rag/domain/repository"
	"RagLink/pkg/redis"
	"RagLink/pkg/util"
)

// NormalizeQuery 查询文本规范化，仅用于缓存键：trim + 小写。
// 原始大小写保留给嵌入调用。
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// CacheKeyOf 缓存键 = sha256(规范化查询 | top_k | 模型版本)。
// 模型换版后旧缓存自然失效，不需要显式清理。
func CacheKeyOf(normalizedQuery string, topK int, modelVersion string) string {
	return "rag:qc:" + util.Sha256Hex(fmt.Sprintf("%s|%d|%s", normalizedQuery, topK, modelVersion))
}

// RedisQueryCache 查询缓存 Redis 实现。TTL 到期由 Redis 负责，
// 读到 nil 即未命中；缓存故障不应上抛为查询失败，由调用方降级。
type RedisQueryCache struct {
	cli *redis.Client
}

var _ repository.QueryCache = (*RedisQueryCache)(nil)

func NewRedisQueryCache(cli *redis.Client) *RedisQueryCache {
	return &RedisQueryCache{cli: cli}
}

func (c *RedisQueryCache) Get(ctx context.Context, key string) (*repository.CachedAnswer, error) {
	raw, err := c.cli.Get(ctx, key)
	if redis.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	var ans repository.CachedAnswer
	if uerr := json.Unmarshal([]byte(raw), &ans); uerr != nil {
		// 脏数据当作未命中处理
		return nil, nil
	}
	return &ans, nil
}

func (c *RedisQueryCache) Set(ctx context.Context, key string, answer *repository.CachedAnswer, ttl time.Duration) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	return c.cli.Set(ctx, key, string(raw), ttl)
}

func (c *RedisQueryCache) Del(ctx context.Context, key string) error {
	_, err := c.cli.Del(ctx, key)
	return err
}

// MemoryQueryCache 进程内实现，本地开发与测试用。
// 惰性过期：读到已过期条目视为未命中，不依赖主动清理。
type MemoryQueryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	answer    repository.CachedAnswer
	expiresAt time.Time
}

var _ repository.QueryCache = (*MemoryQueryCache)(nil)

func NewMemoryQueryCache() *MemoryQueryCache {
	return &MemoryQueryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryQueryCache) Get(ctx context.Context, key string) (*repository.CachedAnswer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if !time.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	ans := e.answer
	return &ans, nil
}

// Set 并发写同键时后写覆盖先写，TTL 以最后一次写入为准
func (c *MemoryQueryCache) Set(ctx context.Context, key string, answer *repository.CachedAnswer, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{answer: *answer, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryQueryCache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

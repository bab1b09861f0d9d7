package repository

import (
	"context"
	"time"
)

// CachedAnswer 查询缓存条目。命中时原样返回，另行标记 cache_hit。
// 过期淘汰由存储层负责（Redis TTL / 内存惰性过期），expires_at
// 让条目自描述，排查与外部巡检不依赖存储层元数据。
type CachedAnswer struct {
	QueryTextNormalized string         `json:"query_text_normalized"`
	TopK                int            `json:"top_k"`
	Answer              string         `json:"answer"`
	Sources             []CachedSource `json:"sources"`
	CreatedAt           time.Time      `json:"created_at"`
	ExpiresAt           time.Time      `json:"expires_at"`
}

// CachedSource 缓存中的引用来源
type CachedSource struct {
	ChunkId    string  `json:"chunk_id"`
	DocumentId string  `json:"document_id"`
	Score      float32 `json:"score"`
	Snippet    string  `json:"snippet"`
}

// QueryCache 问答结果缓存（键为规范化查询文本的 sha256，带 TTL）。
// 缓存不可用时调用方应降级为直接检索，不得让缓存故障阻断查询。
type QueryCache interface {
	// Get 未命中或已过期返回 (nil, nil)
	Get(ctx context.Context, key string) (*CachedAnswer, error)
	// Set 带 TTL 写入，并发写入后写覆盖先写
	Set(ctx context.Context, key string, answer *CachedAnswer, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RagLink/internal/modules/rag/domain/repository"
)

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "what is rag?", NormalizeQuery("  What is RAG?  "))
}

func TestCacheKeyStable(t *testing.T) {
	k1 := CacheKeyOf("what is rag?", 5, "text-embedding-3-small")
	k2 := CacheKeyOf("what is rag?", 5, "text-embedding-3-small")
	assert.Equal(t, k1, k2)
	// top_k 或模型版本不同则键不同
	assert.NotEqual(t, k1, CacheKeyOf("what is rag?", 3, "text-embedding-3-small"))
	assert.NotEqual(t, k1, CacheKeyOf("what is rag?", 5, "text-embedding-3-large"))
}

func TestMemoryCacheHitAndExpiry(t *testing.T) {
	c := NewMemoryQueryCache()
	ctx := context.Background()
	ans := &repository.CachedAnswer{Answer: "42", CreatedAt: time.Now()}

	require.NoError(t, c.Set(ctx, "k", ans, 50*time.Millisecond))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "42", got.Answer)

	// 过期后必定未命中（惰性过期）
	time.Sleep(60 * time.Millisecond)
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryCacheMiss(t *testing.T) {
	c := NewMemoryQueryCache()
	got, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryCacheLastWriteWins(t *testing.T) {
	c := NewMemoryQueryCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", &repository.CachedAnswer{Answer: "first"}, time.Minute))
	require.NoError(t, c.Set(ctx, "k", &repository.CachedAnswer{Answer: "second"}, time.Minute))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second", got.Answer)
}

func TestRedisCacheDelSignature(t *testing.T) {
	// Del 内部包装 pkg/redis 的 (int64, error) 返回值，
	// 对外签名必须与 repository.QueryCache 完全一致
	var del func(ctx context.Context, key string) error = (*RedisQueryCache)(nil).Del
	assert.NotNil(t, del)
}

func TestMemoryCacheDel(t *testing.T) {
	c := NewMemoryQueryCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", &repository.CachedAnswer{Answer: "v"}, time.Minute))
	require.NoError(t, c.Del(ctx, "k"))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

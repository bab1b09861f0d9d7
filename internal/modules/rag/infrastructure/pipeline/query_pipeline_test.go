package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RagLink/internal/config"
	"RagLink/internal/modules/rag/domain/repository"
	"RagLink/internal/modules/rag/infrastructure/cache"
	"RagLink/internal/modules/rag/infrastructure/embedding"
	"RagLink/internal/modules/rag/infrastructure/llm"
	"RagLink/internal/modules/rag/infrastructure/vectordb"
)

const testDim = 8

func newTestPipeline(t *testing.T, store repository.VectorStore) (*QueryPipeline, *embedding.Batcher) {
	t.Helper()
	batcher := embedding.NewBatcher(
		embedding.NewMockEmbedder(testDim),
		embedding.EmbedderMeta{Provider: "mock", Model: "mock", Dim: testDim},
		config.AIEmbeddingConfig{MaxBatchSize: 100, Parallelism: 2, RetryTimes: 1, MaxInputChars: 8192})
	gen := llm.NewGenerator(llm.NewMockChatModel(), llm.ChatModelMeta{Provider: "mock", Model: "mock"}, 8000)
	p, err := NewQueryPipeline(batcher, store, cache.NewMemoryQueryCache(), gen,
		QueryOptions{DefaultTopK: 5, CacheTTLSeconds: 60})
	require.NoError(t, err)
	return p, batcher
}

func seed(t *testing.T, store repository.VectorStore, batcher *embedding.Batcher, texts map[string]string) {
	t.Helper()
	ctx := context.Background()
	items := make([]repository.VectorUpsertItem, 0, len(texts))
	i := 0
	for id, text := range texts {
		vec, err := batcher.EmbedOne(ctx, text)
		require.NoError(t, err)
		items = append(items, repository.VectorUpsertItem{
			ChunkId:       id,
			DocumentId:    "doc1",
			SequenceIndex: i,
			Vector:        vec,
			Content:       text,
		})
		i++
	}
	require.NoError(t, store.Upsert(ctx, items))
}

func TestQueryMissThenHit(t *testing.T) {
	store := vectordb.NewMemoryVectorStore(testDim)
	p, batcher := newTestPipeline(t, store)
	seed(t, store, batcher, map[string]string{
		"ck_1": "段落一的内容。",
		"ck_2": "段落二的内容。",
	})

	res1, err := p.Query(context.Background(), &QueryRequest{Query: "段落一的内容。"})
	require.NoError(t, err)
	assert.False(t, res1.CacheHit)
	assert.NotEmpty(t, res1.Answer)
	assert.NotEmpty(t, res1.Sources)

	// 相同查询第二次命中缓存，回答一致
	res2, err := p.Query(context.Background(), &QueryRequest{Query: "段落一的内容。"})
	require.NoError(t, err)
	assert.True(t, res2.CacheHit)
	assert.Equal(t, res1.Answer, res2.Answer)
}

func TestQueryCacheKeyCaseFoldOnly(t *testing.T) {
	store := vectordb.NewMemoryVectorStore(testDim)
	p, batcher := newTestPipeline(t, store)
	seed(t, store, batcher, map[string]string{"ck_1": "Hello World."})

	_, err := p.Query(context.Background(), &QueryRequest{Query: "Hello World."})
	require.NoError(t, err)

	// 只有大小写不同：规范化后命中同一缓存键
	res, err := p.Query(context.Background(), &QueryRequest{Query: "hello world."})
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
}

func TestQueryInvalidInput(t *testing.T) {
	store := vectordb.NewMemoryVectorStore(testDim)
	p, _ := newTestPipeline(t, store)

	_, err := p.Query(context.Background(), &QueryRequest{Query: "   "})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidQuery))

	_, err = p.Query(context.Background(), &QueryRequest{Query: strings.Repeat("长", maxQueryChars+1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidQuery))
}

func TestQueryZeroMatchesUnsupported(t *testing.T) {
	store := vectordb.NewMemoryVectorStore(testDim)
	p, _ := newTestPipeline(t, store)

	// 空索引：仍调用生成，结果标记 unsupported，不编造来源
	res, err := p.Query(context.Background(), &QueryRequest{Query: "没有任何资料的问题？"})
	require.NoError(t, err)
	assert.True(t, res.Unsupported)
	assert.Empty(t, res.Sources)
	assert.NotEmpty(t, res.Answer)
}

func TestQuerySourcesOrdered(t *testing.T) {
	store := vectordb.NewMemoryVectorStore(testDim)
	p, batcher := newTestPipeline(t, store)
	seed(t, store, batcher, map[string]string{
		"ck_1": "alpha beta gamma.",
		"ck_2": "delta epsilon zeta.",
		"ck_3": "eta theta iota.",
	})

	res, err := p.Query(context.Background(), &QueryRequest{Query: "alpha beta gamma.", TopK: 3})
	require.NoError(t, err)
	require.NotEmpty(t, res.Sources)
	for i := 1; i < len(res.Sources); i++ {
		assert.GreaterOrEqual(t, res.Sources[i-1].Score, res.Sources[i].Score)
	}
	// 完全相同文本的 chunk 得分最高
	assert.Equal(t, "ck_1", res.Sources[0].ChunkId)
}

func TestQueryCacheRecordSelfDescribing(t *testing.T) {
	store := vectordb.NewMemoryVectorStore(testDim)
	batcher := embedding.NewBatcher(
		embedding.NewMockEmbedder(testDim),
		embedding.EmbedderMeta{Provider: "mock", Model: "mock", Dim: testDim},
		config.AIEmbeddingConfig{MaxBatchSize: 100, Parallelism: 2, RetryTimes: 1, MaxInputChars: 8192})
	gen := llm.NewGenerator(llm.NewMockChatModel(), llm.ChatModelMeta{Provider: "mock", Model: "mock"}, 8000)
	qc := cache.NewMemoryQueryCache()
	p, err := NewQueryPipeline(batcher, store, qc, gen,
		QueryOptions{DefaultTopK: 5, CacheTTLSeconds: 60})
	require.NoError(t, err)
	seed(t, store, batcher, map[string]string{"ck_1": "Hello World."})

	_, err = p.Query(context.Background(), &QueryRequest{Query: "  Hello World. "})
	require.NoError(t, err)

	// 缓存条目自描述：带规范化查询、top_k 与过期时刻
	entry, gerr := qc.Get(context.Background(), cache.CacheKeyOf("hello world.", 5, "mock"))
	require.NoError(t, gerr)
	require.NotNil(t, entry)
	assert.Equal(t, "hello world.", entry.QueryTextNormalized)
	assert.Equal(t, 5, entry.TopK)
	assert.Equal(t, entry.CreatedAt.Add(time.Minute), entry.ExpiresAt)
}

func TestQueryTopKUnderFill(t *testing.T) {
	store := vectordb.NewMemoryVectorStore(testDim)
	p, batcher := newTestPipeline(t, store)
	seed(t, store, batcher, map[string]string{
		"ck_1": "one.",
		"ck_2": "two.",
		"ck_3": "three.",
	})

	res, err := p.Query(context.Background(), &QueryRequest{Query: "one.", TopK: 5})
	require.NoError(t, err)
	assert.Len(t, res.Sources, 3)
}

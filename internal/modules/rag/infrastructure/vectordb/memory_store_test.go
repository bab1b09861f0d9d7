package vectordb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RagLink/internal/modules/rag/domain/fault"
	"RagLink/internal/modules/rag/domain/repository"
)

func item(id string, vec []float32) repository.VectorUpsertItem {
	return repository.VectorUpsertItem{ChunkId: id, DocumentId: "doc1", Vector: vec, Content: "c-" + id}
}

func TestMemoryUpsertIdempotent(t *testing.T) {
	s := NewMemoryVectorStore(2)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []repository.VectorUpsertItem{item("a", []float32{1, 0})}))
	require.NoError(t, s.Upsert(ctx, []repository.VectorUpsertItem{item("a", []float32{0, 1})}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.VectorCount)

	// 覆盖写生效：新向量朝 (0,1)
	hits, err := s.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-6)
}

func TestMemorySearchOrdering(t *testing.T) {
	s := NewMemoryVectorStore(2)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, []repository.VectorUpsertItem{
		item("b", []float32{0, 1}), // 与查询正交
		item("c", []float32{1, 0}), // 同分 tie：与 a 相同方向
		item("a", []float32{1, 0}),
		item("d", []float32{0.7, 0.7}),
	}))

	hits, err := s.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 4)
	// 降序；同分按 chunk_id 升序
	assert.Equal(t, "a", hits[0].ChunkId)
	assert.Equal(t, "c", hits[1].ChunkId)
	assert.Equal(t, "d", hits[2].ChunkId)
	assert.Equal(t, "b", hits[3].ChunkId)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestMemorySearchUnderFill(t *testing.T) {
	s := NewMemoryVectorStore(2)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, []repository.VectorUpsertItem{
		item("a", []float32{1, 0}),
		item("b", []float32{0, 1}),
		item("c", []float32{0.5, 0.5}),
	}))

	// top_k=5 只有 3 条：返回 3 条而非报错
	hits, err := s.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestMemoryDimensionMismatch(t *testing.T) {
	s := NewMemoryVectorStore(4)
	ctx := context.Background()

	err := s.Upsert(ctx, []repository.VectorUpsertItem{item("a", []float32{1, 0})})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrDimensionMismatch))

	_, err = s.Search(ctx, []float32{1, 0}, 5)
	assert.True(t, errors.Is(err, fault.ErrDimensionMismatch))
}

func TestMemoryDelete(t *testing.T) {
	s := NewMemoryVectorStore(2)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, []repository.VectorUpsertItem{
		item("a", []float32{1, 0}),
		item("b", []float32{0, 1}),
	}))
	require.NoError(t, s.DeleteByIDs(ctx, []string{"a"}))

	hits, err := s.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ChunkId)
}

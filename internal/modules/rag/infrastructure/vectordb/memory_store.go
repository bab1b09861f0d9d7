package vectordb

import (
	"context"
	"math"
	"sync"

	"RagLink/internal/modules/rag/domain/fault"
	"RagLink/internal/modules/rag/domain/repository"
)

// MemoryVectorStore 进程内后端，本地开发与测试用。
// 与生产后端保持同一契约：chunk_id 幂等覆盖、余弦得分、降序 + 同分升序。
type MemoryVectorStore struct {
	mu        sync.RWMutex
	vectorDim int
	items     map[string]repository.VectorUpsertItem
}

var _ repository.VectorStore = (*MemoryVectorStore)(nil)

func NewMemoryVectorStore(vectorDim int) *MemoryVectorStore {
	return &MemoryVectorStore{
		vectorDim: vectorDim,
		items:     make(map[string]repository.VectorUpsertItem),
	}
}

func (s *MemoryVectorStore) Dimension() int { return s.vectorDim }

func (s *MemoryVectorStore) Upsert(ctx context.Context, items []repository.VectorUpsertItem) error {
	for _, it := range items {
		if len(it.Vector) != s.vectorDim {
			return &fault.DimensionError{Got: len(it.Vector), Want: s.vectorDim}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		s.items[it.ChunkId] = it
	}
	return nil
}

func (s *MemoryVectorStore) DeleteByIDs(ctx context.Context, chunkIds []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range chunkIds {
		delete(s.items, id)
	}
	return nil
}

func (s *MemoryVectorStore) Search(ctx context.Context, vector []float32, topK int) ([]repository.VectorSearchHit, error) {
	if len(vector) != s.vectorDim {
		return nil, &fault.DimensionError{Got: len(vector), Want: s.vectorDim}
	}
	if topK <= 0 {
		return []repository.VectorSearchHit{}, nil
	}

	s.mu.RLock()
	hits := make([]repository.VectorSearchHit, 0, len(s.items))
	for _, it := range s.items {
		hits = append(hits, repository.VectorSearchHit{
			ChunkId:       it.ChunkId,
			DocumentId:    it.DocumentId,
			SequenceIndex: it.SequenceIndex,
			Score:         cosineSimilarity(vector, it.Vector),
			Content:       it.Content,
		})
	}
	s.mu.RUnlock()

	SortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *MemoryVectorStore) Stats(ctx context.Context) (repository.VectorStoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repository.VectorStoreStats{
		Backend:     "memory",
		VectorCount: int64(len(s.items)),
		Dimension:   s.vectorDim,
	}, nil
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

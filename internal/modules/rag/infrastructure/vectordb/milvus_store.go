package vectordb

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	v1client "github.com/milvus-io/milvus-sdk-go/v2/client"
	v1entity "github.com/milvus-io/milvus-sdk-go/v2/entity"

	"RagLink/internal/modules/rag/domain/fault"
	"RagLink/internal/modules/rag/domain/repository"
)

// Milvus collection 字段名
const (
	fieldChunkId    = "chunk_id"
	fieldDocumentId = "document_id"
	fieldSeqIndex   = "sequence_index"
	fieldVector     = "vector"
	fieldContent    = "content"
	fieldCharStart  = "char_start"
	fieldCharEnd    = "char_end"
)

// MilvusVectorStore 托管索引后端。chunk_id 为主键，Upsert 天然幂等。
type MilvusVectorStore struct {
	cli        v1client.Client
	collection string
	vectorDim  int
}

var _ repository.VectorStore = (*MilvusVectorStore)(nil)

func NewMilvusVectorStore(cli v1client.Client, collection string, vectorDim int) (*MilvusVectorStore, error) {
	if cli == nil {
		return nil, fmt.Errorf("milvus client is nil")
	}
	if collection == "" {
		return nil, fmt.Errorf("milvus collection is empty")
	}
	return &MilvusVectorStore{cli: cli, collection: collection, vectorDim: vectorDim}, nil
}

func (s *MilvusVectorStore) Dimension() int { return s.vectorDim }

func (s *MilvusVectorStore) Upsert(ctx context.Context, items []repository.VectorUpsertItem) error {
	if len(items) == 0 {
		return nil
	}

	chunkIds := make([]string, 0, len(items))
	docIds := make([]string, 0, len(items))
	seqs := make([]int64, 0, len(items))
	vectors := make([][]float32, 0, len(items))
	contents := make([]string, 0, len(items))
	starts := make([]int64, 0, len(items))
	ends := make([]int64, 0, len(items))

	for _, it := range items {
		if it.ChunkId == "" {
			return fmt.Errorf("upsert item missing chunk_id")
		}
		if len(it.Vector) != s.vectorDim {
			return &fault.DimensionError{Got: len(it.Vector), Want: s.vectorDim}
		}
		chunkIds = append(chunkIds, it.ChunkId)
		docIds = append(docIds, it.DocumentId)
		seqs = append(seqs, int64(it.SequenceIndex))
		vectors = append(vectors, it.Vector)
		contents = append(contents, it.Content)
		starts = append(starts, int64(it.CharStart))
		ends = append(ends, int64(it.CharEnd))
	}

	_, err := s.cli.Upsert(
		ctx,
		s.collection,
		"", // partition
		v1entity.NewColumnVarChar(fieldChunkId, chunkIds),
		v1entity.NewColumnVarChar(fieldDocumentId, docIds),
		v1entity.NewColumnInt64(fieldSeqIndex, seqs),
		v1entity.NewColumnFloatVector(fieldVector, s.vectorDim, vectors),
		v1entity.NewColumnVarChar(fieldContent, contents),
		v1entity.NewColumnInt64(fieldCharStart, starts),
		v1entity.NewColumnInt64(fieldCharEnd, ends),
	)
	if err != nil {
		return fmt.Errorf("milvus upsert: %v: %w", err, fault.ErrVectorStoreUnavailable)
	}
	return nil
}

func (s *MilvusVectorStore) DeleteByIDs(ctx context.Context, chunkIds []string) error {
	if len(chunkIds) == 0 {
		return nil
	}
	expr := fmt.Sprintf(`%s in ["%s"]`, fieldChunkId, strings.Join(chunkIds, `","`))
	if err := s.cli.Delete(ctx, s.collection, "", expr); err != nil {
		return fmt.Errorf("milvus delete: %v: %w", err, fault.ErrVectorStoreUnavailable)
	}
	return nil
}

func (s *MilvusVectorStore) Search(ctx context.Context, vector []float32, topK int) ([]repository.VectorSearchHit, error) {
	if len(vector) != s.vectorDim {
		return nil, &fault.DimensionError{Got: len(vector), Want: s.vectorDim}
	}
	if topK <= 0 {
		return []repository.VectorSearchHit{}, nil
	}

	sp, _ := v1entity.NewIndexAUTOINDEXSearchParam(1)
	res, err := s.cli.Search(
		ctx,
		s.collection,
		nil,
		"",
		[]string{fieldChunkId, fieldDocumentId, fieldSeqIndex, fieldContent},
		[]v1entity.Vector{v1entity.FloatVector(vector)},
		fieldVector,
		v1entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %v: %w", err, fault.ErrVectorStoreUnavailable)
	}

	hits := make([]repository.VectorSearchHit, 0)
	if len(res) > 0 {
		sr := res[0]
		if sr.Err != nil {
			return nil, fmt.Errorf("milvus search result: %v: %w", sr.Err, fault.ErrVectorStoreUnavailable)
		}

		getCol := func(name string) v1entity.Column {
			for _, c := range sr.Fields {
				if c.Name() == name {
					return c
				}
			}
			return nil
		}
		docCol := getCol(fieldDocumentId)
		seqCol := getCol(fieldSeqIndex)
		contentCol := getCol(fieldContent)

		for i := 0; i < sr.ResultCount; i++ {
			id, _ := sr.IDs.GetAsString(i)
			hit := repository.VectorSearchHit{
				ChunkId: id,
				Score:   sr.Scores[i],
			}
			if docCol != nil {
				v, _ := docCol.GetAsString(i)
				hit.DocumentId = v
			}
			if seqCol != nil {
				v, _ := seqCol.GetAsInt64(i)
				hit.SequenceIndex = int(v)
			}
			if contentCol != nil {
				v, _ := contentCol.GetAsString(i)
				hit.Content = v
			}
			hits = append(hits, hit)
		}
	}

	SortHits(hits)
	return hits, nil
}

func (s *MilvusVectorStore) Stats(ctx context.Context) (repository.VectorStoreStats, error) {
	stats := repository.VectorStoreStats{Backend: "milvus", Dimension: s.vectorDim}
	raw, err := s.cli.GetCollectionStatistics(ctx, s.collection)
	if err != nil {
		return stats, fmt.Errorf("milvus statistics: %v: %w", err, fault.ErrVectorStoreUnavailable)
	}
	if v, ok := raw["row_count"]; ok {
		n, _ := strconv.ParseInt(v, 10, 64)
		stats.VectorCount = n
	}
	return stats, nil
}

// SortHits 统一排序契约：得分降序，同分按 chunk_id 升序（可重现）
func SortHits(hits []repository.VectorSearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkId < hits[j].ChunkId
	})
}

package repository

import "context"

// VectorStore 是 domain 层定义的“向量库能力抽象”。
//
// 设计约束：
// 1) application 层只能依赖本接口，不应直接依赖 Milvus SDK 或 pgvector 驱动。
// 2) infrastructure 通过适配器实现本接口（MilvusVectorStore / PgVectorStore / MemoryVectorStore），
//    从而做到后端可替换。
//
// 语义约定：
//   - Upsert 按 ChunkId 幂等：同一 ChunkId 重复写入覆盖旧向量，不产生重复条目。
//   - Search 结果按相似度降序排列，同分时按 ChunkId 升序，保证可重现。
//   - 所有实现统一使用余弦相似度作为得分，越大越相似，后端互换不改变排序语义。

// VectorUpsertItem 向量写入条目
type VectorUpsertItem struct {
	ChunkId       string
	DocumentId    string
	SequenceIndex int
	Vector        []float32
	Content       string
	CharStart     int
	CharEnd       int
}

// VectorSearchHit 检索命中
type VectorSearchHit struct {
	ChunkId       string
	DocumentId    string
	SequenceIndex int
	Score         float32
	Content       string
}

// VectorStoreStats 后端统计（健康检查/运维用）
type VectorStoreStats struct {
	Backend     string
	VectorCount int64
	Dimension   int
}

// VectorStore 向量数据库接口
type VectorStore interface {
	Upsert(ctx context.Context, items []VectorUpsertItem) error
	DeleteByIDs(ctx context.Context, chunkIds []string) error
	Search(ctx context.Context, vector []float32, topK int) ([]VectorSearchHit, error)
	Stats(ctx context.Context) (VectorStoreStats, error)
	// Dimension 返回后端期望的向量维度，写入前用于一致性校验
	Dimension() int
}

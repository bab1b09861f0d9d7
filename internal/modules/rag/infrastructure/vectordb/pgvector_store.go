package vectordb

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"RagLink/internal/modules/rag/domain/fault"
	"RagLink/internal/modules/rag/domain/repository"
)

// PgVectorStore 关系型扩展后端（PostgreSQL + pgvector）。
// chunk_id 主键 + ON CONFLICT 覆盖写，与托管后端保持一致的幂等语义；
// 相似度统一使用余弦（<=> 为余弦距离，score = 1 - distance）。
type PgVectorStore struct {
	db        *gorm.DB
	table     string
	vectorDim int
}

var _ repository.VectorStore = (*PgVectorStore)(nil)

// pgVectorRow 行映射（表名运行期指定，不走 TableName 约定）
type pgVectorRow struct {
	ChunkId       string          `gorm:"column:chunk_id;primaryKey"`
	DocumentId    string          `gorm:"column:document_id"`
	SequenceIndex int             `gorm:"column:sequence_index"`
	Embedding     pgvector.Vector `gorm:"column:embedding"`
	Content       string          `gorm:"column:content"`
	CharStart     int             `gorm:"column:char_start"`
	CharEnd       int             `gorm:"column:char_end"`
}

// NewPgVectorStore 构造并确保扩展、表与余弦索引就绪
func NewPgVectorStore(db *gorm.DB, table string, vectorDim int) (*PgVectorStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pgvector db is nil")
	}
	if table == "" {
		table = "rag_embeddings"
	}
	s := &PgVectorStore{db: db, table: table, vectorDim: vectorDim}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("pgvector ensure schema: %v: %w", err, fault.ErrVectorStoreUnavailable)
	}
	return s, nil
}

func (s *PgVectorStore) ensureSchema() error {
	if err := s.db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		chunk_id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		sequence_index INT NOT NULL,
		embedding vector(%d),
		content TEXT,
		char_start INT NOT NULL DEFAULT 0,
		char_end INT NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`, s.table, s.vectorDim)
	if err := s.db.Exec(ddl).Error; err != nil {
		return err
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s
		USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`, s.table, s.table)
	return s.db.Exec(idx).Error
}

func (s *PgVectorStore) Dimension() int { return s.vectorDim }

func (s *PgVectorStore) Upsert(ctx context.Context, items []repository.VectorUpsertItem) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]pgVectorRow, 0, len(items))
	for _, it := range items {
		if it.ChunkId == "" {
			return fmt.Errorf("upsert item missing chunk_id")
		}
		if len(it.Vector) != s.vectorDim {
			return &fault.DimensionError{Got: len(it.Vector), Want: s.vectorDim}
		}
		rows = append(rows, pgVectorRow{
			ChunkId:       it.ChunkId,
			DocumentId:    it.DocumentId,
			SequenceIndex: it.SequenceIndex,
			Embedding:     pgvector.NewVector(it.Vector),
			Content:       it.Content,
			CharStart:     it.CharStart,
			CharEnd:       it.CharEnd,
		})
	}

	err := s.db.WithContext(ctx).Table(s.table).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "chunk_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"document_id", "sequence_index", "embedding", "content", "char_start", "char_end",
			}),
		}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("pgvector upsert: %v: %w", err, fault.ErrVectorStoreUnavailable)
	}
	return nil
}

func (s *PgVectorStore) DeleteByIDs(ctx context.Context, chunkIds []string) error {
	if len(chunkIds) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Table(s.table).
		Where("chunk_id IN ?", chunkIds).
		Delete(&pgVectorRow{}).Error
	if err != nil {
		return fmt.Errorf("pgvector delete: %v: %w", err, fault.ErrVectorStoreUnavailable)
	}
	return nil
}

func (s *PgVectorStore) Search(ctx context.Context, vector []float32, topK int) ([]repository.VectorSearchHit, error) {
	if len(vector) != s.vectorDim {
		return nil, &fault.DimensionError{Got: len(vector), Want: s.vectorDim}
	}
	if topK <= 0 {
		return []repository.VectorSearchHit{}, nil
	}

	type searchRow struct {
		ChunkId       string  `gorm:"column:chunk_id"`
		DocumentId    string  `gorm:"column:document_id"`
		SequenceIndex int     `gorm:"column:sequence_index"`
		Content       string  `gorm:"column:content"`
		Score         float32 `gorm:"column:score"`
	}

	qv := pgvector.NewVector(vector)
	var rows []searchRow
	query := fmt.Sprintf(`SELECT chunk_id, document_id, sequence_index, content,
		1 - (embedding <=> ?) AS score
		FROM %s
		ORDER BY embedding <=> ?, chunk_id ASC
		LIMIT ?`, s.table)
	if err := s.db.WithContext(ctx).Raw(query, qv, qv, topK).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("pgvector search: %v: %w", err, fault.ErrVectorStoreUnavailable)
	}

	hits := make([]repository.VectorSearchHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, repository.VectorSearchHit{
			ChunkId:       r.ChunkId,
			DocumentId:    r.DocumentId,
			SequenceIndex: r.SequenceIndex,
			Score:         r.Score,
			Content:       r.Content,
		})
	}
	SortHits(hits)
	return hits, nil
}

func (s *PgVectorStore) Stats(ctx context.Context) (repository.VectorStoreStats, error) {
	stats := repository.VectorStoreStats{Backend: "pgvector", Dimension: s.vectorDim}
	var count int64
	if err := s.db.WithContext(ctx).Table(s.table).Count(&count).Error; err != nil {
		return stats, fmt.Errorf("pgvector count: %v: %w", err, fault.ErrVectorStoreUnavailable)
	}
	stats.VectorCount = count
	return stats, nil
}

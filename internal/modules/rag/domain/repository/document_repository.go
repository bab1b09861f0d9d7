package repository

import (
	"context"
	"time"

	"RagLink/internal/modules/rag/domain/document"
)

// DocumentRepository 负责文档/切片/outbox 元数据（MySQL）的持久化
type DocumentRepository interface {
	// CreateDocumentVersion 新建文档版本：同一 document_id 的 version 取当前最大值 +1
	CreateDocumentVersion(ctx context.Context, doc *document.RagDocument) error

	// FindLatestDocument 查询某 document_id 的最新版本，不存在返回 (nil, nil)
	FindLatestDocument(ctx context.Context, documentId string) (*document.RagDocument, error)

	// UpdateDocumentStatus 按状态机推进文档状态，非法迁移返回错误。
	// version <= 0 表示作用于最新版本
	UpdateDocumentStatus(ctx context.Context, documentId string, version int, from, to string, errorMsg string) error

	// SetChunkCount 切分完成后记录该版本的 chunk 总数
	SetChunkCount(ctx context.Context, documentId string, version int, count int) error

	// SaveChunksWithOutbox 原子写入：chunk 批量落库（chunk_id 冲突则覆盖内容）
	// 并在同一事务内写入对应的 outbox 消息，保证“落库即必达”
	SaveChunksWithOutbox(ctx context.Context, chunks []*document.RagChunk, messages []*document.RagOutboxMessage) error

	// MarkChunkIndexed 标记 chunk 已入向量库，并累加文档 indexed_chunks；
	// 当 indexed_chunks 追平 chunk_count 时由调用方推进文档到终态
	MarkChunkIndexed(ctx context.Context, documentId string, chunkId string) (indexed int, total int, err error)

	// MarkChunkFailed 标记 chunk 失败并追加到文档 failed_chunk_ids
	MarkChunkFailed(ctx context.Context, documentId string, chunkId string, errorMsg string) error

	// FindChunks 按版本列出切片（状态查询/断点续摄用）
	FindChunks(ctx context.Context, documentId string, version int) ([]*document.RagChunk, error)

	// FindPendingChunkIds 返回尚未 indexed 的 chunk_id 集合（重试仅补缺口）
	FindPendingChunkIds(ctx context.Context, documentId string, version int) ([]string, error)

	// ClaimOutboxBatch 原子认领一批待发布消息（到期且 pending），返回认领到的行
	ClaimOutboxBatch(ctx context.Context, limit int, now time.Time) ([]*document.RagOutboxMessage, error)

	// MarkOutboxPublished 标记 outbox 消息发布成功
	MarkOutboxPublished(ctx context.Context, id int64) error

	// MarkOutboxRetry 发布失败，按退避时间安排下次重试；超过上限转 failed
	MarkOutboxRetry(ctx context.Context, id int64, nextRetryAt time.Time, errorMsg string, exhausted bool) error
}

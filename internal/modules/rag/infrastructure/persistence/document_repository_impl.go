package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"RagLink/internal/modules/rag/domain/document"
	"RagLink/internal/modules/rag/domain/repository"
)

type documentRepositoryImpl struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) repository.DocumentRepository {
	return &documentRepositoryImpl{db: db}
}

var _ repository.DocumentRepository = (*documentRepositoryImpl)(nil)

func (r *documentRepositoryImpl) CreateDocumentVersion(ctx context.Context, doc *document.RagDocument) error {
	if doc == nil || doc.DocumentId == "" {
		return fmt.Errorf("document is nil or missing document_id")
	}
	now := time.Now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		err := tx.Model(&document.RagDocument{}).
			Where("document_id = ?", doc.DocumentId).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error
		if err != nil {
			return err
		}
		doc.Version = maxVersion + 1
		doc.Status = document.DocStatusReceived
		doc.CreatedAt = now
		doc.UpdatedAt = now
		return tx.Create(doc).Error
	})
}

func (r *documentRepositoryImpl) FindLatestDocument(ctx context.Context, documentId string) (*document.RagDocument, error) {
	var doc document.RagDocument
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentId).
		Order("version DESC").
		First(&doc).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepositoryImpl) UpdateDocumentStatus(ctx context.Context, documentId string, version int, from, to string, errorMsg string) error {
	if !document.CanTransition(from, to) {
		return fmt.Errorf("illegal document status transition %s -> %s", from, to)
	}
	if version <= 0 {
		latest, err := r.FindLatestDocument(ctx, documentId)
		if err != nil {
			return err
		}
		if latest == nil {
			return fmt.Errorf("document %s not found", documentId)
		}
		version = latest.Version
	}
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now(),
	}
	if to == document.DocStatusFailed {
		updates["error_msg"] = truncateMsg(errorMsg)
	}
	res := r.db.WithContext(ctx).Model(&document.RagDocument{}).
		Where("document_id = ? AND version = ? AND status = ?", documentId, version, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("document %s v%d not in status %s", documentId, version, from)
	}
	return nil
}

func (r *documentRepositoryImpl) SetChunkCount(ctx context.Context, documentId string, version int, count int) error {
	return r.db.WithContext(ctx).Model(&document.RagDocument{}).
		Where("document_id = ? AND version = ?", documentId, version).
		Updates(map[string]any{"chunk_count": count, "updated_at": time.Now()}).Error
}

// SaveChunksWithOutbox chunk 与 outbox 同事务落盘。
// chunk_id 冲突时整行归属到新写入的版本并重置状态：
// 同内容重传得到的 chunk_id 与旧版本相同，行必须跟着最新版本走，
// 否则新版本永远等不到自己的计数。outbox 按 dedup_key 去重。
func (r *documentRepositoryImpl) SaveChunksWithOutbox(ctx context.Context, chunks []*document.RagChunk, messages []*document.RagOutboxMessage) error {
	if len(chunks) == 0 {
		return nil
	}
	now := time.Now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ck := range chunks {
			ck.CreatedAt = now
			ck.UpdatedAt = now
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "chunk_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"version", "status", "error_msg",
				"content", "char_start", "char_end", "content_hash", "updated_at",
			}),
		}).Create(&chunks).Error
		if err != nil {
			return err
		}

		if len(messages) == 0 {
			return nil
		}
		for _, m := range messages {
			m.CreatedAt = now
			m.UpdatedAt = now
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedup_key"}},
			DoNothing: true,
		}).Create(&messages).Error
	})
}

func (r *documentRepositoryImpl) MarkChunkIndexed(ctx context.Context, documentId string, chunkId string) (indexed int, total int, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ck document.RagChunk
		if ferr := tx.Where("chunk_id = ?", chunkId).First(&ck).Error; ferr != nil {
			return ferr
		}

		// 重复投递：已 indexed 直接读当前进度返回
		if ck.Status != document.ChunkStatusIndexed {
			uerr := tx.Model(&document.RagChunk{}).
				Where("chunk_id = ? AND status <> ?", chunkId, document.ChunkStatusIndexed).
				Updates(map[string]any{
					"status":     document.ChunkStatusIndexed,
					"error_msg":  "",
					"updated_at": time.Now(),
				})
			if uerr.Error != nil {
				return uerr.Error
			}
			if uerr.RowsAffected > 0 {
				ierr := tx.Model(&document.RagDocument{}).
					Where("document_id = ? AND version = ?", documentId, ck.Version).
					Update("indexed_chunks", gorm.Expr("indexed_chunks + 1")).Error
				if ierr != nil {
					return ierr
				}
			}
		}

		var doc document.RagDocument
		if ferr := tx.Where("document_id = ? AND version = ?", documentId, ck.Version).First(&doc).Error; ferr != nil {
			return ferr
		}
		indexed = doc.IndexedChunks
		total = doc.ChunkCount
		return nil
	})
	return indexed, total, err
}

func (r *documentRepositoryImpl) MarkChunkFailed(ctx context.Context, documentId string, chunkId string, errorMsg string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ck document.RagChunk
		if err := tx.Where("chunk_id = ?", chunkId).First(&ck).Error; err != nil {
			return err
		}
		err := tx.Model(&document.RagChunk{}).
			Where("chunk_id = ?", chunkId).
			Updates(map[string]any{
				"status":     document.ChunkStatusFailed,
				"error_msg":  truncateMsg(errorMsg),
				"updated_at": time.Now(),
			}).Error
		if err != nil {
			return err
		}

		// failed_chunk_ids 追加记录，保证重试只补缺口
		var doc document.RagDocument
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ? AND version = ?", documentId, ck.Version).
			First(&doc).Error; err != nil {
			return err
		}
		var failed []string
		if doc.FailedChunkIds != "" {
			_ = json.Unmarshal([]byte(doc.FailedChunkIds), &failed)
		}
		for _, id := range failed {
			if id == chunkId {
				return nil
			}
		}
		failed = append(failed, chunkId)
		raw, _ := json.Marshal(failed)
		return tx.Model(&document.RagDocument{}).
			Where("id = ?", doc.Id).
			Updates(map[string]any{
				"failed_chunk_ids": string(raw),
				"updated_at":       time.Now(),
			}).Error
	})
}

func (r *documentRepositoryImpl) FindChunks(ctx context.Context, documentId string, version int) ([]*document.RagChunk, error) {
	var chunks []*document.RagChunk
	err := r.db.WithContext(ctx).
		Where("document_id = ? AND version = ?", documentId, version).
		Order("sequence_index ASC").
		Find(&chunks).Error
	return chunks, err
}

func (r *documentRepositoryImpl) FindPendingChunkIds(ctx context.Context, documentId string, version int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&document.RagChunk{}).
		Where("document_id = ? AND version = ? AND status <> ?", documentId, version, document.ChunkStatusIndexed).
		Order("sequence_index ASC").
		Pluck("chunk_id", &ids).Error
	return ids, err
}

// ClaimOutboxBatch 事务内 SKIP LOCKED 认领一批到期消息并置 publishing，
// 多实例部署下同一行不会被重复认领。
func (r *documentRepositoryImpl) ClaimOutboxBatch(ctx context.Context, limit int, now time.Time) ([]*document.RagOutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*document.RagOutboxMessage
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var messages []*document.RagOutboxMessage
		q := tx.Model(&document.RagOutboxMessage{}).
			Where("status IN ?", []int8{document.OutboxStatusPending, document.OutboxStatusFailed}).
			Where("(next_retry_at IS NULL OR next_retry_at <= ?)", now).
			Order("id ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&messages).Error; err != nil {
			return err
		}
		if len(messages) == 0 {
			out = []*document.RagOutboxMessage{}
			return nil
		}

		ids := make([]int64, 0, len(messages))
		for i := range messages {
			ids = append(ids, messages[i].Id)
		}
		if err := tx.Model(&document.RagOutboxMessage{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"status": document.OutboxStatusPublishing, "updated_at": now}).Error; err != nil {
			return err
		}
		out = messages
		return nil
	})
	return out, err
}

func (r *documentRepositoryImpl) MarkOutboxPublished(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Model(&document.RagOutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       document.OutboxStatusPublished,
			"published_at": time.Now(),
			"error_msg":    "",
			"updated_at":   time.Now(),
		}).Error
}

func (r *documentRepositoryImpl) MarkOutboxRetry(ctx context.Context, id int64, nextRetryAt time.Time, errorMsg string, exhausted bool) error {
	updates := map[string]any{
		"status":        document.OutboxStatusFailed,
		"retry_count":   gorm.Expr("retry_count + 1"),
		"next_retry_at": nextRetryAt,
		"error_msg":     truncateMsg(errorMsg),
		"updated_at":    time.Now(),
	}
	if exhausted {
		// 耗尽后排到远期，不再被认领
		updates["next_retry_at"] = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return r.db.WithContext(ctx).Model(&document.RagOutboxMessage{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func truncateMsg(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > 255 {
		msg = msg[:255]
	}
	return msg
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	ragRequest "RagLink/internal/modules/rag/application/dto/request"
	ragRespond "RagLink/internal/modules/rag/application/dto/respond"
	"RagLink/internal/modules/rag/domain/document"
	"RagLink/internal/modules/rag/domain/fault"
	ragRepo "RagLink/internal/modules/rag/domain/repository"
	"RagLink/internal/modules/rag/infrastructure/chunking"
	"RagLink/internal/modules/rag/infrastructure/queue"
	"RagLink/pkg/xerr"
	"RagLink/pkg/zlog"
)

// IngestService 摄取协调：对象获取 → 解码 → 切分 → 落库并排队。
// 每个对象独立成败，单个失败不影响同批其他对象。
type IngestService interface {
	Ingest(ctx context.Context, req ragRequest.IngestReq) (*ragRespond.IngestRespond, error)
	Resume(ctx context.Context, documentId string) (*ragRespond.ResumeRespond, error)
	Status(ctx context.Context, documentId string) (*ragRespond.DocumentStatusRespond, error)
}

type ingestService struct {
	objects      ragRepo.ObjectStore
	repo         ragRepo.DocumentRepository
	chunker      *chunking.SentenceChunker
	chunkTopic   string
	uploadPrefix string
}

func NewIngestService(objects ragRepo.ObjectStore, repo ragRepo.DocumentRepository, chunker *chunking.SentenceChunker, chunkTopic, uploadPrefix string) IngestService {
	return &ingestService{
		objects:      objects,
		repo:         repo,
		chunker:      chunker,
		chunkTopic:   chunkTopic,
		uploadPrefix: uploadPrefix,
	}
}

func (s *ingestService) Ingest(ctx context.Context, req ragRequest.IngestReq) (*ragRespond.IngestRespond, error) {
	refs := req.Objects()
	if len(refs) == 0 {
		return nil, xerr.New(xerr.BadRequest, "no objects to ingest")
	}

	out := &ragRespond.IngestRespond{Results: make([]ragRespond.IngestDocumentResult, 0, len(refs))}
	for _, ref := range refs {
		res := s.ingestOne(ctx, ref)
		if res.Error == "" {
			out.Accepted++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}

// ingestOne 单对象摄取。任何一步失败都记录到结果里，不向上抛错。
func (s *ingestService) ingestOne(ctx context.Context, ref ragRequest.IngestObjectRef) ragRespond.IngestDocumentResult {
	res := ragRespond.IngestDocumentResult{Bucket: ref.Bucket, Key: ref.Key}

	if s.uploadPrefix != "" && !strings.HasPrefix(ref.Key, s.uploadPrefix) {
		res.Error = fmt.Sprintf("key outside prefix %s, skipped", s.uploadPrefix)
		return res
	}

	data, err := s.objects.Fetch(ctx, ref.Bucket, ref.Key)
	if err != nil {
		res.Error = "fetch object: " + err.Error()
		return res
	}

	documentId := document.DocumentIdOf(ref.Bucket, ref.Key)
	res.DocumentId = documentId

	contentType := contentTypeOf(ref.Key, ref.ContentType)
	doc := &document.RagDocument{
		DocumentId:   documentId,
		SourceBucket: ref.Bucket,
		SourceKey:    ref.Key,
		ContentType:  contentType,
	}
	// 同一 key 重传不改旧行，version 递增新建一行
	if err := s.repo.CreateDocumentVersion(ctx, doc); err != nil {
		res.Error = "create document version: " + err.Error()
		return res
	}
	res.Version = doc.Version
	res.Status = doc.Status

	text, err := chunking.DecodeText(contentType, data)
	if err != nil {
		s.failDocument(ctx, doc, document.DocStatusReceived, err.Error())
		res.Status = document.DocStatusFailed
		if errors.Is(err, fault.ErrUnsupportedFormat) {
			res.Error = err.Error()
		} else {
			res.Error = "decode: " + err.Error()
		}
		return res
	}

	chunks := s.chunker.Chunk(documentId, text)
	if len(chunks) == 0 {
		s.failDocument(ctx, doc, document.DocStatusReceived, "empty document")
		res.Status = document.DocStatusFailed
		res.Error = "empty document"
		return res
	}

	if err := s.repo.SetChunkCount(ctx, documentId, doc.Version, len(chunks)); err != nil {
		res.Error = "set chunk count: " + err.Error()
		return res
	}
	if err := s.repo.UpdateDocumentStatus(ctx, documentId, doc.Version, document.DocStatusReceived, document.DocStatusChunked, ""); err != nil {
		res.Error = "advance to chunked: " + err.Error()
		return res
	}

	rows, messages, err := buildChunkRows(chunks, doc.Version, s.chunkTopic)
	if err != nil {
		s.failDocument(ctx, doc, document.DocStatusChunked, err.Error())
		res.Status = document.DocStatusFailed
		res.Error = err.Error()
		return res
	}
	if err := s.repo.SaveChunksWithOutbox(ctx, rows, messages); err != nil {
		s.failDocument(ctx, doc, document.DocStatusChunked, "save chunks: "+err.Error())
		res.Status = document.DocStatusFailed
		res.Error = "save chunks: " + err.Error()
		return res
	}
	if err := s.repo.UpdateDocumentStatus(ctx, documentId, doc.Version, document.DocStatusChunked, document.DocStatusQueued, ""); err != nil {
		res.Error = "advance to queued: " + err.Error()
		return res
	}

	res.Status = document.DocStatusQueued
	res.ChunkCount = len(chunks)
	zlog.Info("document ingested",
		zap.String("documentId", documentId),
		zap.Int("version", doc.Version),
		zap.Int("chunks", len(chunks)))
	return res
}

// Resume 断点续摄：只重排尚未入库的 chunk，已入库的不重复向量化。
// 文档需处于 failed 状态；若缺口为零则直接修复状态到 indexed。
func (s *ingestService) Resume(ctx context.Context, documentId string) (*ragRespond.ResumeRespond, error) {
	doc, err := s.repo.FindLatestDocument(ctx, documentId)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, xerr.ErrNotFound
	}
	if doc.Status != document.DocStatusFailed {
		return nil, xerr.New(xerr.BadRequest, fmt.Sprintf("document in status %s, only failed can resume", doc.Status))
	}

	pendingIds, err := s.repo.FindPendingChunkIds(ctx, documentId, doc.Version)
	if err != nil {
		return nil, err
	}

	if len(pendingIds) == 0 {
		// 缺口为零说明失败发生在状态推进而非向量化，逐级修复到终态
		for _, step := range [][2]string{
			{document.DocStatusFailed, document.DocStatusQueued},
			{document.DocStatusQueued, document.DocStatusEmbedding},
			{document.DocStatusEmbedding, document.DocStatusIndexed},
		} {
			if err := s.repo.UpdateDocumentStatus(ctx, documentId, doc.Version, step[0], step[1], ""); err != nil {
				return nil, err
			}
		}
		return &ragRespond.ResumeRespond{DocumentId: documentId, Version: doc.Version, Requeued: 0, Status: document.DocStatusIndexed}, nil
	}

	all, err := s.repo.FindChunks(ctx, documentId, doc.Version)
	if err != nil {
		return nil, err
	}
	pending := make(map[string]bool, len(pendingIds))
	for _, id := range pendingIds {
		pending[id] = true
	}

	// 重排消息要换 dedup_key，否则会被 outbox 的唯一键挡掉
	attempt := time.Now().Unix()
	rows := make([]*document.RagChunk, 0, len(pendingIds))
	messages := make([]*document.RagOutboxMessage, 0, len(pendingIds))
	for _, ck := range all {
		if !pending[ck.ChunkId] {
			continue
		}
		item := document.ChunkWorkItem{
			DocumentId:    ck.DocumentId,
			ChunkId:       ck.ChunkId,
			SequenceIndex: ck.SequenceIndex,
			Text:          ck.Content,
			CharStart:     ck.CharStart,
			CharEnd:       ck.CharEnd,
		}
		payload, mErr := json.Marshal(item)
		if mErr != nil {
			return nil, mErr
		}
		msg := queue.OutboxMessageOf(item, ck.Version, s.chunkTopic, string(payload))
		msg.DedupKey = fmt.Sprintf("rq_%d_%s", attempt, ck.ChunkId)
		ck.Status = document.ChunkStatusQueued
		ck.ErrorMsg = ""
		rows = append(rows, ck)
		messages = append(messages, msg)
	}

	if err := s.repo.SaveChunksWithOutbox(ctx, rows, messages); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateDocumentStatus(ctx, documentId, doc.Version, document.DocStatusFailed, document.DocStatusQueued, ""); err != nil {
		return nil, err
	}

	zlog.Info("document resume requeued",
		zap.String("documentId", documentId),
		zap.Int("version", doc.Version),
		zap.Int("requeued", len(messages)))
	return &ragRespond.ResumeRespond{DocumentId: documentId, Version: doc.Version, Requeued: len(messages), Status: document.DocStatusQueued}, nil
}

// Status 查询最新版本的摄取进度
func (s *ingestService) Status(ctx context.Context, documentId string) (*ragRespond.DocumentStatusRespond, error) {
	doc, err := s.repo.FindLatestDocument(ctx, documentId)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, xerr.ErrNotFound
	}

	chunks, err := s.repo.FindChunks(ctx, documentId, doc.Version)
	if err != nil {
		return nil, err
	}
	briefs := make([]ragRespond.ChunkBrief, 0, len(chunks))
	for _, ck := range chunks {
		briefs = append(briefs, ragRespond.ChunkBrief{
			ChunkId:       ck.ChunkId,
			SequenceIndex: ck.SequenceIndex,
			Status:        chunkStatusName(ck.Status),
			Error:         ck.ErrorMsg,
		})
	}

	return &ragRespond.DocumentStatusRespond{
		DocumentId:    doc.DocumentId,
		Version:       doc.Version,
		SourceBucket:  doc.SourceBucket,
		SourceKey:     doc.SourceKey,
		Status:        doc.Status,
		ChunkCount:    doc.ChunkCount,
		IndexedChunks: doc.IndexedChunks,
		ErrorMsg:      doc.ErrorMsg,
		Chunks:        briefs,
		UpdatedAt:     doc.UpdatedAt,
	}, nil
}

// failDocument 将文档推进到 failed，推进失败只记日志
func (s *ingestService) failDocument(ctx context.Context, doc *document.RagDocument, from, reason string) {
	if err := s.repo.UpdateDocumentStatus(ctx, doc.DocumentId, doc.Version, from, document.DocStatusFailed, reason); err != nil {
		zlog.Error("mark document failed",
			zap.String("documentId", doc.DocumentId),
			zap.Int("version", doc.Version),
			zap.Error(err))
	}
}

// buildChunkRows 将切分结果转成待落库的 chunk 行与对应 outbox 消息
func buildChunkRows(chunks []document.Chunk, version int, topic string) ([]*document.RagChunk, []*document.RagOutboxMessage, error) {
	rows := make([]*document.RagChunk, 0, len(chunks))
	messages := make([]*document.RagOutboxMessage, 0, len(chunks))
	for _, ck := range chunks {
		rows = append(rows, &document.RagChunk{
			DocumentId:    ck.DocumentId,
			Version:       version,
			ChunkId:       ck.ChunkId,
			SequenceIndex: ck.SequenceIndex,
			Content:       ck.Text,
			CharStart:     ck.CharStart,
			CharEnd:       ck.CharEnd,
			ContentHash:   ck.ContentHash,
			Status:        document.ChunkStatusQueued,
		})

		item := document.ChunkWorkItem{
			DocumentId:    ck.DocumentId,
			ChunkId:       ck.ChunkId,
			SequenceIndex: ck.SequenceIndex,
			Text:          ck.Text,
			CharStart:     ck.CharStart,
			CharEnd:       ck.CharEnd,
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal chunk work item: %w", err)
		}
		messages = append(messages, queue.OutboxMessageOf(item, version, topic, string(payload)))
	}
	return rows, messages, nil
}

// contentTypeOf 显式类型优先，否则按扩展名推断，默认按纯文本处理
func contentTypeOf(key, explicit string) string {
	if explicit != "" {
		return explicit
	}
	switch strings.ToLower(path.Ext(key)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".html", ".htm":
		return "text/html"
	case ".json":
		return "application/json"
	default:
		return "text/plain"
	}
}

func chunkStatusName(status int8) string {
	switch status {
	case document.ChunkStatusPending:
		return "pending"
	case document.ChunkStatusQueued:
		return "queued"
	case document.ChunkStatusIndexed:
		return "indexed"
	case document.ChunkStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"RagLink/internal/modules/rag/domain/document"
	"RagLink/internal/modules/rag/domain/fault"
	"RagLink/internal/modules/rag/domain/repository"
	"RagLink/internal/modules/rag/infrastructure/embedding"
	"RagLink/internal/modules/rag/infrastructure/mq"
	"RagLink/pkg/zlog"
)

// ChunkConsumerWorker 消费 chunk 工作项：向量化后写入向量库并推进文档进度。
//
// 投递语义：
//   - 处理成功或消息已妥善转移（重新入队/死信）返回 nil，提交位点；
//   - 瞬时失败重新发布并将 receive_count +1，达到上限转死信 topic；
//   - 永久失败（格式损坏/维度不符/超长/供应商拒绝）直接标记 chunk 失败并入死信，不重试；
//   - 重复投递无害：向量按 chunk_id 幂等覆盖，进度标记幂等。
type ChunkConsumerWorker struct {
	repo       repository.DocumentRepository
	batcher    *embedding.Batcher
	store      repository.VectorStore
	pub        mq.Publisher
	chunkTopic string
	dlqTopic   string
	maxReceive int
}

func NewChunkConsumerWorker(
	repo repository.DocumentRepository,
	batcher *embedding.Batcher,
	store repository.VectorStore,
	pub mq.Publisher,
	chunkTopic, dlqTopic string,
	maxReceive int,
) *ChunkConsumerWorker {
	if maxReceive <= 0 {
		maxReceive = 3
	}
	return &ChunkConsumerWorker{
		repo:       repo,
		batcher:    batcher,
		store:      store,
		pub:        pub,
		chunkTopic: chunkTopic,
		dlqTopic:   dlqTopic,
		maxReceive: maxReceive,
	}
}

var _ mq.Handler = (*ChunkConsumerWorker)(nil)

func (w *ChunkConsumerWorker) Handle(ctx context.Context, msg mq.Message) error {
	var item document.ChunkWorkItem
	if err := json.Unmarshal(msg.Value, &item); err != nil || item.ChunkId == "" {
		// 毒消息：重试不可能成功，直接死信
		zlog.Error("malformed chunk work item", zap.Error(err))
		return w.deadLetter(ctx, msg, "malformed payload")
	}

	receiveCount := ReceiveCountOf(msg)
	if receiveCount > w.maxReceive {
		return w.abandon(ctx, msg, item, fmt.Errorf("max receive count %d exceeded", w.maxReceive))
	}

	// 首条消费把文档推进到 embedding；已推进时返回错误，忽略即可
	_ = w.repo.UpdateDocumentStatus(ctx, item.DocumentId, 0, document.DocStatusQueued, document.DocStatusEmbedding, "")

	if err := w.process(ctx, item); err != nil {
		if fault.IsRetryable(err) {
			return w.requeue(ctx, msg, item, receiveCount, err)
		}
		// 永久失败：隔离该 chunk，不拖累兄弟消息
		zlog.Error("chunk permanently failed",
			zap.String("chunkId", item.ChunkId),
			zap.String("stage", string(fault.StageOf(err))),
			zap.Error(err))
		return w.abandon(ctx, msg, item, err)
	}
	return nil
}

// process 核心工作：向量化 + 幂等写入 + 进度推进
func (w *ChunkConsumerWorker) process(ctx context.Context, item document.ChunkWorkItem) error {
	vec, err := w.batcher.EmbedOne(ctx, item.Text)
	if err != nil {
		if fault.IsRetryable(err) || errors.Is(err, fault.ErrDimensionMismatch) {
			return fault.At(fault.StageEmbedding, err)
		}
		// 预检类（空文本/超长）与供应商拒绝属于永久失败
		return fault.At(fault.StageEmbedding, err)
	}

	err = w.store.Upsert(ctx, []repository.VectorUpsertItem{{
		ChunkId:       item.ChunkId,
		DocumentId:    item.DocumentId,
		SequenceIndex: item.SequenceIndex,
		Vector:        vec,
		Content:       item.Text,
		CharStart:     item.CharStart,
		CharEnd:       item.CharEnd,
	}})
	if err != nil {
		return fault.At(fault.StageEmbedding, err)
	}

	indexed, total, err := w.repo.MarkChunkIndexed(ctx, item.DocumentId, item.ChunkId)
	if err != nil {
		return fault.At(fault.StageEmbedding, fmt.Errorf("mark chunk indexed: %v: %w", err, fault.ErrVectorStoreUnavailable))
	}

	if total > 0 && indexed >= total {
		// 全部 chunk 落库，文档进入终态
		if terr := w.repo.UpdateDocumentStatus(ctx, item.DocumentId, 0, document.DocStatusEmbedding, document.DocStatusIndexed, ""); terr == nil {
			zlog.Info("document fully indexed",
				zap.String("documentId", item.DocumentId),
				zap.Int("chunks", total))
		}
	}
	return nil
}

// requeue 瞬时失败：带累加的 receive_count 重新入队
func (w *ChunkConsumerWorker) requeue(ctx context.Context, msg mq.Message, item document.ChunkWorkItem, receiveCount int, cause error) error {
	next := receiveCount + 1
	if next > w.maxReceive {
		return w.abandon(ctx, msg, item, cause)
	}
	headers := copyHeaders(msg.Headers)
	headers[HeaderReceiveCount] = strconv.Itoa(next)

	_, err := w.pub.Publish(ctx, mq.Message{
		Topic:   w.chunkTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		// 重新入队失败：不提交位点，交给 broker 重投
		return fmt.Errorf("requeue chunk %s: %w", item.ChunkId, err)
	}
	zlog.Warn("chunk requeued",
		zap.String("chunkId", item.ChunkId),
		zap.Int("receiveCount", next),
		zap.Error(cause))
	return nil
}

// abandon 放弃该 chunk：记录失败、文档转 failed、消息入死信
func (w *ChunkConsumerWorker) abandon(ctx context.Context, msg mq.Message, item document.ChunkWorkItem, cause error) error {
	if merr := w.repo.MarkChunkFailed(ctx, item.DocumentId, item.ChunkId, cause.Error()); merr != nil {
		zlog.Warn("mark chunk failed error", zap.String("chunkId", item.ChunkId), zap.Error(merr))
	}
	// embedding 失败导致的文档失败；已是 failed/indexed 时返回错误，忽略
	_ = w.repo.UpdateDocumentStatus(ctx, item.DocumentId, 0, document.DocStatusEmbedding, document.DocStatusFailed, cause.Error())
	return w.deadLetter(ctx, msg, cause.Error())
}

func (w *ChunkConsumerWorker) deadLetter(ctx context.Context, msg mq.Message, reason string) error {
	headers := copyHeaders(msg.Headers)
	headers["dlq_reason"] = reason
	headers["dlq_source_topic"] = msg.Topic

	_, err := w.pub.Publish(ctx, mq.Message{
		Topic:   w.dlqTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("dead letter publish: %w", err)
	}
	zlog.Warn("chunk message dead lettered",
		zap.String("dlqTopic", w.dlqTopic),
		zap.String("reason", reason))
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}

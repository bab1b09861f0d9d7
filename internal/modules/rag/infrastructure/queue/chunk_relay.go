package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"RagLink/internal/modules/rag/domain/document"
	"RagLink/internal/modules/rag/domain/repository"
	"RagLink/internal/modules/rag/infrastructure/mq"
	"RagLink/pkg/zlog"
)

// 投递计数 header，消费侧据此判断是否入死信
const HeaderReceiveCount = "receive_count"

const relayMaxRetry = 10

// ChunkRelay outbox 中继：轮询认领待发布的 chunk 工作项并发布到 Kafka。
// 发布失败按指数退避安排重试，落库与发布解耦，保证至少一次投递。
type ChunkRelay struct {
	repo         repository.DocumentRepository
	pub          mq.Publisher
	batchSize    int
	pollInterval time.Duration
}

func NewChunkRelay(repo repository.DocumentRepository, pub mq.Publisher, batchSize int, pollInterval time.Duration) *ChunkRelay {
	if batchSize <= 0 {
		batchSize = 200
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &ChunkRelay{repo: repo, pub: pub, batchSize: batchSize, pollInterval: pollInterval}
}

func (r *ChunkRelay) Run(ctx context.Context) error {
	if r.repo == nil {
		return errors.New("document repo is nil")
	}
	if r.pub == nil {
		return errors.New("publisher is nil")
	}

	backoff := r.pollInterval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := r.RunOnce(ctx)
		if err != nil {
			time.Sleep(backoff)
			backoff = backoff * 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = r.pollInterval

		if n == 0 {
			time.Sleep(r.pollInterval)
		}
	}
}

// RunOnce 认领并发布一批，返回成功发布条数
func (r *ChunkRelay) RunOnce(ctx context.Context) (int, error) {
	now := time.Now()
	messages, err := r.repo.ClaimOutboxBatch(ctx, r.batchSize, now)
	if err != nil {
		zlog.Warn("chunk relay claim failed", zap.Error(err))
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	published := 0
	for _, m := range messages {
		topic := strings.TrimSpace(m.Topic)
		if topic == "" {
			_ = r.repo.MarkOutboxRetry(ctx, m.Id, now.Add(5*time.Minute), "kafka topic is empty", true)
			continue
		}

		_, pubErr := r.pub.Publish(ctx, mq.Message{
			Topic: topic,
			// 同一文档的 chunk 哈希到同一分区，保持相对顺序
			Key:   []byte(m.DocumentId),
			Value: []byte(m.PayloadJson),
			Headers: map[string]string{
				"dedup_key":        m.DedupKey,
				"chunk_id":         m.ChunkId,
				HeaderReceiveCount: "1",
			},
		})
		if pubErr != nil {
			exhausted := m.RetryCount+1 >= relayMaxRetry
			_ = r.repo.MarkOutboxRetry(ctx, m.Id, computeNextRetry(now, m.RetryCount), pubErr.Error(), exhausted)
			if exhausted {
				zlog.Error("chunk relay retries exhausted",
					zap.Int64("id", m.Id),
					zap.String("chunkId", m.ChunkId),
					zap.Error(pubErr))
			}
			continue
		}

		if err := r.repo.MarkOutboxPublished(ctx, m.Id); err != nil {
			zlog.Warn("chunk relay mark published failed", zap.Int64("id", m.Id), zap.Error(err))
			continue
		}
		published++
	}
	return published, nil
}

func computeNextRetry(now time.Time, retryCount int) time.Time {
	if retryCount < 0 {
		retryCount = 0
	}
	d := 500 * time.Millisecond
	for i := 0; i < retryCount && d < 5*time.Minute; i++ {
		d = d * 2
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return now.Add(d)
}

// ReceiveCountOf 解析投递计数 header，缺失按首次投递处理
func ReceiveCountOf(msg mq.Message) int {
	raw, ok := msg.Headers[HeaderReceiveCount]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// OutboxMessageOf 由 chunk 工作项构造 outbox 行。
// dedup_key 带上文档版本：同内容重传的新版本复用 chunk_id，
// 但每个版本都要发出自己的工作项，不能被旧版本的键挡掉。
func OutboxMessageOf(item document.ChunkWorkItem, version int, topic string, payloadJson string) *document.RagOutboxMessage {
	return &document.RagOutboxMessage{
		DocumentId:  item.DocumentId,
		ChunkId:     item.ChunkId,
		Topic:       topic,
		PayloadJson: payloadJson,
		DedupKey:    fmt.Sprintf("ob_v%d_%s", version, item.ChunkId),
		Status:      document.OutboxStatusPending,
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	einoembed "github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RagLink/internal/config"
	"RagLink/internal/modules/rag/domain/document"
	"RagLink/internal/modules/rag/domain/repository"
	"RagLink/internal/modules/rag/infrastructure/embedding"
	"RagLink/internal/modules/rag/infrastructure/mq"
	"RagLink/internal/modules/rag/infrastructure/vectordb"
)

// ---- fakes ----

type fakeRepo struct {
	mu        sync.Mutex
	docStatus map[string]string
	indexed   map[string]bool
	failed    map[string]string
	outbox    []*document.RagOutboxMessage
	total     int
	count     int
}

func newFakeRepo(total int) *fakeRepo {
	return &fakeRepo{
		docStatus: map[string]string{},
		indexed:   map[string]bool{},
		failed:    map[string]string{},
		total:     total,
	}
}

func (f *fakeRepo) CreateDocumentVersion(ctx context.Context, doc *document.RagDocument) error {
	return nil
}
func (f *fakeRepo) FindLatestDocument(ctx context.Context, documentId string) (*document.RagDocument, error) {
	return nil, nil
}
func (f *fakeRepo) UpdateDocumentStatus(ctx context.Context, documentId string, version int, from, to string, errorMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.docStatus[documentId]
	if ok && cur != from {
		return errors.New("status conflict")
	}
	f.docStatus[documentId] = to
	return nil
}
func (f *fakeRepo) SetChunkCount(ctx context.Context, documentId string, version int, count int) error {
	return nil
}

func (f *fakeRepo) SaveChunksWithOutbox(ctx context.Context, chunks []*document.RagChunk, messages []*document.RagOutboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbox = append(f.outbox, messages...)
	return nil
}
func (f *fakeRepo) MarkChunkIndexed(ctx context.Context, documentId string, chunkId string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.indexed[chunkId] {
		f.indexed[chunkId] = true
		f.count++
	}
	return f.count, f.total, nil
}
func (f *fakeRepo) MarkChunkFailed(ctx context.Context, documentId string, chunkId string, errorMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[chunkId] = errorMsg
	return nil
}
func (f *fakeRepo) FindChunks(ctx context.Context, documentId string, version int) ([]*document.RagChunk, error) {
	return nil, nil
}
func (f *fakeRepo) FindPendingChunkIds(ctx context.Context, documentId string, version int) ([]string, error) {
	return nil, nil
}
func (f *fakeRepo) ClaimOutboxBatch(ctx context.Context, limit int, now time.Time) ([]*document.RagOutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.outbox
	f.outbox = nil
	return out, nil
}
func (f *fakeRepo) MarkOutboxPublished(ctx context.Context, id int64) error { return nil }
func (f *fakeRepo) MarkOutboxRetry(ctx context.Context, id int64, nextRetryAt time.Time, errorMsg string, exhausted bool) error {
	return nil
}

var _ repository.DocumentRepository = (*fakeRepo)(nil)

type fakePublisher struct {
	mu       sync.Mutex
	messages []mq.Message
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, msg mq.Message) (mq.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return mq.PublishResult{}, p.err
	}
	p.messages = append(p.messages, msg)
	return mq.PublishResult{}, nil
}
func (p *fakePublisher) Close() error { return nil }

type failingEmbedder struct{ fail bool }

func (e *failingEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...einoembed.Option) ([][]float64, error) {
	if e.fail {
		return nil, errors.New("rate limited")
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0}
	}
	return out, nil
}

// ---- helpers ----

func workItemMsg(t *testing.T, headers map[string]string) (document.ChunkWorkItem, mq.Message) {
	t.Helper()
	item := document.ChunkWorkItem{
		DocumentId:    "doc1",
		ChunkId:       "ck_abc",
		SequenceIndex: 0,
		Text:          "some chunk text",
		CharStart:     0,
		CharEnd:       15,
	}
	raw, err := json.Marshal(item)
	require.NoError(t, err)
	return item, mq.Message{Topic: "rag.chunks", Key: []byte("doc1"), Value: raw, Headers: headers}
}

func newWorker(repo *fakeRepo, pub *fakePublisher, emb einoembed.Embedder, store repository.VectorStore) *ChunkConsumerWorker {
	batcher := embedding.NewBatcher(emb, embedding.EmbedderMeta{Dim: 2},
		config.AIEmbeddingConfig{MaxBatchSize: 10, Parallelism: 1, RetryTimes: 1, MaxInputChars: 1000})
	return NewChunkConsumerWorker(repo, batcher, store, pub, "rag.chunks", "rag.chunks.dlq", 3)
}

// ---- tests ----

func TestWorkerSuccessIndexesChunk(t *testing.T) {
	repo := newFakeRepo(1)
	repo.docStatus["doc1"] = document.DocStatusQueued
	pub := &fakePublisher{}
	store := vectordb.NewMemoryVectorStore(2)
	w := newWorker(repo, pub, &failingEmbedder{}, store)

	_, msg := workItemMsg(t, map[string]string{HeaderReceiveCount: "1"})
	require.NoError(t, w.Handle(context.Background(), msg))

	assert.True(t, repo.indexed["ck_abc"])
	// 唯一 chunk 落库后文档进入终态
	assert.Equal(t, document.DocStatusIndexed, repo.docStatus["doc1"])

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.VectorCount)
}

func TestWorkerDuplicateDeliveryIdempotent(t *testing.T) {
	repo := newFakeRepo(2)
	repo.docStatus["doc1"] = document.DocStatusQueued
	pub := &fakePublisher{}
	store := vectordb.NewMemoryVectorStore(2)
	w := newWorker(repo, pub, &failingEmbedder{}, store)

	_, msg := workItemMsg(t, map[string]string{HeaderReceiveCount: "1"})
	require.NoError(t, w.Handle(context.Background(), msg))
	require.NoError(t, w.Handle(context.Background(), msg))

	stats, _ := store.Stats(context.Background())
	assert.Equal(t, int64(1), stats.VectorCount)
	assert.Equal(t, 1, repo.count)
}

func TestWorkerTransientFailureRequeues(t *testing.T) {
	repo := newFakeRepo(1)
	repo.docStatus["doc1"] = document.DocStatusQueued
	pub := &fakePublisher{}
	store := vectordb.NewMemoryVectorStore(2)
	w := newWorker(repo, pub, &failingEmbedder{fail: true}, store)

	_, msg := workItemMsg(t, map[string]string{HeaderReceiveCount: "1"})
	require.NoError(t, w.Handle(context.Background(), msg))

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "rag.chunks", pub.messages[0].Topic)
	assert.Equal(t, "2", pub.messages[0].Headers[HeaderReceiveCount])
}

func TestWorkerMaxReceiveDeadLetters(t *testing.T) {
	repo := newFakeRepo(1)
	repo.docStatus["doc1"] = document.DocStatusEmbedding
	pub := &fakePublisher{}
	store := vectordb.NewMemoryVectorStore(2)
	w := newWorker(repo, pub, &failingEmbedder{fail: true}, store)

	_, msg := workItemMsg(t, map[string]string{HeaderReceiveCount: "3"})
	require.NoError(t, w.Handle(context.Background(), msg))

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "rag.chunks.dlq", pub.messages[0].Topic)
	assert.Contains(t, repo.failed, "ck_abc")
	assert.Equal(t, document.DocStatusFailed, repo.docStatus["doc1"])
}

func TestWorkerMalformedPayloadDeadLetters(t *testing.T) {
	repo := newFakeRepo(1)
	pub := &fakePublisher{}
	store := vectordb.NewMemoryVectorStore(2)
	w := newWorker(repo, pub, &failingEmbedder{}, store)

	msg := mq.Message{Topic: "rag.chunks", Value: []byte("{not json")}
	require.NoError(t, w.Handle(context.Background(), msg))

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "rag.chunks.dlq", pub.messages[0].Topic)
}

func TestWorkerRequeuePublishFailureRedelivers(t *testing.T) {
	repo := newFakeRepo(1)
	repo.docStatus["doc1"] = document.DocStatusQueued
	pub := &fakePublisher{err: errors.New("broker down")}
	store := vectordb.NewMemoryVectorStore(2)
	w := newWorker(repo, pub, &failingEmbedder{fail: true}, store)

	_, msg := workItemMsg(t, map[string]string{HeaderReceiveCount: "1"})
	// 重新入队失败必须返回错误，让 broker 重投
	assert.Error(t, w.Handle(context.Background(), msg))
}

func TestReceiveCountOf(t *testing.T) {
	assert.Equal(t, 1, ReceiveCountOf(mq.Message{}))
	assert.Equal(t, 1, ReceiveCountOf(mq.Message{Headers: map[string]string{HeaderReceiveCount: "bogus"}}))
	assert.Equal(t, 2, ReceiveCountOf(mq.Message{Headers: map[string]string{HeaderReceiveCount: "2"}}))
}

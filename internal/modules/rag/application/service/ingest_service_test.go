package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragRequest "RagLink/internal/modules/rag/application/dto/request"
	"RagLink/internal/modules/rag/domain/document"
	"RagLink/internal/modules/rag/domain/repository"
	"RagLink/internal/modules/rag/infrastructure/chunking"
	"RagLink/internal/modules/rag/infrastructure/objectstore"
)

var _ repository.DocumentRepository = (*memDocRepo)(nil)

// memDocRepo 内存版文档仓储，按接口语义实现状态机与 outbox 去重
type memDocRepo struct {
	mu     sync.Mutex
	docs   []*document.RagDocument
	chunks map[string]*document.RagChunk
	outbox map[string]*document.RagOutboxMessage
}

func newMemDocRepo() *memDocRepo {
	return &memDocRepo{
		chunks: make(map[string]*document.RagChunk),
		outbox: make(map[string]*document.RagOutboxMessage),
	}
}

func (r *memDocRepo) CreateDocumentVersion(ctx context.Context, doc *document.RagDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	maxVersion := 0
	for _, d := range r.docs {
		if d.DocumentId == doc.DocumentId && d.Version > maxVersion {
			maxVersion = d.Version
		}
	}
	doc.Version = maxVersion + 1
	doc.Status = document.DocStatusReceived
	r.docs = append(r.docs, doc)
	return nil
}

func (r *memDocRepo) FindLatestDocument(ctx context.Context, documentId string) (*document.RagDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestLocked(documentId), nil
}

func (r *memDocRepo) latestLocked(documentId string) *document.RagDocument {
	var latest *document.RagDocument
	for _, d := range r.docs {
		if d.DocumentId == documentId && (latest == nil || d.Version > latest.Version) {
			latest = d
		}
	}
	return latest
}

func (r *memDocRepo) UpdateDocumentStatus(ctx context.Context, documentId string, version int, from, to string, errorMsg string) error {
	if !document.CanTransition(from, to) {
		return fmt.Errorf("illegal document status transition %s -> %s", from, to)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if version <= 0 {
		latest := r.latestLocked(documentId)
		if latest == nil {
			return fmt.Errorf("document %s not found", documentId)
		}
		version = latest.Version
	}
	for _, d := range r.docs {
		if d.DocumentId == documentId && d.Version == version && d.Status == from {
			d.Status = to
			if to == document.DocStatusFailed {
				d.ErrorMsg = errorMsg
			}
			return nil
		}
	}
	return fmt.Errorf("document %s v%d not in status %s", documentId, version, from)
}

func (r *memDocRepo) SetChunkCount(ctx context.Context, documentId string, version int, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.docs {
		if d.DocumentId == documentId && d.Version == version {
			d.ChunkCount = count
			return nil
		}
	}
	return fmt.Errorf("document %s v%d not found", documentId, version)
}

func (r *memDocRepo) SaveChunksWithOutbox(ctx context.Context, chunks []*document.RagChunk, messages []*document.RagOutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ck := range chunks {
		// chunk_id 冲突时行归属到新版本并重置状态，与持久层的 upsert 对齐
		if old, ok := r.chunks[ck.ChunkId]; ok {
			old.Version = ck.Version
			old.Status = ck.Status
			old.ErrorMsg = ck.ErrorMsg
			old.Content = ck.Content
			continue
		}
		cp := *ck
		r.chunks[ck.ChunkId] = &cp
	}
	for _, m := range messages {
		if _, ok := r.outbox[m.DedupKey]; ok {
			continue
		}
		cp := *m
		r.outbox[m.DedupKey] = &cp
	}
	return nil
}

func (r *memDocRepo) MarkChunkIndexed(ctx context.Context, documentId string, chunkId string) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ck, ok := r.chunks[chunkId]; ok {
		ck.Status = document.ChunkStatusIndexed
	}
	d := r.latestLocked(documentId)
	if d == nil {
		return 0, 0, fmt.Errorf("document %s not found", documentId)
	}
	d.IndexedChunks++
	return d.IndexedChunks, d.ChunkCount, nil
}

func (r *memDocRepo) MarkChunkFailed(ctx context.Context, documentId string, chunkId string, errorMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ck, ok := r.chunks[chunkId]; ok {
		ck.Status = document.ChunkStatusFailed
		ck.ErrorMsg = errorMsg
	}
	return nil
}

func (r *memDocRepo) FindChunks(ctx context.Context, documentId string, version int) ([]*document.RagChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*document.RagChunk, 0)
	for _, ck := range r.chunks {
		if ck.DocumentId == documentId && ck.Version == version {
			out = append(out, ck)
		}
	}
	return out, nil
}

func (r *memDocRepo) FindPendingChunkIds(ctx context.Context, documentId string, version int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0)
	for _, ck := range r.chunks {
		if ck.DocumentId == documentId && ck.Version == version && ck.Status != document.ChunkStatusIndexed {
			out = append(out, ck.ChunkId)
		}
	}
	return out, nil
}

func (r *memDocRepo) ClaimOutboxBatch(ctx context.Context, limit int, now time.Time) ([]*document.RagOutboxMessage, error) {
	return nil, nil
}

func (r *memDocRepo) MarkOutboxPublished(ctx context.Context, id int64) error { return nil }

func (r *memDocRepo) MarkOutboxRetry(ctx context.Context, id int64, nextRetryAt time.Time, errorMsg string, exhausted bool) error {
	return nil
}

func newTestIngest(t *testing.T) (IngestService, *memDocRepo, *objectstore.FsObjectStore) {
	t.Helper()
	store, err := objectstore.NewFsObjectStore(t.TempDir())
	require.NoError(t, err)
	repo := newMemDocRepo()
	svc := NewIngestService(store, repo, chunking.NewSentenceChunker(80, 20), "rag.chunks", "uploads/")
	return svc, repo, store
}

func TestIngestHappyPath(t *testing.T) {
	ctx := context.Background()
	svc, repo, store := newTestIngest(t)

	text := "The quick brown fox jumps over the lazy dog. Pack my box with five dozen liquor jugs. How vexingly quick daft zebras jump!"
	require.NoError(t, store.Put(ctx, "docs", "uploads/a.txt", []byte(text)))

	out, err := svc.Ingest(ctx, ragRequest.IngestReq{Bucket: "docs", Key: "uploads/a.txt"})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, 1, out.Accepted)
	assert.Equal(t, 0, out.Failed)

	res := out.Results[0]
	assert.Empty(t, res.Error)
	assert.Equal(t, document.DocStatusQueued, res.Status)
	assert.Equal(t, 1, res.Version)
	assert.Greater(t, res.ChunkCount, 0)

	doc, err := repo.FindLatestDocument(ctx, res.DocumentId)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, document.DocStatusQueued, doc.Status)
	assert.Equal(t, res.ChunkCount, doc.ChunkCount)

	chunks, err := repo.FindChunks(ctx, res.DocumentId, 1)
	require.NoError(t, err)
	assert.Len(t, chunks, res.ChunkCount)
	assert.Len(t, repo.outbox, res.ChunkCount)
}

func TestIngestSkipsKeysOutsidePrefix(t *testing.T) {
	ctx := context.Background()
	svc, repo, store := newTestIngest(t)
	require.NoError(t, store.Put(ctx, "docs", "tmp/a.txt", []byte("hello world.")))

	out, err := svc.Ingest(ctx, ragRequest.IngestReq{Bucket: "docs", Key: "tmp/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failed)
	assert.Contains(t, out.Results[0].Error, "outside prefix")
	assert.Empty(t, repo.docs)
}

func TestIngestUnsupportedFormat(t *testing.T) {
	ctx := context.Background()
	svc, repo, store := newTestIngest(t)
	require.NoError(t, store.Put(ctx, "docs", "uploads/bin.txt", []byte{0x00, 0x01, 0x02}))

	out, err := svc.Ingest(ctx, ragRequest.IngestReq{Bucket: "docs", Key: "uploads/bin.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, document.DocStatusFailed, out.Results[0].Status)

	doc, err := repo.FindLatestDocument(ctx, out.Results[0].DocumentId)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, document.DocStatusFailed, doc.Status)
}

func TestIngestEmptyDocumentFails(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestIngest(t)
	require.NoError(t, store.Put(ctx, "docs", "uploads/empty.txt", []byte("   \n\t  ")))

	out, err := svc.Ingest(ctx, ragRequest.IngestReq{Bucket: "docs", Key: "uploads/empty.txt"})
	require.NoError(t, err)
	assert.Equal(t, "empty document", out.Results[0].Error)
	assert.Equal(t, document.DocStatusFailed, out.Results[0].Status)
}

func TestIngestReuploadBumpsVersion(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestIngest(t)
	require.NoError(t, store.Put(ctx, "docs", "uploads/a.txt", []byte("First version of the text. It talks about cats.")))

	first, err := svc.Ingest(ctx, ragRequest.IngestReq{Bucket: "docs", Key: "uploads/a.txt"})
	require.NoError(t, err)
	require.Equal(t, 1, first.Results[0].Version)

	require.NoError(t, store.Put(ctx, "docs", "uploads/a.txt", []byte("Second version of the text. It talks about dogs.")))
	second, err := svc.Ingest(ctx, ragRequest.IngestReq{Bucket: "docs", Key: "uploads/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Results[0].Version)
	assert.Equal(t, first.Results[0].DocumentId, second.Results[0].DocumentId)
}

func TestIngestReuploadSameContentRequeues(t *testing.T) {
	ctx := context.Background()
	svc, repo, store := newTestIngest(t)
	text := "Identical content across uploads. The second version must still flow through the queue."
	require.NoError(t, store.Put(ctx, "docs", "uploads/same.txt", []byte(text)))

	first, err := svc.Ingest(ctx, ragRequest.IngestReq{Bucket: "docs", Key: "uploads/same.txt"})
	require.NoError(t, err)
	docId := first.Results[0].DocumentId
	chunkCount := first.Results[0].ChunkCount
	require.Greater(t, chunkCount, 0)

	// 同 key 同内容重传：chunk_id 完全相同，但 v2 必须有自己的工作项
	second, err := svc.Ingest(ctx, ragRequest.IngestReq{Bucket: "docs", Key: "uploads/same.txt"})
	require.NoError(t, err)
	require.Equal(t, 2, second.Results[0].Version)
	assert.Equal(t, document.DocStatusQueued, second.Results[0].Status)

	// chunk 行归属到 v2 且重新排队
	chunks, err := repo.FindChunks(ctx, docId, 2)
	require.NoError(t, err)
	require.Len(t, chunks, chunkCount)
	for _, ck := range chunks {
		assert.Equal(t, document.ChunkStatusQueued, ck.Status)
	}
	orphans, err := repo.FindChunks(ctx, docId, 1)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// dedup_key 按版本区分，v2 的 outbox 消息不被 v1 的键挡掉
	assert.Len(t, repo.outbox, 2*chunkCount)
}

func TestIngestRecordsDecodeKey(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestIngest(t)
	require.NoError(t, store.Put(ctx, "docs", "uploads/my file.txt", []byte("Sentence one here. Sentence two here.")))

	var req ragRequest.IngestReq
	rec := ragRequest.IngestRecord{}
	rec.S3.Bucket.Name = "docs"
	rec.S3.Object.Key = "uploads/my+file.txt"
	req.Records = []ragRequest.IngestRecord{rec}

	out, err := svc.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Accepted)
	assert.Empty(t, out.Results[0].Error)
}

func TestIngestRejectsEmptyRequest(t *testing.T) {
	svc, _, _ := newTestIngest(t)
	_, err := svc.Ingest(context.Background(), ragRequest.IngestReq{})
	require.Error(t, err)
}

func TestResumeRequeuesOnlyPendingChunks(t *testing.T) {
	ctx := context.Background()
	svc, repo, store := newTestIngest(t)

	text := strings.Repeat("A reasonably long sentence for chunking purposes goes right here. ", 6)
	require.NoError(t, store.Put(ctx, "docs", "uploads/r.txt", []byte(text)))
	out, err := svc.Ingest(ctx, ragRequest.IngestReq{Bucket: "docs", Key: "uploads/r.txt"})
	require.NoError(t, err)
	docId := out.Results[0].DocumentId
	require.Greater(t, out.Results[0].ChunkCount, 1)

	// 模拟部分入库后失败
	chunks, err := repo.FindChunks(ctx, docId, 1)
	require.NoError(t, err)
	_, _, err = repo.MarkChunkIndexed(ctx, docId, chunks[0].ChunkId)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateDocumentStatus(ctx, docId, 1, document.DocStatusQueued, document.DocStatusEmbedding, ""))
	require.NoError(t, repo.UpdateDocumentStatus(ctx, docId, 1, document.DocStatusEmbedding, document.DocStatusFailed, "worker gave up"))

	before := len(repo.outbox)
	resp, err := svc.Resume(ctx, docId)
	require.NoError(t, err)
	assert.Equal(t, out.Results[0].ChunkCount-1, resp.Requeued)
	assert.Equal(t, document.DocStatusQueued, resp.Status)
	assert.Equal(t, before+resp.Requeued, len(repo.outbox))
}

func TestResumeRejectsNonFailedDocument(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestIngest(t)
	require.NoError(t, store.Put(ctx, "docs", "uploads/ok.txt", []byte("Fine text with one sentence.")))
	out, err := svc.Ingest(ctx, ragRequest.IngestReq{Bucket: "docs", Key: "uploads/ok.txt"})
	require.NoError(t, err)

	_, err = svc.Resume(ctx, out.Results[0].DocumentId)
	require.Error(t, err)
}

func TestResumeUnknownDocument(t *testing.T) {
	svc, _, _ := newTestIngest(t)
	_, err := svc.Resume(context.Background(), "no-such-doc")
	require.Error(t, err)
}

func TestStatusReportsProgress(t *testing.T) {
	ctx := context.Background()
	svc, repo, store := newTestIngest(t)
	require.NoError(t, store.Put(ctx, "docs", "uploads/s.txt", []byte("Status check sentence one. Status check sentence two.")))
	out, err := svc.Ingest(ctx, ragRequest.IngestReq{Bucket: "docs", Key: "uploads/s.txt"})
	require.NoError(t, err)
	docId := out.Results[0].DocumentId

	chunks, err := repo.FindChunks(ctx, docId, 1)
	require.NoError(t, err)
	_, _, err = repo.MarkChunkIndexed(ctx, docId, chunks[0].ChunkId)
	require.NoError(t, err)

	st, err := svc.Status(ctx, docId)
	require.NoError(t, err)
	assert.Equal(t, docId, st.DocumentId)
	assert.Equal(t, out.Results[0].ChunkCount, st.ChunkCount)
	assert.Equal(t, 1, st.IndexedChunks)
	assert.Len(t, st.Chunks, st.ChunkCount)
}

package document

import (
	"database/sql"
	"fmt"
	"time"

	"RagLink/pkg/util"
)

// 文档版本状态机：RECEIVED → CHUNKED → QUEUED → EMBEDDING → INDEXED（终态），
// CHUNKED/QUEUED/EMBEDDING 均可进入 FAILED。
const (
	DocStatusReceived  = "received"
	DocStatusChunked   = "chunked"
	DocStatusQueued    = "queued"
	DocStatusEmbedding = "embedding"
	DocStatusIndexed   = "indexed"
	DocStatusFailed    = "failed"
)

// chunk 索引状态
const (
	ChunkStatusPending int8 = 0
	ChunkStatusQueued  int8 = 1
	ChunkStatusIndexed int8 = 2
	ChunkStatusFailed  int8 = 3
)

// outbox 发布状态
const (
	OutboxStatusPending    int8 = 0
	OutboxStatusPublishing int8 = 1
	OutboxStatusPublished  int8 = 2
	OutboxStatusFailed     int8 = 3
)

// RagDocument 文档版本元数据。同一 source_key 重新上传不修改旧行，
// 而是以 version+1 新建一行（旧版本被取代，不被变更）。
type RagDocument struct {
	Id             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentId     string    `gorm:"column:document_id;type:char(64);not null;uniqueIndex:uniq_rag_doc_version"`
	Version        int       `gorm:"column:version;type:int;not null;default:1;uniqueIndex:uniq_rag_doc_version"`
	SourceBucket   string    `gorm:"column:source_bucket;type:varchar(128);not null"`
	SourceKey      string    `gorm:"column:source_key;type:varchar(512);not null;index:idx_rag_doc_key"`
	ContentType    string    `gorm:"column:content_type;type:varchar(64);not null"`
	Status         string    `gorm:"column:status;type:varchar(20);not null;index:idx_rag_doc_status"`
	ChunkCount     int       `gorm:"column:chunk_count;type:int;not null;default:0"`
	IndexedChunks  int       `gorm:"column:indexed_chunks;type:int;not null;default:0"`
	FailedChunkIds string    `gorm:"column:failed_chunk_ids;type:json"`
	ErrorMsg       string    `gorm:"column:error_msg;type:varchar(255)"`
	CreatedAt      time.Time `gorm:"column:created_at;type:datetime;not null"`
	UpdatedAt      time.Time `gorm:"column:updated_at;type:datetime;not null"`
}

func (RagDocument) TableName() string { return "rag_document" }

// RagChunk 文档切片。chunk_id 由 (document_id, content_hash, sequence_index)
// 确定性推导，相同内容重复摄取得到相同身份（幂等不变式）。
type RagChunk struct {
	Id            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentId    string    `gorm:"column:document_id;type:char(64);not null;index:idx_rag_chunk_doc"`
	Version       int       `gorm:"column:version;type:int;not null"`
	ChunkId       string    `gorm:"column:chunk_id;type:varchar(128);not null;uniqueIndex:uniq_rag_chunk"`
	SequenceIndex int       `gorm:"column:sequence_index;type:int;not null"`
	Content       string    `gorm:"column:content;type:mediumtext"`
	CharStart     int       `gorm:"column:char_start;type:int;not null"`
	CharEnd       int       `gorm:"column:char_end;type:int;not null"`
	ContentHash   string    `gorm:"column:content_hash;type:char(64);not null"`
	Status        int8      `gorm:"column:status;type:tinyint;not null;default:0;index:idx_rag_chunk_status"`
	ErrorMsg      string    `gorm:"column:error_msg;type:varchar(255)"`
	CreatedAt     time.Time `gorm:"column:created_at;type:datetime;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;type:datetime;not null"`
}

func (RagChunk) TableName() string { return "rag_chunk" }

// RagOutboxMessage 事务性 outbox：chunk 入库与待发布消息同事务落盘，
// 由中继进程异步发布到 Kafka，保证至少一次投递。
type RagOutboxMessage struct {
	Id          int64        `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentId  string       `gorm:"column:document_id;type:char(64);not null;index:idx_rag_outbox_doc"`
	ChunkId     string       `gorm:"column:chunk_id;type:varchar(128);not null"`
	Topic       string       `gorm:"column:topic;type:varchar(128);not null"`
	PayloadJson string       `gorm:"column:payload_json;type:json"`
	DedupKey    string       `gorm:"column:dedup_key;type:varchar(160);not null;uniqueIndex:uniq_rag_outbox_dedup"`
	Status      int8         `gorm:"column:status;type:tinyint;not null;default:0;index:idx_rag_outbox_status"`
	RetryCount  int          `gorm:"column:retry_count;type:int;not null;default:0"`
	NextRetryAt sql.NullTime `gorm:"column:next_retry_at;type:datetime;index:idx_rag_outbox_next_retry"`
	PublishedAt sql.NullTime `gorm:"column:published_at;type:datetime"`
	ErrorMsg    string       `gorm:"column:error_msg;type:varchar(255)"`
	CreatedAt   time.Time    `gorm:"column:created_at;type:datetime;not null"`
	UpdatedAt   time.Time    `gorm:"column:updated_at;type:datetime;not null"`
}

func (RagOutboxMessage) TableName() string { return "rag_outbox_message" }

// Chunk 切片器的输出值对象（未落库形态）
type Chunk struct {
	ChunkId       string
	DocumentId    string
	SequenceIndex int
	Text          string
	CharStart     int
	CharEnd       int
	ContentHash   string
}

// ChunkWorkItem 队列消息体（生产者与消费者共用的 JSON 布局）
type ChunkWorkItem struct {
	DocumentId    string `json:"document_id"`
	ChunkId       string `json:"chunk_id"`
	SequenceIndex int    `json:"sequence_index"`
	Text          string `json:"text"`
	CharStart     int    `json:"char_start"`
	CharEnd       int    `json:"char_end"`
}

// validTransitions 状态机合法迁移表。
// failed → queued 用于重试补缺：只重排未入库的 chunk。
var validTransitions = map[string][]string{
	DocStatusReceived:  {DocStatusChunked, DocStatusFailed},
	DocStatusChunked:   {DocStatusQueued, DocStatusFailed},
	DocStatusQueued:    {DocStatusEmbedding, DocStatusFailed},
	DocStatusEmbedding: {DocStatusIndexed, DocStatusFailed},
	DocStatusFailed:    {DocStatusQueued},
}

// CanTransition 校验文档状态迁移是否合法
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ChunkIdOf 确定性推导 chunk_id：sha256(document_id|content_hash|sequence_index)
func ChunkIdOf(documentId, contentHash string, sequenceIndex int) string {
	return "ck_" + util.Sha256Hex(fmt.Sprintf("%s|%s|%d", documentId, contentHash, sequenceIndex))
}

// DocumentIdOf 从对象位置推导稳定的 document_id（同一 key 重传版本递增而非换 ID）
func DocumentIdOf(bucket, key string) string {
	return util.Sha256Hex(fmt.Sprintf("%s:%s", bucket, key))[:32]
}

package respond

import "time"

// IngestDocumentResult 单个对象的摄取受理结果
type IngestDocumentResult struct {
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	DocumentId string `json:"document_id"`     // 对象位置推导的稳定 ID
	Version    int    `json:"version"`         // 本次摄取产生的版本号
	Status     string `json:"status"`          // 受理后的文档状态
	ChunkCount int    `json:"chunk_count"`     // 切分出的 chunk 总数
	Error      string `json:"error,omitempty"` // 失败原因（仅失败时）
}

// IngestRespond 摄取请求的响应（每个对象独立成败）
type IngestRespond struct {
	Accepted int                    `json:"accepted"` // 成功受理（排队）对象数
	Failed   int                    `json:"failed"`   // 受理失败对象数
	Results  []IngestDocumentResult `json:"results"`
}

// ChunkBrief 状态查询里展示的切片摘要
type ChunkBrief struct {
	ChunkId       string `json:"chunk_id"`
	SequenceIndex int    `json:"sequence_index"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

// DocumentStatusRespond 文档摄取进度查询响应
type DocumentStatusRespond struct {
	DocumentId    string       `json:"document_id"`
	Version       int          `json:"version"`
	SourceBucket  string       `json:"source_bucket"`
	SourceKey     string       `json:"source_key"`
	Status        string       `json:"status"`
	ChunkCount    int          `json:"chunk_count"`
	IndexedChunks int          `json:"indexed_chunks"`
	ErrorMsg      string       `json:"error_msg,omitempty"`
	Chunks        []ChunkBrief `json:"chunks,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ResumeRespond 断点续摄响应
type ResumeRespond struct {
	DocumentId string `json:"document_id"`
	Version    int    `json:"version"`
	Requeued   int    `json:"requeued"` // 重新排队的 chunk 数
	Status     string `json:"status"`
}

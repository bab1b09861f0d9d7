package respond

// QuerySourceItem 回答引用的单个来源 chunk
type QuerySourceItem struct {
	ChunkId    string  `json:"chunk_id"`
	DocumentId string  `json:"document_id"`
	Score      float32 `json:"score"`
	Snippet    string  `json:"snippet,omitempty"`
}

// QueryRespond 问答查询响应
type QueryRespond struct {
	QueryID     string            `json:"query_id"`    // 本次查询唯一 ID（便于追踪回放）
	Answer      string            `json:"answer"`      // 生成的回答
	Sources     []QuerySourceItem `json:"sources"`     // 引用来源，按检索名次排列
	CacheHit    bool              `json:"cache_hit"`   // 是否命中查询缓存
	Unsupported bool              `json:"unsupported"` // 零命中兜底：回答未被知识库支撑
	Degraded    bool              `json:"degraded"`    // 检索成功但生成失败的降级回答
	DurationMs  int64             `json:"duration_ms"` // 端到端耗时（毫秒）
}

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/compose"

	"RagLink/internal/modules/rag/domain/repository"
	"RagLink/internal/modules/rag/infrastructure/embedding"
	"RagLink/internal/modules/rag/infrastructure/llm"
)

// ErrInvalidQuery 请求参数不合法（对外映射 4xx）
var ErrInvalidQuery = errors.New("invalid query")

// 查询文本长度上限（字符）
const maxQueryChars = 1000

// QueryRequest 查询 Pipeline 的输入
type QueryRequest struct {
	Query string // 用户问题（必填，保留原始大小写供向量化）
	TopK  int    // 返回 Top-K 命中（默认取配置，范围 1-50）
}

// QuerySource 回答引用的来源 chunk
type QuerySource struct {
	ChunkId    string  `json:"chunk_id"`
	DocumentId string  `json:"document_id"`
	Score      float32 `json:"score"`
	Snippet    string  `json:"snippet,omitempty"`
}

// QueryResult 查询 Pipeline 的输出
type QueryResult struct {
	QueryID     string        // 本次查询唯一 ID（日志追踪用）
	Answer      string        // 生成的回答
	Sources     []QuerySource // 引用来源，保持检索名次顺序
	CacheHit    bool          // 是否命中缓存
	Unsupported bool          // 零命中：回答未被检索上下文支撑
	Degraded    bool          // 检索成功但生成失败的降级回答
	// 各阶段耗时（毫秒）
	EmbeddingMs  int64
	SearchMs     int64
	GenerationMs int64
	DurationMs   int64
}

// QueryOptions 查询链路运行参数（构造后不变）
type QueryOptions struct {
	DefaultTopK     int
	ScoreThreshold  float32
	CacheTTLSeconds int
}

// QueryPipeline 查询编排（基于 Eino compose.Graph）。
//
// 节点顺序：Validate → CacheLookup → EmbedQuery → SearchVector →
// AssembleContext → GenerateAnswer → StoreCache → BuildResult。
// 缓存命中时后续节点全部透传；错误随状态流到出口统一返回，
// 缓存读写故障只降级不阻断查询。
type QueryPipeline struct {
	batcher *embedding.Batcher
	vs      repository.VectorStore
	cache   repository.QueryCache
	gen     *llm.Generator
	opts    QueryOptions
	r       compose.Runnable[*QueryRequest, *QueryResult]
}

func NewQueryPipeline(
	batcher *embedding.Batcher,
	vs repository.VectorStore,
	cache repository.QueryCache,
	gen *llm.Generator,
	opts QueryOptions,
) (*QueryPipeline, error) {
	if batcher == nil {
		return nil, fmt.Errorf("batcher is nil")
	}
	if vs == nil {
		return nil, fmt.Errorf("vector store is nil")
	}
	if cache == nil {
		return nil, fmt.Errorf("query cache is nil")
	}
	if gen == nil {
		return nil, fmt.Errorf("generator is nil")
	}
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 5
	}
	if opts.CacheTTLSeconds <= 0 {
		opts.CacheTTLSeconds = 3600
	}

	p := &QueryPipeline{batcher: batcher, vs: vs, cache: cache, gen: gen, opts: opts}
	r, err := p.buildGraph(context.Background())
	if err != nil {
		return nil, err
	}
	p.r = r
	return p, nil
}

// Query 执行一次查询（封装 Eino Runnable.Invoke）
func (p *QueryPipeline) Query(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	if req == nil {
		return nil, fmt.Errorf("query request is nil")
	}
	return p.r.Invoke(ctx, req)
}

// normalizeTopK 规范化 TopK（默认取配置，范围 1-50）
func (p *QueryPipeline) normalizeTopK(topK int) int {
	if topK <= 0 {
		return p.opts.DefaultTopK
	}
	if topK > 50 {
		return 50
	}
	return topK
}

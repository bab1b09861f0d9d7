package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"go.uber.org/zap"

	"RagLink/internal/modules/rag/domain/fault"
	"RagLink/internal/modules/rag/domain/repository"
	"RagLink/internal/modules/rag/infrastructure/cache"
	"RagLink/pkg/util"
	"RagLink/pkg/zlog"
)

// queryState 查询 Pipeline 的中间状态（在节点间传递）
type queryState struct {
	Req          *QueryRequest
	TopK         int
	NormQuery    string
	CacheKey     string
	Cached       *repository.CachedAnswer     // 缓存命中结果，非 nil 时后续节点透传
	QueryVec     []float32                    // 查询向量
	Hits         []repository.VectorSearchHit // 阈值过滤后的命中
	ContextBlock string                       // 拼装后的上下文
	Answer       string
	Degraded     bool
	Start        time.Time
	EmbeddingMs  int64
	SearchMs     int64
	GenerationMs int64
	Err          error
}

func (p *QueryPipeline) buildGraph(ctx context.Context) (compose.Runnable[*QueryRequest, *QueryResult], error) {
	const (
		Validate        = "Validate"
		CacheLookup     = "CacheLookup"
		EmbedQuery      = "EmbedQuery"
		SearchVector    = "SearchVector"
		AssembleContext = "AssembleContext"
		GenerateAnswer  = "GenerateAnswer"
		StoreCache      = "StoreCache"
		BuildResult     = "BuildResult"
	)
	g := compose.NewGraph[*QueryRequest, *QueryResult]()
	_ = g.AddLambdaNode(Validate, compose.InvokableLambdaWithOption(p.validateNode), compose.WithNodeName(Validate))
	_ = g.AddLambdaNode(CacheLookup, compose.InvokableLambdaWithOption(p.cacheLookupNode), compose.WithNodeName(CacheLookup))
	_ = g.AddLambdaNode(EmbedQuery, compose.InvokableLambdaWithOption(p.embedQueryNode), compose.WithNodeName(EmbedQuery))
	_ = g.AddLambdaNode(SearchVector, compose.InvokableLambdaWithOption(p.searchVectorNode), compose.WithNodeName(SearchVector))
	_ = g.AddLambdaNode(AssembleContext, compose.InvokableLambdaWithOption(p.assembleContextNode), compose.WithNodeName(AssembleContext))
	_ = g.AddLambdaNode(GenerateAnswer, compose.InvokableLambdaWithOption(p.generateAnswerNode), compose.WithNodeName(GenerateAnswer))
	_ = g.AddLambdaNode(StoreCache, compose.InvokableLambdaWithOption(p.storeCacheNode), compose.WithNodeName(StoreCache))
	_ = g.AddLambdaNode(BuildResult, compose.InvokableLambdaWithOption(p.buildResultNode), compose.WithNodeName(BuildResult))

	_ = g.AddEdge(compose.START, Validate)
	_ = g.AddEdge(Validate, CacheLookup)
	_ = g.AddEdge(CacheLookup, EmbedQuery)
	_ = g.AddEdge(EmbedQuery, SearchVector)
	_ = g.AddEdge(SearchVector, AssembleContext)
	_ = g.AddEdge(AssembleContext, GenerateAnswer)
	_ = g.AddEdge(GenerateAnswer, StoreCache)
	_ = g.AddEdge(StoreCache, BuildResult)
	_ = g.AddEdge(BuildResult, compose.END)

	return g.Compile(ctx, compose.WithGraphName("RagQueryPipeline"), compose.WithNodeTriggerMode(compose.AllPredecessor))
}

// validateNode 节点 1：参数校验 + 缓存键计算。
// 规范化（trim + 小写）只用于缓存键，向量化保留原始大小写。
func (p *QueryPipeline) validateNode(ctx context.Context, req *QueryRequest, _ ...any) (*queryState, error) {
	st := &queryState{Req: req, Start: time.Now()}
	if req == nil {
		st.Err = fmt.Errorf("nil request: %w", ErrInvalidQuery)
		return st, nil
	}
	query := strings.TrimSpace(req.Query)
	req.Query = query
	if query == "" {
		st.Err = fmt.Errorf("empty query: %w", ErrInvalidQuery)
		return st, nil
	}
	if len([]rune(query)) > maxQueryChars {
		st.Err = fmt.Errorf("query exceeds %d chars: %w", maxQueryChars, ErrInvalidQuery)
		return st, nil
	}
	st.TopK = p.normalizeTopK(req.TopK)
	st.NormQuery = cache.NormalizeQuery(query)
	st.CacheKey = cache.CacheKeyOf(st.NormQuery, st.TopK, p.batcher.Meta().Model)
	return st, nil
}

// cacheLookupNode 节点 2：查缓存。缓存故障按未命中降级，不阻断查询。
func (p *QueryPipeline) cacheLookupNode(ctx context.Context, st *queryState, _ ...any) (*queryState, error) {
	if st == nil || st.Err != nil {
		return st, nil
	}
	cached, err := p.cache.Get(ctx, st.CacheKey)
	if err != nil {
		zlog.Warn("query cache lookup failed", zap.Error(err))
		return st, nil
	}
	st.Cached = cached
	return st, nil
}

// embedQueryNode 节点 3：查询向量化
func (p *QueryPipeline) embedQueryNode(ctx context.Context, st *queryState, _ ...any) (*queryState, error) {
	if st == nil || st.Err != nil || st.Cached != nil {
		return st, nil
	}
	embStart := time.Now()
	vec, err := p.batcher.EmbedOne(ctx, st.Req.Query)
	if err != nil {
		st.Err = fault.At(fault.StageEmbedding, err)
		return st, nil
	}
	st.QueryVec = vec
	st.EmbeddingMs = time.Since(embStart).Milliseconds()
	return st, nil
}

// searchVectorNode 节点 4：向量检索 + 阈值过滤。
// 后端返回已按得分降序、同分 chunk_id 升序排列。
func (p *QueryPipeline) searchVectorNode(ctx context.Context, st *queryState, _ ...any) (*queryState, error) {
	if st == nil || st.Err != nil || st.Cached != nil {
		return st, nil
	}
	searchStart := time.Now()
	hits, err := p.vs.Search(ctx, st.QueryVec, st.TopK)
	if err != nil {
		st.Err = fault.At(fault.StageRetrieval, err)
		return st, nil
	}
	if p.opts.ScoreThreshold > 0 {
		filtered := make([]repository.VectorSearchHit, 0, len(hits))
		for _, h := range hits {
			if h.Score >= p.opts.ScoreThreshold {
				filtered = append(filtered, h)
			}
		}
		hits = filtered
	}
	st.Hits = hits
	st.SearchMs = time.Since(searchStart).Milliseconds()
	return st, nil
}

// assembleContextNode 节点 5：按名次拼装上下文
func (p *QueryPipeline) assembleContextNode(ctx context.Context, st *queryState, _ ...any) (*queryState, error) {
	_ = ctx
	if st == nil || st.Err != nil || st.Cached != nil {
		return st, nil
	}
	st.ContextBlock = p.gen.BuildContext(st.Hits)
	return st, nil
}

// generateAnswerNode 节点 6：生成回答。
// 零命中仍然调用生成（空上下文），由结果标记 unsupported。
func (p *QueryPipeline) generateAnswerNode(ctx context.Context, st *queryState, _ ...any) (*queryState, error) {
	if st == nil || st.Err != nil || st.Cached != nil {
		return st, nil
	}
	genStart := time.Now()
	answer, degraded, err := p.gen.Generate(ctx, st.Req.Query, st.ContextBlock)
	if err != nil {
		st.Err = fault.At(fault.StageGeneration, err)
		return st, nil
	}
	st.Answer = answer
	st.Degraded = degraded
	st.GenerationMs = time.Since(genStart).Milliseconds()
	return st, nil
}

// storeCacheNode 节点 7：写缓存。降级回答不缓存，重试才有机会成功；
// 写失败只记日志，并发同键写入后写覆盖先写。
func (p *QueryPipeline) storeCacheNode(ctx context.Context, st *queryState, _ ...any) (*queryState, error) {
	if st == nil || st.Err != nil || st.Cached != nil || st.Degraded {
		return st, nil
	}
	now := time.Now()
	ttl := time.Duration(p.opts.CacheTTLSeconds) * time.Second
	entry := &repository.CachedAnswer{
		QueryTextNormalized: st.NormQuery,
		TopK:                st.TopK,
		Answer:              st.Answer,
		Sources:             cachedSourcesOf(st.Hits),
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}
	if err := p.cache.Set(ctx, st.CacheKey, entry, ttl); err != nil {
		zlog.Warn("query cache store failed", zap.Error(err))
	}
	return st, nil
}

// buildResultNode 节点 8：组装响应并记录各阶段耗时
func (p *QueryPipeline) buildResultNode(ctx context.Context, st *queryState, _ ...any) (*QueryResult, error) {
	_ = ctx
	if st == nil {
		return nil, fmt.Errorf("nil state")
	}
	if st.Err != nil {
		return nil, st.Err
	}

	res := &QueryResult{
		QueryID:      "q_" + util.GenerateShortUUID(),
		EmbeddingMs:  st.EmbeddingMs,
		SearchMs:     st.SearchMs,
		GenerationMs: st.GenerationMs,
		DurationMs:   time.Since(st.Start).Milliseconds(),
	}

	if st.Cached != nil {
		res.Answer = st.Cached.Answer
		res.CacheHit = true
		res.Sources = make([]QuerySource, 0, len(st.Cached.Sources))
		for _, s := range st.Cached.Sources {
			res.Sources = append(res.Sources, QuerySource{
				ChunkId:    s.ChunkId,
				DocumentId: s.DocumentId,
				Score:      s.Score,
				Snippet:    s.Snippet,
			})
		}
		res.Unsupported = len(res.Sources) == 0
	} else {
		res.Answer = st.Answer
		res.Degraded = st.Degraded
		res.Sources = make([]QuerySource, 0, len(st.Hits))
		for _, h := range st.Hits {
			res.Sources = append(res.Sources, QuerySource{
				ChunkId:    h.ChunkId,
				DocumentId: h.DocumentId,
				Score:      h.Score,
				Snippet:    snippetOf(h.Content),
			})
		}
		res.Unsupported = len(st.Hits) == 0
	}

	zlog.Info("rag query done",
		zap.String("queryId", res.QueryID),
		zap.Int("topK", st.TopK),
		zap.Bool("cacheHit", res.CacheHit),
		zap.Bool("unsupported", res.Unsupported),
		zap.Bool("degraded", res.Degraded),
		zap.Int("sources", len(res.Sources)),
		zap.Int64("embeddingMs", res.EmbeddingMs),
		zap.Int64("searchMs", res.SearchMs),
		zap.Int64("generationMs", res.GenerationMs),
		zap.Int64("durationMs", res.DurationMs))
	return res, nil
}

func cachedSourcesOf(hits []repository.VectorSearchHit) []repository.CachedSource {
	out := make([]repository.CachedSource, 0, len(hits))
	for _, h := range hits {
		out = append(out, repository.CachedSource{
			ChunkId:    h.ChunkId,
			DocumentId: h.DocumentId,
			Score:      h.Score,
			Snippet:    snippetOf(h.Content),
		})
	}
	return out
}

// snippetOf 来源摘录，截前 120 字符
func snippetOf(content string) string {
	const limit = 120
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "…"
}

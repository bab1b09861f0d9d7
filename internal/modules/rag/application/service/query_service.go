package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	ragRequest "RagLink/internal/modules/rag/application/dto/request"
	ragRespond "RagLink/internal/modules/rag/application/dto/respond"
	"RagLink/internal/modules/rag/domain/fault"
	"RagLink/internal/modules/rag/infrastructure/pipeline"
	"RagLink/pkg/xerr"
	"RagLink/pkg/zlog"
)

// QueryService 问答查询入口：套接超时并把管道错误翻译成对外错误码
type QueryService interface {
	Query(ctx context.Context, req ragRequest.QueryReq) (*ragRespond.QueryRespond, error)
}

type queryService struct {
	pipe    *pipeline.QueryPipeline
	timeout time.Duration
}

func NewQueryService(pipe *pipeline.QueryPipeline, timeoutSeconds int) QueryService {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	return &queryService{pipe: pipe, timeout: time.Duration(timeoutSeconds) * time.Second}
}

func (s *queryService) Query(ctx context.Context, req ragRequest.QueryReq) (*ragRespond.QueryRespond, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.pipe.Query(ctx, &pipeline.QueryRequest{Query: req.Query, TopK: req.TopK})
	if err != nil {
		return nil, translateQueryError(err)
	}

	sources := make([]ragRespond.QuerySourceItem, 0, len(result.Sources))
	for _, src := range result.Sources {
		sources = append(sources, ragRespond.QuerySourceItem{
			ChunkId:    src.ChunkId,
			DocumentId: src.DocumentId,
			Score:      src.Score,
			Snippet:    src.Snippet,
		})
	}
	return &ragRespond.QueryRespond{
		QueryID:     result.QueryID,
		Answer:      result.Answer,
		Sources:     sources,
		CacheHit:    result.CacheHit,
		Unsupported: result.Unsupported,
		Degraded:    result.Degraded,
		DurationMs:  result.DurationMs,
	}, nil
}

// translateQueryError 参数类错误映射 4xx，依赖故障映射 5xx
func translateQueryError(err error) error {
	if errors.Is(err, pipeline.ErrInvalidQuery) {
		return xerr.New(xerr.BadRequest, err.Error())
	}
	stage := fault.StageOf(err)
	zlog.Error("query pipeline failed", zap.String("stage", string(stage)), zap.Error(err))
	if errors.Is(err, context.DeadlineExceeded) || fault.IsRetryable(err) {
		return xerr.ErrUpstream
	}
	return xerr.ErrServerError
}

package fault

import (
	"errors"
	"fmt"
)

// Stage 标识失败发生在哪个处理阶段，用于对外暴露可定位的错误信息
type Stage string

const (
	StageIngestion  Stage = "ingestion"
	StageEmbedding  Stage = "embedding"
	StageRetrieval  Stage = "retrieval"
	StageGeneration Stage = "generation"
)

// 哨兵错误：调用方通过 errors.Is 判断错误类别
var (
	// ErrUnsupportedFormat 文档内容无法解码为文本（致命，不重试）
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrEmbeddingUnavailable 向量化服务暂不可用（瞬时，可重试）
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")
	// ErrInputRejected 供应商明确拒绝了输入内容（4xx，重试同一输入无意义）
	ErrInputRejected = errors.New("embedding input rejected")
	// ErrVectorStoreUnavailable 向量库连接/鉴权失败（瞬时，可重试）
	ErrVectorStoreUnavailable = errors.New("vector store unavailable")
	// ErrDimensionMismatch 向量维度与索引配置不符（配置错误，永不重试）
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrGenerationFailure 生成服务调用失败（瞬时，最多重试一次）
	ErrGenerationFailure = errors.New("generation failure")
)

// StageError 带阶段标签的错误包装，Unwrap 保留原始错误链
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// At 将错误标记到指定阶段
func At(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf 提取错误所属阶段；无标签时返回空串
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// EmbeddingBatchError 重试耗尽后的批量失败，携带原始批次供调用方重新排队
type EmbeddingBatchError struct {
	Texts []string
	Err   error
}

func (e *EmbeddingBatchError) Error() string {
	return fmt.Sprintf("embedding batch of %d failed: %v", len(e.Texts), e.Err)
}

func (e *EmbeddingBatchError) Unwrap() error { return ErrEmbeddingUnavailable }

// DimensionError 维度不匹配的细节
type DimensionError struct {
	Got  int
	Want int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: got=%d want=%d", e.Got, e.Want)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }

// IsRetryable 判断错误是否属于瞬时类（可重试后死信）
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEmbeddingUnavailable) ||
		errors.Is(err, ErrVectorStoreUnavailable) ||
		errors.Is(err, ErrGenerationFailure)
}

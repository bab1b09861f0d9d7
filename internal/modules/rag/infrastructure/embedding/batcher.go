package embedding

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"RagLink/internal/config"
	"RagLink/internal/modules/rag/domain/fault"
	"RagLink/pkg/zlog"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 10 * time.Second
)

// ItemError 批内单条失败（永久类，不随批重试）
type ItemError struct {
	Index int
	Err   error
}

// rejectedError 供应商明确拒绝了批内输入，由上层二分定位
type rejectedError struct {
	cause error
}

func (e *rejectedError) Error() string { return "embedding input rejected: " + e.cause.Error() }
func (e *rejectedError) Unwrap() error { return e.cause }

// permanentCallError 判断供应商错误是否属于内容拒绝类：
// 4xx 中除 408/429 外重试同一输入没有意义
func permanentCallError(err error) bool {
	if errors.Is(err, fault.ErrInputRejected) {
		return true
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code >= 400 && code < 500 && code != 408 && code != 429
	}
	return false
}

// Batcher 将任意数量的文本切成不超过服务上限的批次，按并发上限
// 并发调用嵌入服务，对瞬时失败做指数退避重试。
//
// 语义：
//   - 返回向量与输入同序同长；单条永久失败（空文本/超长/供应商拒绝）
//     只标记该条，对应位置为 nil，不拖垮同批其余条目。
//   - 供应商侧 4xx 拒绝不随批重试：对批次二分定位到具体条目后隔离。
//   - 整批重试耗尽返回 *fault.EmbeddingBatchError，携带原始批次文本，
//     errors.Is(err, fault.ErrEmbeddingUnavailable) 成立。
//   - 返回向量维度与声明维度不符时返回 *fault.DimensionError，不重试。
//   - 对外部限流的响应方式是退避等待，而非无界堆积进程内任务。
type Batcher struct {
	embedder    embedding.Embedder
	meta        EmbedderMeta
	maxBatch    int
	parallelism int
	retryTimes  int
	maxChars    int
	limiter     *rate.Limiter
}

// NewBatcher 按配置组装批处理器
func NewBatcher(embedder embedding.Embedder, meta EmbedderMeta, cfg config.AIEmbeddingConfig) *Batcher {
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = cfg.RatePerSecond
	}
	return &Batcher{
		embedder:    embedder,
		meta:        meta,
		maxBatch:    cfg.MaxBatchSize,
		parallelism: cfg.Parallelism,
		retryTimes:  cfg.RetryTimes,
		maxChars:    cfg.MaxInputChars,
		limiter:     rate.NewLimiter(limit, burst),
	}
}

// Meta 返回嵌入模型元信息
func (b *Batcher) Meta() EmbedderMeta { return b.meta }

// Embed 向量化一组文本。返回值 vectors 与 texts 同序同长，
// itemErrs 列出被隔离的永久失败条目（其向量位为 nil）。
func (b *Batcher) Embed(ctx context.Context, texts []string) (vectors [][]float32, itemErrs []ItemError, err error) {
	vectors = make([][]float32, len(texts))
	if len(texts) == 0 {
		return vectors, nil, nil
	}

	// 预检：空文本与超长文本属于永久失败，逐条隔离
	valid := make([]int, 0, len(texts))
	for i, t := range texts {
		switch {
		case t == "":
			itemErrs = append(itemErrs, ItemError{Index: i, Err: fmt.Errorf("empty input")})
		case len([]rune(t)) > b.maxChars:
			itemErrs = append(itemErrs, ItemError{Index: i, Err: fmt.Errorf("input exceeds %d chars", b.maxChars)})
		default:
			valid = append(valid, i)
		}
	}
	if len(valid) == 0 {
		return vectors, itemErrs, nil
	}

	// 切批并发调用，被拒条目由各批自行二分隔离
	var mu sync.Mutex
	collect := func(ie ItemError) {
		mu.Lock()
		itemErrs = append(itemErrs, ie)
		mu.Unlock()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallelism)
	for start := 0; start < len(valid); start += b.maxBatch {
		end := start + b.maxBatch
		if end > len(valid) {
			end = len(valid)
		}
		indices := valid[start:end]
		g.Go(func() error {
			return b.embedIsolating(gctx, indices, texts, vectors, collect)
		})
	}
	if werr := g.Wait(); werr != nil {
		return nil, itemErrs, werr
	}
	return vectors, itemErrs, nil
}

// embedIsolating 调用单批；供应商拒绝整批时二分定位到具体条目，
// 只隔离被拒的那条，其余条目照常入库
func (b *Batcher) embedIsolating(ctx context.Context, indices []int, texts []string, vectors [][]float32, collect func(ItemError)) error {
	batch := make([]string, len(indices))
	for j, idx := range indices {
		batch[j] = texts[idx]
	}
	got, err := b.embedBatch(ctx, batch)
	if err == nil {
		for j, idx := range indices {
			vectors[idx] = got[j]
		}
		return nil
	}
	var rej *rejectedError
	if !errors.As(err, &rej) {
		return err
	}
	if len(indices) == 1 {
		collect(ItemError{Index: indices[0], Err: fmt.Errorf("%w: %v", fault.ErrInputRejected, rej.cause)})
		return nil
	}
	mid := len(indices) / 2
	if lerr := b.embedIsolating(ctx, indices[:mid], texts, vectors, collect); lerr != nil {
		return lerr
	}
	return b.embedIsolating(ctx, indices[mid:], texts, vectors, collect)
}

// EmbedOne 查询路径的单文本便捷入口
func (b *Batcher) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, itemErrs, err := b.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(itemErrs) > 0 {
		return nil, itemErrs[0].Err
	}
	return vecs[0], nil
}

// embedBatch 单批调用，瞬时失败按指数退避+抖动重试
func (b *Batcher) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= b.retryTimes; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			if delay > backoffCap {
				delay = backoffCap
			}
			delay += time.Duration(rand.Int63n(int64(delay) / 2))
			zlog.Warn("embedding batch retry",
				zap.Int("attempt", attempt),
				zap.Int("batchSize", len(batch)),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, &fault.EmbeddingBatchError{Texts: batch, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, &fault.EmbeddingBatchError{Texts: batch, Err: err}
		}

		raw, err := b.embedder.EmbedStrings(ctx, batch)
		if err != nil {
			if permanentCallError(err) {
				return nil, &rejectedError{cause: err}
			}
			lastErr = err
			continue
		}
		if len(raw) != len(batch) {
			lastErr = fmt.Errorf("embedding returned %d vectors for %d inputs", len(raw), len(batch))
			continue
		}

		out := make([][]float32, len(raw))
		for i, v := range raw {
			if len(v) != b.meta.Dim {
				return nil, &fault.DimensionError{Got: len(v), Want: b.meta.Dim}
			}
			f32 := make([]float32, len(v))
			for j, x := range v {
				f32[j] = float32(x)
			}
			out[i] = f32
		}
		return out, nil
	}
	return nil, &fault.EmbeddingBatchError{Texts: batch, Err: lastErr}
}

package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"RagLink/internal/modules/rag/domain/fault"
	"RagLink/internal/modules/rag/domain/repository"
	"RagLink/pkg/zlog"
)

const systemPrompt = `你是一个基于给定上下文回答问题的助手。
规则：
1. 只依据上下文作答，不要编造上下文之外的信息。
2. 上下文不足以回答时，明确说明无法从已有资料中找到答案。
3. 回答保持简洁、准确。`

const emptyContextNotice = "（没有检索到相关文档）"

// Generator 负责查询链路的最后一跳：上下文拼装与生成调用。
// 生成失败重试一次，仍失败不报错，返回保留 sources 的降级回答。
type Generator struct {
	cm          model.BaseChatModel
	meta        ChatModelMeta
	budgetChars int
}

func NewGenerator(cm model.BaseChatModel, meta ChatModelMeta, budgetChars int) *Generator {
	if budgetChars <= 0 {
		budgetChars = 8000
	}
	return &Generator{cm: cm, meta: meta, budgetChars: budgetChars}
}

func (g *Generator) Meta() ChatModelMeta { return g.meta }

// BuildContext 按检索名次拼装上下文块，超出预算时整段截断，保持名次顺序。
// 零命中返回空串，由调用方标记 unsupported-by-context。
func (g *Generator) BuildContext(hits []repository.VectorSearchHit) string {
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	used := 0
	for i, h := range hits {
		part := fmt.Sprintf("[%d] %s", i+1, h.Content)
		n := len([]rune(part))
		if used+n > g.budgetChars {
			// 预算内还有余量时截断本段收尾，否则直接停
			remain := g.budgetChars - used
			if remain > 0 {
				sb.WriteString(string([]rune(part)[:remain]))
			}
			break
		}
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(part)
		used += n + 2
	}
	return sb.String()
}

// Generate 调用生成模型。degraded 为 true 表示生成失败后的降级回答。
func (g *Generator) Generate(ctx context.Context, query, contextBlock string) (answer string, degraded bool, err error) {
	block := contextBlock
	if block == "" {
		block = emptyContextNotice
	}
	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(fmt.Sprintf("上下文：\n%s\n\n问题：%s", block, query)),
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		msg, callErr := g.cm.Generate(ctx, messages)
		if callErr == nil && msg != nil {
			return msg.Content, false, nil
		}
		lastErr = callErr
		if callErr == nil {
			lastErr = fmt.Errorf("empty generation result")
		}
		zlog.Warn("generation attempt failed",
			zap.Int("attempt", attempt+1),
			zap.String("model", g.meta.Model),
			zap.Error(lastErr))
		if ctx.Err() != nil {
			break
		}
	}

	// 检索已成功，生成失败：返回降级回答而不是错误，sources 仍然可用
	zlog.Error("generation exhausted, returning degraded answer",
		zap.String("model", g.meta.Model),
		zap.Error(fault.At(fault.StageGeneration, lastErr)))
	return "检索已完成，但回答生成暂时失败，请参考以下来源原文或稍后重试。", true, nil
}

package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RagLink/internal/modules/rag/domain/repository"
)

type flakyChatModel struct {
	failures int
	calls    int
}

func (f *flakyChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("upstream overloaded")
	}
	return schema.AssistantMessage("ok", nil), nil
}

func (f *flakyChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func hit(id, content string, score float32) repository.VectorSearchHit {
	return repository.VectorSearchHit{ChunkId: id, DocumentId: "d", Score: score, Content: content}
}

func TestBuildContextRankOrder(t *testing.T) {
	g := NewGenerator(NewMockChatModel(), ChatModelMeta{}, 1000)
	block := g.BuildContext([]repository.VectorSearchHit{
		hit("a", "first", 0.9),
		hit("b", "second", 0.8),
	})
	assert.True(t, strings.Index(block, "first") < strings.Index(block, "second"))
	assert.Contains(t, block, "[1] first")
	assert.Contains(t, block, "[2] second")
}

func TestBuildContextBudget(t *testing.T) {
	g := NewGenerator(NewMockChatModel(), ChatModelMeta{}, 20)
	block := g.BuildContext([]repository.VectorSearchHit{
		hit("a", strings.Repeat("x", 50), 0.9),
		hit("b", "never included", 0.8),
	})
	assert.LessOrEqual(t, len([]rune(block)), 20)
	assert.NotContains(t, block, "never included")
}

func TestBuildContextEmpty(t *testing.T) {
	g := NewGenerator(NewMockChatModel(), ChatModelMeta{}, 1000)
	assert.Equal(t, "", g.BuildContext(nil))
}

func TestGenerateRetriesOnce(t *testing.T) {
	cm := &flakyChatModel{failures: 1}
	g := NewGenerator(cm, ChatModelMeta{Model: "test"}, 1000)

	answer, degraded, err := g.Generate(context.Background(), "q", "ctx")
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Equal(t, "ok", answer)
	assert.Equal(t, 2, cm.calls)
}

func TestGenerateDegradedAfterExhaustion(t *testing.T) {
	cm := &flakyChatModel{failures: 10}
	g := NewGenerator(cm, ChatModelMeta{Model: "test"}, 1000)

	answer, degraded, err := g.Generate(context.Background(), "q", "ctx")
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.NotEmpty(t, answer)
	assert.Equal(t, 2, cm.calls)
}

package llm

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// MockChatModel 本地开发用的伪生成模型：回显最后一条用户消息的前缀，
// 不发起任何外部调用。
type MockChatModel struct{}

func NewMockChatModel() *MockChatModel { return &MockChatModel{} }

func (m *MockChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] != nil && messages[i].Role == schema.User {
			last = messages[i].Content
			break
		}
	}
	const limit = 200
	if len([]rune(last)) > limit {
		last = string([]rune(last)[:limit])
	}
	return schema.AssistantMessage("[mock] "+strings.TrimSpace(last), nil), nil
}

func (m *MockChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

var _ model.BaseChatModel = (*MockChatModel)(nil)

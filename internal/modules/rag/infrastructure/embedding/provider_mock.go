package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/cloudwego/eino/components/embedding"
)

// MockEmbedder 确定性伪嵌入：由文本哈希展开出单位向量，
// 相同文本恒得相同向量，不同文本大概率方向不同。
type MockEmbedder struct {
	Dim int
}

func NewMockEmbedder(dim int) *MockEmbedder {
	if dim <= 0 {
		dim = 8
	}
	return &MockEmbedder{Dim: dim}
}

func (m *MockEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	result := make([][]float64, len(texts))
	for i, text := range texts {
		seed := sha256.Sum256([]byte(text))
		vec := make([]float64, m.Dim)
		var norm float64
		for j := 0; j < m.Dim; j++ {
			u := binary.BigEndian.Uint32(seed[(j*4)%28 : (j*4)%28+4])
			v := float64(u^uint32(j*2654435761)) / float64(math.MaxUint32)
			vec[j] = v*2 - 1
			norm += vec[j] * vec[j]
		}
		norm = math.Sqrt(norm)
		if norm > 0 {
			for j := range vec {
				vec[j] /= norm
			}
		}
		result[i] = vec
	}
	return result, nil
}

var _ embedding.Embedder = (*MockEmbedder)(nil)

package vectordb

import (
	"fmt"
	"strings"

	v1client "github.com/milvus-io/milvus-sdk-go/v2/client"
	"gorm.io/gorm"

	"RagLink/internal/config"
	"RagLink/internal/modules/rag/domain/repository"
)

// Backends 各后端已初始化的连接，按配置择一使用
type Backends struct {
	MilvusClient v1client.Client
	PostgresDB   *gorm.DB
}

// NewVectorStoreFromConfig 按配置选择向量库后端。
// 上层只持有 repository.VectorStore，链路代码不感知后端种类。
// vectorDim 取自嵌入模型声明维度，保证写入与索引一致。
func NewVectorStoreFromConfig(conf *config.Config, be Backends, vectorDim int) (repository.VectorStore, error) {
	backend := strings.ToLower(strings.TrimSpace(conf.VectorStoreConfig.Backend))
	switch backend {
	case "milvus":
		return NewMilvusVectorStore(be.MilvusClient, conf.MilvusConfig.CollectionName, vectorDim)
	case "pgvector":
		return NewPgVectorStore(be.PostgresDB, conf.PgVectorConfig.TableName, vectorDim)
	case "", "memory":
		return NewMemoryVectorStore(vectorDim), nil
	default:
		return nil, fmt.Errorf("unknown vector store backend: %s", backend)
	}
}

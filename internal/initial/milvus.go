package initial

import (
	"context"
	"fmt"
	"strings"

	mclient "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"RagLink/internal/config"
)

// NewMilvusClient 建立 Milvus 连接并确保库/集合/索引就绪。
// 集合字段与向量库适配器的列名一一对应；索引固定 COSINE，
// 检索得分即余弦相似度。
func NewMilvusClient(ctx context.Context, conf *config.Config, vectorDim int) (mclient.Client, error) {
	addr := strings.TrimSpace(conf.MilvusConfig.Address)
	if addr == "" {
		return nil, fmt.Errorf("milvus address is empty")
	}
	dbName := strings.TrimSpace(conf.MilvusConfig.DBName)
	if dbName == "" {
		dbName = "raglink"
	}
	collection := strings.TrimSpace(conf.MilvusConfig.CollectionName)
	if collection == "" {
		collection = "rag_chunks"
	}
	if vectorDim <= 0 {
		vectorDim = conf.MilvusConfig.VectorDim
	}
	if vectorDim <= 0 {
		return nil, fmt.Errorf("milvus vector dim is not set")
	}

	defaultCli, err := mclient.NewClient(ctx, mclient.Config{
		Address:  addr,
		Username: strings.TrimSpace(conf.MilvusConfig.Username),
		Password: strings.TrimSpace(conf.MilvusConfig.Password),
		DBName:   "default",
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = defaultCli.Close() }()

	dbs, err := defaultCli.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}
	dbExists := false
	for _, db := range dbs {
		if db.Name == dbName {
			dbExists = true
			break
		}
	}
	if !dbExists {
		if err := defaultCli.CreateDatabase(ctx, dbName); err != nil {
			return nil, err
		}
	}

	cli, err := mclient.NewClient(ctx, mclient.Config{
		Address:  addr,
		Username: strings.TrimSpace(conf.MilvusConfig.Username),
		Password: strings.TrimSpace(conf.MilvusConfig.Password),
		DBName:   dbName,
	})
	if err != nil {
		return nil, err
	}

	if err := ensureCollection(ctx, cli, collection, vectorDim); err != nil {
		_ = cli.Close()
		return nil, err
	}
	_ = cli.LoadCollection(ctx, collection, false)
	return cli, nil
}

func ensureCollection(ctx context.Context, cli mclient.Client, collection string, dim int) error {
	cols, err := cli.ListCollections(ctx)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if c.Name == collection {
			return nil
		}
	}

	schema := &entity.Schema{
		CollectionName: collection,
		Description:    "RagLink document chunk vectors",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:       "document_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:     "sequence_index",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:       "vector",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{entity.TypeParamDim: fmt.Sprintf("%d", dim)},
			},
			{
				Name:       "content",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "8192"},
			},
			{
				Name:     "char_start",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "char_end",
				DataType: entity.FieldTypeInt64,
			},
		},
	}
	if err := cli.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return err
	}

	idx, err := entity.NewIndexAUTOINDEX(entity.COSINE)
	if err != nil {
		return err
	}
	return cli.CreateIndex(ctx, collection, "vector", idx, false)
}

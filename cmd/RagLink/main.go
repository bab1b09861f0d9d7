package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	httpServer "RagLink/api/http"
	"RagLink/internal/config"
	"RagLink/internal/initial"
	"RagLink/internal/modules/rag/application/service"
	"RagLink/internal/modules/rag/domain/repository"
	"RagLink/internal/modules/rag/infrastructure/cache"
	"RagLink/internal/modules/rag/infrastructure/chunking"
	"RagLink/internal/modules/rag/infrastructure/embedding"
	"RagLink/internal/modules/rag/infrastructure/llm"
	"RagLink/internal/modules/rag/infrastructure/mq/kafka"
	"RagLink/internal/modules/rag/infrastructure/objectstore"
	"RagLink/internal/modules/rag/infrastructure/persistence"
	"RagLink/internal/modules/rag/infrastructure/pipeline"
	"RagLink/internal/modules/rag/infrastructure/queue"
	"RagLink/internal/modules/rag/infrastructure/vectordb"
	"RagLink/pkg/zlog"
)

func main() {
	// 1. 配置与日志
	conf, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	zlog.Init(conf.LogConfig.LogPath)
	defer zlog.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. 嵌入模型与向量库
	embedder, meta, err := embedding.NewEmbedderFromConfig(ctx, conf.AIConfig.Embedding, conf.MilvusConfig.VectorDim)
	if err != nil {
		zlog.Fatal("init embedder", zap.Error(err))
	}
	batcher := embedding.NewBatcher(embedder, meta, conf.AIConfig.Embedding)

	var backends vectordb.Backends
	switch conf.VectorStoreConfig.Backend {
	case "milvus":
		cli, mErr := initial.NewMilvusClient(ctx, conf, meta.Dim)
		if mErr != nil {
			zlog.Fatal("init milvus", zap.Error(mErr))
		}
		defer cli.Close()
		backends.MilvusClient = cli
	case "pgvector":
		pg, pErr := initial.NewPostgresDB(conf)
		if pErr != nil {
			zlog.Fatal("init postgres", zap.Error(pErr))
		}
		backends.PostgresDB = pg
	}
	vs, err := vectordb.NewVectorStoreFromConfig(conf, backends, meta.Dim)
	if err != nil {
		zlog.Fatal("init vector store", zap.Error(err))
	}

	// 3. 元数据库与对象存储
	db, err := initial.NewGormDB(conf)
	if err != nil {
		zlog.Fatal("init mysql", zap.Error(err))
	}
	repo := persistence.NewDocumentRepository(db)

	objects, err := objectstore.NewFsObjectStore(conf.PipelineConfig.ObjectStorePath)
	if err != nil {
		zlog.Fatal("init object store", zap.Error(err))
	}

	// 4. Kafka：确保 topic 就绪，启动 outbox 中继与 chunk 消费者
	chunkTopic := conf.KafkaConfig.ChunkTopic
	dlqTopic := conf.KafkaConfig.DeadLetterTopic
	if dlqTopic == "" {
		dlqTopic = chunkTopic + ".dlq"
	}
	adminCfg := kafka.TopicAdminConfig{Brokers: conf.KafkaConfig.Brokers, ClientID: conf.KafkaConfig.ClientID}
	if err := kafka.EnsureTopic(adminCfg, chunkTopic, conf.KafkaConfig.Partitions, conf.KafkaConfig.Replication); err != nil {
		zlog.Fatal("ensure chunk topic", zap.Error(err))
	}
	if err := kafka.EnsureTopic(adminCfg, dlqTopic, conf.KafkaConfig.Partitions, conf.KafkaConfig.Replication); err != nil {
		zlog.Fatal("ensure dead letter topic", zap.Error(err))
	}

	publisher, err := kafka.NewSaramaPublisher(kafka.PublisherConfig{
		Brokers:  conf.KafkaConfig.Brokers,
		ClientID: conf.KafkaConfig.ClientID,
	})
	if err != nil {
		zlog.Fatal("init kafka publisher", zap.Error(err))
	}
	defer publisher.Close()

	relay := queue.NewChunkRelay(repo, publisher,
		conf.PipelineConfig.OutboxBatchSize,
		time.Duration(conf.PipelineConfig.OutboxPollMs)*time.Millisecond)
	go func() {
		if rErr := relay.Run(ctx); rErr != nil && ctx.Err() == nil {
			zlog.Error("outbox relay stopped", zap.Error(rErr))
		}
	}()

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:  conf.KafkaConfig.Brokers,
		GroupID:  conf.KafkaConfig.ConsumerGroupID,
		Topics:   []string{chunkTopic},
		ClientID: conf.KafkaConfig.ClientID,
	})
	if err != nil {
		zlog.Fatal("init kafka consumer", zap.Error(err))
	}
	worker := queue.NewChunkConsumerWorker(repo, batcher, vs, publisher, chunkTopic, dlqTopic, conf.KafkaConfig.MaxReceiveCount)
	go func() {
		if cErr := consumer.Run(ctx, worker); cErr != nil && ctx.Err() == nil {
			zlog.Error("chunk consumer stopped", zap.Error(cErr))
		}
	}()

	// 5. 查询链路：缓存、生成模型、Pipeline
	var queryCache repository.QueryCache
	redisCli, err := initial.NewRedisClient(ctx, conf)
	if err != nil {
		zlog.Fatal("init redis", zap.Error(err))
	}
	if redisCli != nil {
		defer redisCli.Close()
		queryCache = cache.NewRedisQueryCache(redisCli)
	} else {
		zlog.Info("redis not configured, falling back to in-process query cache")
		queryCache = cache.NewMemoryQueryCache()
	}

	chatModel, chatMeta, err := llm.NewChatModelFromConfig(ctx, conf.AIConfig.ChatModel)
	if err != nil {
		zlog.Fatal("init chat model", zap.Error(err))
	}
	generator := llm.NewGenerator(chatModel, chatMeta, conf.PipelineConfig.ContextBudgetChars)

	queryPipe, err := pipeline.NewQueryPipeline(batcher, vs, queryCache, generator, pipeline.QueryOptions{
		DefaultTopK:     conf.PipelineConfig.TopK,
		ScoreThreshold:  conf.PipelineConfig.ScoreThreshold,
		CacheTTLSeconds: conf.PipelineConfig.CacheTTLSeconds,
	})
	if err != nil {
		zlog.Fatal("build query pipeline", zap.Error(err))
	}

	// 6. 应用服务与 HTTP 服务
	chunker := chunking.NewSentenceChunker(conf.PipelineConfig.ChunkSize, conf.PipelineConfig.ChunkOverlap)
	ingestSvc := service.NewIngestService(objects, repo, chunker, chunkTopic, conf.PipelineConfig.UploadPrefix)
	querySvc := service.NewQueryService(queryPipe, conf.PipelineConfig.QueryTimeoutSeconds)

	engine := httpServer.NewEngine(ingestSvc, querySvc, vs)
	addr := fmt.Sprintf("%s:%d", conf.MainConfig.Host, conf.MainConfig.Port)
	go func() {
		zlog.Info("http server starting", zap.String("addr", addr))
		if sErr := engine.Run(addr); sErr != nil {
			zlog.Fatal("http server failed", zap.Error(sErr))
		}
	}()

	// 7. 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down")
	cancel()
	_ = consumer.Close()
	zlog.Info("stopped")
}

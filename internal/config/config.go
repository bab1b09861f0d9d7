package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type MainConfig struct {
	AppName string `toml:"appName"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

type MysqlConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	DatabaseName string `toml:"databaseName"`
}

type LogConfig struct {
	LogPath string `toml:"logPath"`
}

// VectorStoreConfig 向量库选型：milvus / pgvector / memory
type VectorStoreConfig struct {
	Backend string `toml:"backend"`
}

type MilvusConfig struct {
	Address        string `toml:"address"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	DBName         string `toml:"dbName"`
	CollectionName string `toml:"collectionName"`
	VectorDim      int    `toml:"vectorDim"`
	MetricType     string `toml:"metricType"`
}

// PgVectorConfig pgvector 后端连接配置（独立于元数据 MySQL）
type PgVectorConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	DatabaseName string `toml:"databaseName"`
	TableName    string `toml:"tableName"`
	VectorDim    int    `toml:"vectorDim"`
}

type KafkaConfig struct {
	Brokers         []string `toml:"brokers"`
	ClientID        string   `toml:"clientID"`
	ChunkTopic      string   `toml:"chunkTopic"`
	DeadLetterTopic string   `toml:"deadLetterTopic"`
	ConsumerGroupID string   `toml:"consumerGroupID"`
	Partitions      int32    `toml:"partitions"`
	Replication     int16    `toml:"replication"`
	MaxReceiveCount int      `toml:"maxReceiveCount"`
}

type RedisConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"poolSize"`
	MinIdleConns int    `toml:"minIdleConns"`
}

type AIEmbeddingConfig struct {
	Provider       string `toml:"provider"`
	APIKey         string `toml:"apiKey"`
	BaseURL        string `toml:"baseURL"`
	Model          string `toml:"model"`
	Dimensions     int    `toml:"dimensions"`
	TimeoutSeconds int    `toml:"timeoutSeconds"`
	RetryTimes     int    `toml:"retryTimes"`
	MaxBatchSize   int    `toml:"maxBatchSize"`
	Parallelism    int    `toml:"parallelism"`
	MaxInputChars  int    `toml:"maxInputChars"`
	RatePerSecond  int    `toml:"ratePerSecond"`
}

type AIChatModelConfig struct {
	Provider        string `toml:"provider"`
	APIKey          string `toml:"apiKey"`
	AccessKey       string `toml:"accessKey"`
	SecretKey       string `toml:"secretKey"`
	BaseURL         string `toml:"baseURL"`
	Region          string `toml:"region"`
	Model           string `toml:"model"`
	TimeoutSeconds  int    `toml:"timeoutSeconds"`
	RetryTimes      int    `toml:"retryTimes"`
	ByAzure         bool   `toml:"byAzure"`
	AzureAPIVersion string `toml:"azureApiVersion"`
}

type AIConfig struct {
	Embedding AIEmbeddingConfig `toml:"embedding"`
	ChatModel AIChatModelConfig `toml:"chatModel"`
}

// PipelineConfig 摄取与查询链路的运行参数
type PipelineConfig struct {
	ChunkSize           int     `toml:"chunkSize"`           // 单个 chunk 最大字符数，默认 1000
	ChunkOverlap        int     `toml:"chunkOverlap"`        // 相邻 chunk 重叠字符数，默认 200
	TopK                int     `toml:"topK"`                // 检索默认 Top-K，默认 5
	ScoreThreshold      float32 `toml:"scoreThreshold"`      // 相似度阈值，0 表示不过滤
	ContextBudgetChars  int     `toml:"contextBudgetChars"`  // 生成上下文预算（字符），默认 8000
	CacheTTLSeconds     int     `toml:"cacheTTLSeconds"`     // 查询缓存 TTL，默认 3600
	QueryTimeoutSeconds int     `toml:"queryTimeoutSeconds"` // 查询端到端超时，默认 30
	UploadPrefix        string  `toml:"uploadPrefix"`        // 摄取对象 key 前缀约定，默认 uploads/
	ObjectStorePath     string  `toml:"objectStorePath"`     // 文件系统对象存储根目录
	OutboxBatchSize     int     `toml:"outboxBatchSize"`     // outbox 单次发布批大小，默认 200
	OutboxPollMs        int     `toml:"outboxPollMs"`        // outbox 轮询间隔（毫秒），默认 500
}

type Config struct {
	MainConfig        `toml:"mainConfig"`
	MysqlConfig       `toml:"mysqlConfig"`
	VectorStoreConfig `toml:"vectorStoreConfig"`
	MilvusConfig      `toml:"milvusConfig"`
	PgVectorConfig    `toml:"pgVectorConfig"`
	KafkaConfig       `toml:"kafkaConfig"`
	RedisConfig       `toml:"redisConfig"`
	AIConfig          `toml:"aiConfig"`
	PipelineConfig    `toml:"pipelineConfig"`
	LogConfig         `toml:"logConfig"`
}

// Load 从 toml 文件加载配置，构造后不再修改。
// path 为空时依次尝试环境变量 RAGLINK_CONFIG 与默认路径。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RAGLINK_CONFIG")
	}
	if path == "" {
		path = "configs/config_local.toml"
	}

	conf := new(Config)
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	conf.applyDefaults(md)
	return conf, nil
}

func (c *Config) applyDefaults(md toml.MetaData) {
	if c.PipelineConfig.ChunkSize <= 0 {
		c.PipelineConfig.ChunkSize = 1000
	}
	// 显式配置 0 表示不要重叠，只有键缺失时才取默认值
	if !md.IsDefined("pipelineConfig", "chunkOverlap") {
		c.PipelineConfig.ChunkOverlap = 200
	}
	if c.PipelineConfig.ChunkOverlap < 0 {
		c.PipelineConfig.ChunkOverlap = 0
	}
	if c.PipelineConfig.ChunkOverlap >= c.PipelineConfig.ChunkSize {
		c.PipelineConfig.ChunkOverlap = c.PipelineConfig.ChunkSize / 2
	}
	if c.PipelineConfig.TopK <= 0 {
		c.PipelineConfig.TopK = 5
	}
	if c.PipelineConfig.ContextBudgetChars <= 0 {
		c.PipelineConfig.ContextBudgetChars = 8000
	}
	if c.PipelineConfig.CacheTTLSeconds <= 0 {
		c.PipelineConfig.CacheTTLSeconds = 3600
	}
	if c.PipelineConfig.QueryTimeoutSeconds <= 0 {
		c.PipelineConfig.QueryTimeoutSeconds = 30
	}
	if c.PipelineConfig.UploadPrefix == "" {
		c.PipelineConfig.UploadPrefix = "uploads/"
	}
	if c.PipelineConfig.OutboxBatchSize <= 0 {
		c.PipelineConfig.OutboxBatchSize = 200
	}
	if c.PipelineConfig.OutboxPollMs <= 0 {
		c.PipelineConfig.OutboxPollMs = 500
	}
	if c.KafkaConfig.MaxReceiveCount <= 0 {
		c.KafkaConfig.MaxReceiveCount = 3
	}
	if c.AIConfig.Embedding.MaxBatchSize <= 0 {
		c.AIConfig.Embedding.MaxBatchSize = 100
	}
	if c.AIConfig.Embedding.Parallelism <= 0 {
		c.AIConfig.Embedding.Parallelism = 4
	}
	if c.AIConfig.Embedding.RetryTimes <= 0 {
		c.AIConfig.Embedding.RetryTimes = 3
	}
	if c.AIConfig.Embedding.MaxInputChars <= 0 {
		c.AIConfig.Embedding.MaxInputChars = 8192
	}
	if c.VectorStoreConfig.Backend == "" {
		c.VectorStoreConfig.Backend = "milvus"
	}
}

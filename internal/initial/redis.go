package initial

import (
	"context"
	"fmt"

	"RagLink/internal/config"
	"RagLink/pkg/redis"
)

// NewRedisClient 连接 Redis（查询缓存用）。未配置主机返回 (nil, nil)，
// 上层据此退化到进程内缓存。
func NewRedisClient(ctx context.Context, conf *config.Config) (*redis.Client, error) {
	c := conf.RedisConfig
	if c.Host == "" {
		return nil, nil
	}
	port := c.Port
	if port == 0 {
		port = 6379
	}
	return redis.New(ctx, redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, port),
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	})
}

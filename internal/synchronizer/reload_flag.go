package synchronizer

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisReloadFlag 基于 Redis key 的一次性重新加载标志
// 配置编辑端（或 POST /reload）写入 key，引擎用 GETDEL 原子消费
type RedisReloadFlag struct {
	client *redis.Client
	key    string
}

// NewRedisReloadFlag 创建重新加载标志
func NewRedisReloadFlag(client *redis.Client, key string) *RedisReloadFlag {
	return &RedisReloadFlag{
		client: client,
		key:    key,
	}
}

// Consume 读取并清除标志
func (f *RedisReloadFlag) Consume(ctx context.Context) (bool, error) {
	val, err := f.client.GetDel(ctx, f.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to consume reload flag: %w", err)
	}
	return val != "" && val != "0", nil
}

// Request 设置标志
func (f *RedisReloadFlag) Request(ctx context.Context) error {
	if err := f.client.Set(ctx, f.key, "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to set reload flag: %w", err)
	}
	return nil
}

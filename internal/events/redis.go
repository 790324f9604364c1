package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 事件总线的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Channel 为 PUBLISH 使用的频道。
	Channel string
	// Stream 非空时额外写入 Redis Stream，便于离线回放。
	Stream string
	MaxLen int64
}

// RedisPublisher 通过 Redis Pub/Sub（以及可选的 Stream）发布事件。
type RedisPublisher struct {
	client  *redis.Client
	channel string
	stream  string
	maxLen  int64
}

// NewRedisPublisher 创建 Redis 发布者并检查连通性。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client *redis.Client, cfg RedisConfig) *RedisPublisher {
	channel := cfg.Channel
	if channel == "" {
		channel = "metahost:plugins"
	}
	return &RedisPublisher{client: client, channel: channel, stream: cfg.Stream, maxLen: cfg.MaxLen}
}

// Publish 将事件发布到 Redis。
func (p *RedisPublisher) Publish(ctx context.Context, record Record) error {
	payload, err := encode(record)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	if p.stream == "" {
		return nil
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{"kind": record.Kind, "payload": payload},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("Redis 写入事件流失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

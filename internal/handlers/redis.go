package handlers

import (
	"context"
	"encoding/json"
	"time"

	"factory-routing/internal/event"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher 将业务事件发布到 Redis 频道，供通知等外部组件订阅
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisPublisher 创建发布器，addr 形如 localhost:6379
func NewRedisPublisher(addr, password string, db int, channel string, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		channel: channel,
		logger:  logger.With(zap.String("component", "redis-publisher")),
	}
}

// Ping 检查 Redis 是否可用
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Publish 发布一条事件，失败只记录日志
func (p *RedisPublisher) Publish(e event.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("序列化事件失败", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Warn("发布事件到 Redis 失败", zap.Error(err), zap.String("type", string(e.Type)))
	}
}

// Close 关闭连接
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisTimeout = 5 * time.Second

func init() {
	Register("redis", NewRedis)
}

// appendClient 是 RedisSink 用到的客户端子集
type appendClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Append(ctx context.Context, key, value string) *redis.IntCmd
	StrLen(ctx context.Context, key string) *redis.IntCmd
	Close() error
}

// RedisSink 使用 APPEND 命令把输出追加到同一个字符串键
type RedisSink struct {
	client appendClient
	key    string
	addr   string
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedis 创建 Redis 输出汇并测试连接
func NewRedis(params Params) (Sink, error) {
	if params.RedisAddr == "" {
		return nil, fmt.Errorf("Redis 地址不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     params.RedisAddr,
		Password: params.RedisPassword,
		DB:       params.RedisDB,
	})

	s, err := newRedisSink(client, params.RedisAddr, params.RedisKey, params.Logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func newRedisSink(client appendClient, addr, key string, logger *zap.Logger) (*RedisSink, error) {
	if key == "" {
		return nil, fmt.Errorf("Redis 键不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	// 只记录已有长度，不清空
	if n, err := client.StrLen(ctx, key).Result(); err == nil && n > 0 {
		logger.Info("Redis 键已有内容，继续追加", zap.String("key", key), zap.Int64("length", n))
	}

	return &RedisSink{client: client, key: key, addr: addr, logger: logger}, nil
}

// Name 返回描述
func (s *RedisSink) Name() string {
	return fmt.Sprintf("redis (%s/%s)", s.addr, s.key)
}

// Append 追加写入
func (s *RedisSink) Append(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("Redis 输出汇已关闭")
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := s.client.Append(ctx, s.key, string(p)).Err(); err != nil {
		return 0, fmt.Errorf("APPEND %s 失败: %w", s.key, err)
	}
	return len(p), nil
}

// Close 关闭 Redis 连接
func (s *RedisSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

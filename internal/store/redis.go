package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript 在 Redis 端原子完成 INCR + 过期检查 + 超限缩短窗口
var acquireScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
local allowed = 0
local shortened = 0
if count <= tonumber(ARGV[2]) then
  allowed = 1
elseif ttl > tonumber(ARGV[3]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  ttl = tonumber(ARGV[3])
  shortened = 1
end
return {count, allowed, shortened, ttl}
`)

// RedisStore 多实例共享的重连预算存储
type RedisStore struct {
	client redis.UniversalClient
}

// RedisConfig Redis 连接参数
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore 连接 Redis 并做一次 Ping 校验
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient 复用已有的客户端
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Increment INCR
func (r *RedisStore) Increment(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

// TTL 对应 Redis TTL，-1/-2 映射为 NoExpiry/KeyMissing
func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	switch d {
	case -1:
		return NoExpiry, nil
	case -2:
		return KeyMissing, nil
	}
	return d, nil
}

// Expire EXPIRE
func (r *RedisStore) Expire(ctx context.Context, key string, d time.Duration) error {
	return r.client.PExpire(ctx, key, d).Err()
}

// Acquire 通过 Lua 脚本原子申请额度，多个进程共享同一窗口
func (r *RedisStore) Acquire(ctx context.Context, key string, cfg BudgetConfig) (Decision, error) {
	vals, err := acquireScript.Run(ctx, r.client, []string{key},
		cfg.Window.Milliseconds(), cfg.Ceiling, cfg.Shortened.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("acquire %s: %w", key, err)
	}
	if len(vals) != 4 {
		return Decision{}, errors.New("acquire: unexpected script reply")
	}
	return Decision{
		Count:     vals[0],
		Allowed:   vals[1] == 1,
		Shortened: vals[2] == 1,
		TTL:       time.Duration(vals[3]) * time.Millisecond,
	}, nil
}

// Close 关闭底层连接
func (r *RedisStore) Close() error {
	return r.client.Close()
}

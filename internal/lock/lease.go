package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lease 巡检租约：同一 key 同时只有一个持有者
type Lease interface {
	// TryAcquire 未获取到时 ok 为 false；获取成功须调用 release
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// releaseScript 仅删除自己持有的租约
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease 基于 Redis SET NX PX 的跨实例租约
type RedisLease struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisLease 创建 Redis 租约
func NewRedisLease(client *redis.Client, prefix string, logger *zap.Logger) *RedisLease {
	return &RedisLease{client: client, prefix: prefix, logger: logger}
}

// TryAcquire 获取租约
func (l *RedisLease) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", fullKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err(); err != nil && err != redis.Nil {
			l.logger.Warn("Failed to release lease",
				zap.String("key", fullKey),
				zap.Error(err),
			)
		}
	}
	return release, true, nil
}

// LocalLease 进程内租约（单实例部署）
type LocalLease struct {
	mu   sync.Mutex
	held map[string]localHold
	now  func() time.Time
}

type localHold struct {
	token   string
	expires time.Time
}

// NewLocalLease 创建进程内租约
func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[string]localHold), now: time.Now}
}

// TryAcquire 获取租约，过期的持有记录视为已释放
func (l *LocalLease) TryAcquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[key] = localHold{token: token, expires: now.Add(ttl)}

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[key]; ok && h.token == token {
			delete(l.held, key)
		}
	}
	return release, true, nil
}

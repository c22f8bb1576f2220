package adapter

import (
	"context"
	"fmt"
	"time"

	"trafficflow/internal/pkg/redis"
)

const incrWithExpiryScriptName = "incr_with_expiry"

// RedisCounterAdapter 是 fraud.CounterStore 的 Redis 实现, 多个实例共享同一组计数
type RedisCounterAdapter struct {
	redisClient *redis.Client
}

// NewRedisCounterAdapter 创建时加载 Lua 脚本
func NewRedisCounterAdapter(redisClient *redis.Client) (*RedisCounterAdapter, error) {
	if err := redisClient.LoadScriptFromContent(incrWithExpiryScriptName, incrWithExpiryScript); err != nil {
		return nil, fmt.Errorf("failed to load counter script: %w", err)
	}
	return &RedisCounterAdapter{redisClient: redisClient}, nil
}

// IncrWithExpiry 自增并在第一次自增时设置过期时间, 两步在脚本中原子完成
func (a *RedisCounterAdapter) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	result, err := a.redisClient.RunScript(ctx, incrWithExpiryScriptName, []string{key}, ttl.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("counter adapter failed to run script: %w", err)
	}
	n, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from Lua script: %T", result)
	}
	return n, nil
}

var incrWithExpiryScript = `
-- KEYS[1]: 计数器 key, 例如: fraud:rate:42
-- ARGV[1]: 窗口长度 (毫秒)

local n = redis.call('incr', KEYS[1])
if n == 1 or redis.call('pttl', KEYS[1]) == -1 then
    redis.call('pexpire', KEYS[1], ARGV[1])
end
return n
`

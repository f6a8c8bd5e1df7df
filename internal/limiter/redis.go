package limiter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/pong-server/pkg/errors"
)

// RedisTokenBucket 多實例共享的令牌桶
//
// 桶狀態存在一個 hash 中（tokens、ts），由 Lua 腳本原子地補充與扣除，
// 多個服務器實例對同一個 IP 的計數是一致的。
type RedisTokenBucket struct {
	client   redis.UniversalClient
	prefix   string
	capacity int64
	rate     float64
	script   *redis.Script
}

// KEYS[1]: 桶的 key
// ARGV[1]: 容量
// ARGV[2]: 每秒補充速率
// ARGV[3]: 當前時間（毫秒）
// ARGV[4]: 過期時間（秒）
//
// 返回 1 允許、0 拒絕
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', now)
redis.call('EXPIRE', key, ttl)

return allowed
`

// NewRedisTokenBucket 建立 Redis 令牌桶
func NewRedisTokenBucket(client redis.UniversalClient, prefix string, capacity int64, rate float64) *RedisTokenBucket {
	return &RedisTokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		rate:     rate,
		script:   redis.NewScript(tokenBucketScript),
	}
}

// Allow 嘗試為 key 取出一個令牌
//
// Redis 錯誤時回傳 (true, err)：可用性優先，由呼叫方決定是否記錄。
func (r *RedisTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	result, err := r.script.Run(ctx, r.client,
		[]string{r.prefix + key},
		r.capacity,
		r.rate,
		time.Now().UnixMilli(),
		r.ttlSeconds(),
	).Int()
	if err != nil {
		return true, apperrors.ErrRedisUnavailable.WithDetails("token bucket").WithCause(err)
	}
	return result == 1, nil
}

// ttlSeconds 桶從空補到滿所需的時間（至少 1 秒），過期後等同新桶
func (r *RedisTokenBucket) ttlSeconds() int64 {
	secs := int64(float64(r.capacity)/r.rate) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}

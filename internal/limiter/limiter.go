// Package limiter 新連接的准入限流
//
// 只限制建立 WebSocket 連接的頻率（每個 key，通常是客戶端 IP），
// 不限制比賽中的按鍵：輸入本身就被房間鎖序列化，且每次只移動固定距離。
//
// 兩種實作：
//   - TokenBucket：單機記憶體，每個 key 一個桶
//   - RedisTokenBucket：Redis + Lua，多實例共享同一組桶
package limiter

import (
	"context"
	"math"
	"sync"
	"time"
)

// Limiter 限流器介面
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// bucket 單一 key 的桶狀態
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// TokenBucket 以 key 區分的本地令牌桶
//
// 令牌以浮點數累積，低速率（如每秒 0.5 個）也不會因取整而永遠補不滿。
// 閒置且已補滿的桶會被 Sweep 移除，避免大量 IP 造成記憶體成長。
type TokenBucket struct {
	capacity float64
	rate     float64 // 每秒補充的令牌數

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewTokenBucket 建立令牌桶
//
//	limiter := NewTokenBucket(10, 1) // 突發 10 次，平均每秒 1 次
func NewTokenBucket(capacity int64, rate float64) *TokenBucket {
	return &TokenBucket{
		capacity: float64(capacity),
		rate:     rate,
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
}

// Allow 嘗試為 key 取出一個令牌
func (tb *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		// 新 key 的桶是滿的
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
	}
	tb.refill(b, now)

	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// Tokens 回傳 key 目前的令牌數（用於監控與測試）
func (tb *TokenBucket) Tokens(key string) float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	b, ok := tb.buckets[key]
	if !ok {
		return tb.capacity
	}
	tb.refill(b, tb.now())
	return b.tokens
}

// Len 目前追蹤的 key 數量
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.buckets)
}

// Sweep 移除已補滿的桶（與新建的桶等價），回傳移除數量
func (tb *TokenBucket) Sweep() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	removed := 0
	for key, b := range tb.buckets {
		tb.refill(b, now)
		if b.tokens >= tb.capacity {
			delete(tb.buckets, key)
			removed++
		}
	}
	return removed
}

// Run 定期 Sweep，直到 ctx 取消
func (tb *TokenBucket) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tb.Sweep()
		}
	}
}

func (tb *TokenBucket) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(tb.capacity, b.tokens+elapsed*tb.rate)
	b.lastRefill = now
}

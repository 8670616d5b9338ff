package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Window is the sliding-window size for all limiters.
const Window = time.Minute

// Limiter admits or rejects a request for an API key against its
// per-minute limit. When rejected, retryAfter is the age-out time of
// the oldest in-window entry.
type Limiter interface {
	Allow(ctx context.Context, keyID string, limit int) (ok bool, retryAfter time.Duration, err error)
}

// RedisLimiter keeps one ZSET per key, scored by request time in
// microseconds. Eviction, count, and append run in a single Lua script
// so the check and the add are atomic; concurrent bursts from one key
// cannot slip past the limit between a read and a write.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
}

// allowScript returns {1, 0} on admit, or {0, retryMicros} where
// retryMicros is when the oldest in-window entry ages out.
var allowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
if redis.call('ZCARD', KEYS[1]) >= limit then
	local retry = window
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
		if retry < 0 then retry = 0 end
	end
	return {0, retry}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, 0}
`)

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: "pagesift:rl:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, keyID string, limit int) (bool, time.Duration, error) {
	if limit <= 0 {
		return true, 0, nil
	}

	now := time.Now()
	res, err := allowScript.Run(ctx, l.rdb, []string{l.prefix + keyID},
		now.UnixMicro(),
		Window.Microseconds(),
		limit,
		// Unique member so same-instant requests count separately.
		uuid.NewString(),
		(Window + time.Second).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, redis.Nil
	}
	if res[0] == 0 {
		return false, time.Duration(res[1]) * time.Microsecond, nil
	}
	return true, 0, nil
}

// MemoryLimiter is the in-process fallback used when redis is not
// configured. Per-key timestamp slices on a monotonic clock, serialized
// under one mutex per key.
type MemoryLimiter struct {
	mu   sync.Mutex
	keys map[string]*keyWindow
	now  func() time.Time
}

type keyWindow struct {
	mu    sync.Mutex
	stamp []time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{keys: make(map[string]*keyWindow), now: time.Now}
}

func (l *MemoryLimiter) window(keyID string) *keyWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.keys[keyID]
	if !ok {
		w = &keyWindow{}
		l.keys[keyID] = w
	}
	return w
}

func (l *MemoryLimiter) Allow(_ context.Context, keyID string, limit int) (bool, time.Duration, error) {
	if limit <= 0 {
		return true, 0, nil
	}

	w := l.window(keyID)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-Window)

	kept := w.stamp[:0]
	for _, ts := range w.stamp {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamp = kept

	if len(w.stamp) >= limit {
		retry := w.stamp[0].Add(Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return false, retry, nil
	}

	w.stamp = append(w.stamp, now)
	return true, 0, nil
}

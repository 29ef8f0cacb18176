// Package ratelimit bounds how many messages a user may send per window,
// counted in Redis so the limit survives daemon restarts.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window counter per user.
type Limiter struct {
	rdb    redis.Cmdable
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewClient connects to Redis at addr.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           0,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// New allows perMinute messages per user per minute.
func New(rdb redis.Cmdable, perMinute int) *Limiter {
	return &Limiter{rdb: rdb, limit: int64(perMinute), window: time.Minute, now: time.Now}
}

// Allow counts one message for userID and reports whether it is within the
// limit. Errors mean Redis was unreachable; the caller decides whether to
// fail open.
func (l *Limiter) Allow(ctx context.Context, userID string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	k := l.key(userID)
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit %s: %w", userID, err)
	}
	return incr.Val() <= l.limit, nil
}

func (l *Limiter) key(userID string) string {
	bucket := l.now().Unix() / int64(l.window/time.Second)
	return "rl:msg:" + userID + ":" + strconv.FormatInt(bucket, 10)
}

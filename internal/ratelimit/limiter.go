package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditflow/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	keyMetered = "ratelimit:metered:%s"

	localIdleTTL = 10 * time.Minute
)

// Limiter throttles metered calls per account. With redis it shares one bucket
// across replicas; without it each process keeps its own.
type Limiter struct {
	log    *zap.Logger
	bucket *TokenBucket
	local  *localLimiter
	rate   float64
	burst  int
}

func NewLimiter(cfg config.Config, client redis.UniversalClient, log *zap.Logger) *Limiter {
	limitCfg := cfg.RateLimit
	if limitCfg.MeteredRate <= 0 || limitCfg.MeteredBurst <= 0 {
		return nil
	}

	l := &Limiter{
		log:   log.Named("ratelimit"),
		local: newLocalLimiter(limitCfg.MeteredRate, limitCfg.MeteredBurst),
		rate:  limitCfg.MeteredRate,
		burst: limitCfg.MeteredBurst,
	}
	if client != nil {
		l.bucket = NewTokenBucket(client)
	}
	return l
}

// Allow consumes one token for accountID. A nil limiter allows everything.
func (l *Limiter) Allow(ctx context.Context, accountID string) (*Result, error) {
	if l == nil {
		return &Result{Allowed: true}, nil
	}
	if err := validate(accountID, l.rate, l.burst); err != nil {
		return nil, err
	}

	if l.bucket != nil {
		res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyMetered, accountID), l.rate, l.burst)
		if err == nil {
			return res, nil
		}
		l.log.Warn("redis rate limit check failed, using local bucket",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
	return l.local.allow(accountID, time.Now()), nil
}

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type localLimiter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	limit   rate.Limit
	burst   int
	sweep   time.Time
}

func newLocalLimiter(perSecond float64, burst int) *localLimiter {
	return &localLimiter{
		entries: make(map[string]*localEntry),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

func (l *localLimiter) allow(key string, now time.Time) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.sweep) > localIdleTTL {
		for k, entry := range l.entries {
			if now.Sub(entry.lastSeen) > localIdleTTL {
				delete(l.entries, k)
			}
		}
		l.sweep = now
	}

	entry := l.entries[key]
	if entry == nil {
		entry = &localEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now

	allowed := entry.limiter.AllowN(now, 1)
	remaining := entry.limiter.TokensAt(now)
	return &Result{
		Allowed:    allowed,
		Limit:      l.burst,
		Remaining:  int(remaining),
		RetryAfter: retryAfter(allowed, remaining, float64(l.limit)),
	}
}

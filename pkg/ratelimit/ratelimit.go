// Package ratelimit implements a sliding-window request limiter on Redis.
// The window state for each key is a sorted set of request timestamps; the
// check-and-append runs as a single server-side script so concurrent
// requests cannot overshoot the limit.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
	"github.com/cloudbro-kube-ai/opshub/pkg/identity"
)

// slidingWindow drops timestamps older than now-window, counts the rest,
// and appends the new request only if the count is under the limit.
// KEYS[1] = window key, ARGV = now(µs), window(µs), limit, expiry(s).
// Returns {allowed, remaining}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local expiry = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
  redis.call('EXPIRE', key, expiry)
  return {1, limit - count - 1}
end
return {0, 0}
`)

// Preset is a named window/limit pair applied to a class of keys.
type Preset struct {
	Name   string
	Window time.Duration
	Limit  int
}

// LoginGuard is the hard-coded stricter floor for login attempts.
// It is deliberately not configurable: credential stuffing protection must
// not be weakened by deployment config.
var LoginGuard = Preset{Name: "login", Window: 5 * time.Minute, Limit: 10}

// Limiter evaluates presets against the shared Redis store.
// If the store is unreachable it fails open: rate limiting degrades before
// it is allowed to cause an outage.
type Limiter struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger

	// opTimeout bounds each store operation.
	opTimeout time.Duration
}

// New creates a limiter with the given key prefix.
func New(rdb *redis.Client, prefix string, log *zap.Logger) *Limiter {
	return &Limiter{rdb: rdb, prefix: prefix, log: log, opTimeout: time.Second}
}

// Allow reports whether a request for key passes the preset. Store errors
// log a warning and allow the request.
func (l *Limiter) Allow(ctx context.Context, preset Preset, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()

	redisKey := fmt.Sprintf("%sratelimit:%s:%s", l.prefix, preset.Name, key)
	expiry := int64(preset.Window.Seconds()) + 1

	res, err := slidingWindow.Run(ctx, l.rdb, []string{redisKey},
		time.Now().UnixMicro(), preset.Window.Microseconds(), preset.Limit, expiry).Int64Slice()
	if err != nil {
		l.log.Warn("rate limit store unavailable, failing open",
			zap.String("preset", preset.Name), zap.Error(err))
		return true
	}
	return len(res) > 0 && res[0] == 1
}

// Middleware applies a preset keyed by authenticated principal when present,
// falling back to client IP.
func (l *Limiter) Middleware(preset Preset, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + identity.ClientIP(r, trustProxy)
			if p, ok := identity.PrincipalFrom(r.Context()); ok {
				key = "user:" + p.ID
			}
			if !l.Allow(r.Context(), preset, key) {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(preset.Window.Seconds())))
				httperr.Write(w, httperr.New(httperr.CodeRateLimited,
					fmt.Sprintf("Too many requests. Try again within %s.", windowText(preset.Window))))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoginMiddleware applies the login guard keyed strictly by IP.
func (l *Limiter) LoginMiddleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + identity.ClientIP(r, trustProxy)
			if !l.Allow(r.Context(), LoginGuard, key) {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(LoginGuard.Window.Seconds())))
				httperr.Write(w, httperr.New(httperr.CodeRateLimited,
					"Too many login attempts. Try again in 5 minutes."))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func windowText(w time.Duration) string {
	if w >= time.Minute {
		return fmt.Sprintf("%d minutes", int(w.Minutes()))
	}
	return fmt.Sprintf("%d seconds", int(w.Seconds()))
}


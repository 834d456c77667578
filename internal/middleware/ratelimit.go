package middleware

import (
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/slotline/backend/config"
	"github.com/slotline/backend/pkg/response"
)

// Token-bucket state lives in redis so the limit holds across instances;
// per-process counters would reset on deploy and undercount behind a
// load balancer.
var limiterScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_tokens = tonumber(ARGV[3])
	local interval_ms = tonumber(ARGV[4])
	local ttl_seconds = tonumber(ARGV[5])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 and refill_tokens > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + (intervals * refill_tokens))
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		local until_next = interval_ms - (now_ms - last_refill)
		if until_next < 0 then until_next = 0 end
		retry_after_ms = until_next
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, retry_after_ms }
`)

// RateLimit returns a redis token-bucket middleware keyed by client IP and
// route. On redis failure the request is allowed through; throttling is a
// protection layer, not a correctness one.
func RateLimit(cfg config.RateLimitConfig, rdb *redis.Client, logger *zap.Logger) gin.HandlerFunc {
	if !cfg.Enabled || rdb == nil {
		return func(c *gin.Context) { c.Next() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		key := cfg.Prefix + ":ip:" + c.ClientIP() + ":route:" + c.Request.Method + " " + c.FullPath()
		args := []interface{}{
			time.Now().UnixMilli(),
			cfg.Capacity,
			cfg.RefillTokens,
			cfg.RefillInterval.Milliseconds(),
			int64(cfg.TTL / time.Second),
		}
		vals, err := limiterScript.Run(c.Request.Context(), rdb, []string{key}, args...).Int64Slice()
		if err != nil || len(vals) != 2 {
			logger.Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if vals[0] != 1 {
			secs := int(math.Ceil(float64(vals[1]) / 1000.0))
			c.Header("Retry-After", strconv.Itoa(secs))
			response.TooManyRequests(c, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

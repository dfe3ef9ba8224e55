package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/jobengine/internal/log"
	"github.com/makeasinger/jobengine/pkg/response"
)

type RateLimiter struct {
	redis *redis.Client
	log   logr.Logger
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient, log: log.WithName("ratelimit")}
}

// Limit allows maxRequests per caller within a fixed window. A non-positive
// maxRequests disables the limiter.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" || maxRequests <= 0 {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := c.UserContext()

		var incr *redis.IntCmd
		var ttl *redis.DurationCmd
		_, err := rl.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			ttl = pipe.TTL(ctx, key)
			return nil
		})
		if err != nil {
			// Fail open
			rl.log.Error(err, "rate limit check failed", "key", key)
			return c.Next()
		}

		count, remaining := incr.Val(), ttl.Val()
		if remaining < 0 {
			// New key, or one left without an expiry by a failed earlier request
			if err := rl.redis.Expire(ctx, key, window).Err(); err != nil {
				rl.log.Error(err, "failed to set rate limit window", "key", key)
			}
			remaining = window
		}
		if count > int64(maxRequests) {
			retryAfter := int(remaining.Seconds())
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
			return response.RateLimited(c, retryAfter)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))
		return c.Next()
	}
}

// SubmitLimit limits job submissions per hour
func (rl *RateLimiter) SubmitLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("submit", maxPerHour, time.Hour)
}

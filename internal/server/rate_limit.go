package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/creditflow/internal/observability/logger"
	"go.uber.org/zap"
)

// MeteredRateLimit throttles metered calls per account. It runs after
// AuthRequired so the account id is known.
func (s *Server) MeteredRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		accountID := accountIDFrom(c)
		if accountID == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := s.limiter.Allow(ctx, accountID)
		if err != nil {
			obslogger.FromContext(ctx).Warn("metered rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(res.Remaining, 0)))
		if res.Allowed {
			c.Next()
			return
		}

		endpoint := strings.TrimSpace(c.FullPath())
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}
		s.obsMetrics.RecordRateLimitDenied(ctx, endpoint)
		obslogger.FromContext(ctx).Warn("metered rate limit exceeded",
			zap.String("endpoint", endpoint),
			zap.Duration("retry_after", res.RetryAfter),
		)

		c.Header("Retry-After", strconv.Itoa(max(int(math.Ceil(res.RetryAfter.Seconds())), 1)))
		AbortWithError(c, ErrRateLimited)
	}
}

package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/nao1215/nexus/pkg/ratelimit"
)

// RateLimit はクライアントIPとclassの組でリクエスト数を制限するGinミドルウェアを返す。
// 上限到達時は429、カウンタの保存先に到達できない場合は503を返し、いずれも後続に進まない。
func RateLimit(limiter *ratelimit.Limiter, class string) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := limiter.Allow(c.Request.Context(), class, c.ClientIP())
		if err != nil {
			log.Ctx(c.Request.Context()).Error().Err(err).Str("class", class).Msg("レート制限の判定に失敗")
			AbortWithError(c, NewError(KindRateLimiterUnavailable, http.StatusServiceUnavailable, "Rate limiter unavailable"))
			return
		}

		retryAfter := decision.RetryAfter(limiter.Now())
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Class.Max))
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Header("RateLimit-Reset", strconv.Itoa(retryAfter))

		if !decision.Allowed {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			message := decision.Class.Message
			if message == "" {
				message = "Too many requests, please try again later."
			}
			AbortWithError(c, NewError(KindRateLimited, http.StatusTooManyRequests, message))
			return
		}
	}
}

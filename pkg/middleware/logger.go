package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AccessLog はリクエスト単位のロガーをコンテキストに設定し、処理完了時に1行のアクセスログを出力する
// Ginミドルウェアを返す。RequestIDの後に適用すること。
// /health 配下の正常応答はログに残さない。
func AccessLog(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		l := logger.With().
			Str("request_id", RequestIDFromContext(c.Request.Context())).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("client_ip", c.ClientIP()).
			Logger()
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))

		c.Next()

		status := c.Writer.Status()
		if strings.HasPrefix(path, healthPath) && status < 400 {
			return
		}

		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		default:
			ev = l.Info()
		}
		if kind := ErrorKind(c); kind != "" {
			ev = ev.Str("error_kind", string(kind))
		}
		if userID := GetUserID(c); userID != "" {
			ev = ev.Str("user_id", userID)
		}
		ev.Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("リクエストを処理しました")
	}
}

// DefaultAccessLog はグローバルロガーを使うAccessLogを返す。
func DefaultAccessLog() gin.HandlerFunc {
	return AccessLog(log.Logger)
}

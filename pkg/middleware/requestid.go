package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID はリクエストを追跡するためのIDヘッダー。
const HeaderRequestID = "X-Request-Id"

// maxRequestIDLength はクライアントから受け付けるリクエストIDの最大長。
const maxRequestIDLength = 128

type requestIDKey struct{}

// RequestID はリクエストIDを決定してレスポンスヘッダーとコンテキストに設定するGinミドルウェアを返す。
// クライアントが指定したIDが無い、または長すぎる場合はUUIDを発行する。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}

		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), requestIDKey{}, id))
		c.Next()
	}
}

// RequestIDFromContext はcontext.ContextからリクエストIDを取得する。
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にスタックトレースをログに出力し、内部情報を含まない500エラーを返す。
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				// 応答の途中で中断されたプロキシは接続を切るだけにする。
				if r == http.ErrAbortHandler {
					panic(r)
				}
				log.Ctx(c.Request.Context()).Error().
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Str("method", c.Request.Method).
					Str("path", c.Request.URL.Path).
					Msg("パニックから復帰しました")
				AbortWithError(c, NewError(KindInternal, http.StatusInternalServerError, "Internal Server Error"))
			}
		}()
		c.Next()
	}
}

package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	// HeaderInternalSecret はゲートウェイ経由のリクエストであることを示す共有シークレットのヘッダー。
	HeaderInternalSecret = "X-Nexus-Secret"
	// HeaderUserID は認証済みユーザーIDを内部サービスへ伝えるヘッダー。
	HeaderUserID = "X-User-Id"
	// HeaderUserEmail は認証済みユーザーのメールアドレスを内部サービスへ伝えるヘッダー。
	HeaderUserEmail = "X-User-Email"
	// HeaderUserPlan は認証済みユーザーの契約プランを内部サービスへ伝えるヘッダー。
	HeaderUserPlan = "X-User-Plan"
)

// healthPath はシークレット確認を免除する死活監視用のパス。
const healthPath = "/health"

// RequireInternal は内部サービス側で使用するGinミドルウェアを返す。
// ゲートウェイが付与する共有シークレットを持たないリクエストを403で拒否する。
// 死活監視の /health は確認を免除する。
func RequireInternal(secret string) gin.HandlerFunc {
	expected := []byte(secret)

	return func(c *gin.Context) {
		if c.Request.URL.Path == healthPath {
			return
		}

		received := []byte(c.GetHeader(HeaderInternalSecret))
		if len(expected) == 0 || subtle.ConstantTimeCompare(received, expected) != 1 {
			log.Warn().Str("client_ip", c.ClientIP()).Str("path", c.Request.URL.Path).
				Msg("ゲートウェイ以外からのアクセスを拒否しました")
			AbortWithError(c, NewError(KindForbidden, http.StatusForbidden, "Access Denied: You are not the Gateway."))
			return
		}
	}
}

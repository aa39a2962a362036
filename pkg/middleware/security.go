package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// securityHeaders は全レスポンスに付与するセキュリティ関連ヘッダー。
var securityHeaders = map[string]string{
	"Content-Security-Policy":           "default-src 'self';base-uri 'self';frame-ancestors 'self';object-src 'none'",
	"Cross-Origin-Opener-Policy":        "same-origin",
	"Cross-Origin-Resource-Policy":      "same-origin",
	"Origin-Agent-Cluster":              "?1",
	"Referrer-Policy":                   "no-referrer",
	"Strict-Transport-Security":         "max-age=31536000; includeSubDomains",
	"X-Content-Type-Options":            "nosniff",
	"X-Dns-Prefetch-Control":            "off",
	"X-Download-Options":                "noopen",
	"X-Frame-Options":                   "SAMEORIGIN",
	"X-Permitted-Cross-Domain-Policies": "none",
	"X-Xss-Protection":                  "0",
}

// SecurityHeaders はブラウザ向けのセキュリティヘッダーを付与するGinミドルウェアを返す。
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for k, v := range securityHeaders {
			h.Set(k, v)
		}
		c.Next()
	}
}

// SanitizeUpstreamHeaders は内部サービスのレスポンスヘッダーから実装を示すX-Powered-Byを取り除く。
func SanitizeUpstreamHeaders(h http.Header) {
	h.Del("X-Powered-By")
}

// YieldSecurityHeaders は内部サービスが自ら設定したセキュリティヘッダーについて、
// dstに付与済みのゲートウェイの既定値を取り除く。リバースプロキシはヘッダーを追記するため、
// 取り除かないと値が重複する。内部サービスが設定しなかったヘッダーは既定値のまま残る。
func YieldSecurityHeaders(dst, upstream http.Header) {
	for k := range securityHeaders {
		if _, ok := upstream[k]; ok {
			dst.Del(k)
		}
	}
}

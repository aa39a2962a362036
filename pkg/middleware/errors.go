package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind はゲートウェイがクライアントへ返すエラーの種類。
type Kind string

const (
	// KindUnauthenticated はトークンが無い、または形式が不正であることを表す。
	KindUnauthenticated Kind = "unauthenticated"
	// KindInvalidToken は署名不一致や期限切れのトークンを表す。
	KindInvalidToken Kind = "invalid_token"
	// KindRateLimited はレート制限の上限に達したことを表す。
	KindRateLimited Kind = "rate_limited"
	// KindRateLimiterUnavailable はカウンタの保存先に到達できないことを表す。
	KindRateLimiterUnavailable Kind = "rate_limiter_unavailable"
	// KindInsufficientPlan は契約プランが不足していることを表す。
	KindInsufficientPlan Kind = "insufficient_plan"
	// KindUpstreamUnavailable は内部サービスに到達できないことを表す。
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	// KindNotFound は該当するルートが無いことを表す。
	KindNotFound Kind = "not_found"
	// KindForbidden はゲートウェイ以外からの内部サービス呼び出しを表す。
	KindForbidden Kind = "forbidden"
	// KindInternal は想定外の内部エラーを表す。
	KindInternal Kind = "internal"
)

// contextKeyErrorKind はGinコンテキストにエラー種別を格納するためのキー。
const contextKeyErrorKind = "nexus.error_kind"

// Error はクライアントへ返すエラー。Message以外の内部情報は含めない。
type Error struct {
	// Kind はエラーの種類。
	Kind Kind
	// Status はHTTPステータスコード。
	Status int
	// Message はレスポンスの "error" フィールドに入る文言。
	Message string
	// Extra はレスポンスに追加するフィールド。
	Extra gin.H
}

// Error はerrorインターフェースの実装。
func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Body はレスポンスボディを組み立てる。
func (e *Error) Body() gin.H {
	body := gin.H{"error": e.Message}
	for k, v := range e.Extra {
		body[k] = v
	}
	return body
}

// NewError は任意の種類のエラーを生成する。
func NewError(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

// ErrUnauthenticated はトークン未提示時のエラーを返す。
func ErrUnauthenticated() *Error {
	return NewError(KindUnauthenticated, http.StatusUnauthorized, "Access Denied. No token provided.")
}

// ErrInvalidToken は検証に失敗したトークンのエラーを返す。
func ErrInvalidToken() *Error {
	return NewError(KindInvalidToken, http.StatusUnauthorized, "Invalid Token")
}

// ErrNotFound は該当ルートが無い場合のエラーを返す。
func ErrNotFound() *Error {
	return NewError(KindNotFound, http.StatusNotFound, "Route not found")
}

// ErrUpstreamUnavailable はserviceに到達できない場合のエラーを返す。
// serviceには "Auth" のような表示名を渡す。
func ErrUpstreamUnavailable(service string) *Error {
	return NewError(KindUpstreamUnavailable, http.StatusBadGateway, service+" Service Down")
}

// AbortWithError はエラーをJSONで返してハンドラチェーンを中断する。
func AbortWithError(c *gin.Context, err *Error) {
	c.Set(contextKeyErrorKind, err.Kind)
	c.AbortWithStatusJSON(err.Status, err.Body())
}

// ErrorKind はAbortWithErrorで設定されたエラー種別を返す。未設定なら空文字を返す。
func ErrorKind(c *gin.Context) Kind {
	v, _ := c.Get(contextKeyErrorKind)
	if k, ok := v.(Kind); ok {
		return k
	}
	return ""
}

package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
)

// Identity はトークン検証で得られた呼び出し元ユーザー。
type Identity struct {
	// ID はユーザーの一意識別子。
	ID string
	// Email はユーザーのメールアドレス。
	Email string
	// Plan は正規化済みの契約プラン。
	Plan Tier
}

// identityKey はcontext.Contextに認証済みユーザーを格納するためのキー。
type identityKey struct{}

// contextKeyIdentity はGinコンテキストに認証済みユーザーを格納するためのキー。
const contextKeyIdentity = "nexus.identity"

// WithIdentity はcontext.Contextに認証済みユーザーを設定する。
// プロキシのヘッダー注入はこの値を参照する。
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext はcontext.Contextから認証済みユーザーを取得する。
// 未認証ならnilを返す。
func IdentityFromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return id
	}
	return nil
}

// setIdentity はGinコンテキストとリクエストのcontext.Contextの両方に認証済みユーザーを設定する。
func setIdentity(c *gin.Context, id *Identity) {
	c.Set(contextKeyIdentity, id)
	c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
}

// GetIdentity はGinコンテキストから認証済みユーザーを取得する。
// JWTAuthミドルウェアが事前に適用されていなければnilを返す。
func GetIdentity(c *gin.Context) *Identity {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return nil
	}
	id, _ := v.(*Identity)
	return id
}

// GetUserID はGinコンテキストからユーザーIDを取得する。未認証なら空文字を返す。
func GetUserID(c *gin.Context) string {
	if id := GetIdentity(c); id != nil {
		return id.ID
	}
	return ""
}

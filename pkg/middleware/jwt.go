package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// TokenTTL はAuthサービスが発行するトークンの有効期間。
const TokenTTL = 7 * 24 * time.Hour

// JWTClaims はAuthサービスが発行するトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID はユーザーの一意識別子。
	UserID string `json:"id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Plan は契約プラン。
	Plan string `json:"plan,omitempty"`
}

// SignToken はユーザー情報からHS256署名のトークンを生成する。
// トークンを発行するのはAuthサービスであり、ゲートウェイはリクエスト処理中に呼び出さない。
func SignToken(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID: id.ID,
		Email:  id.Email,
		Plan:   string(id.Plan),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// VerifyToken はトークンの署名と有効期限を検証し、ユーザー情報を返す。
// 署名方式はHS256のみ受け付け、expクレームを必須とする。
func VerifyToken(secret, tokenString string) (*Identity, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("トークンが無効です")
	}
	if claims.UserID == "" {
		return nil, errors.New("idクレームがありません")
	}

	return &Identity{
		ID:    claims.UserID,
		Email: claims.Email,
		Plan:  ParseTier(claims.Plan),
	}, nil
}

// bearerToken はAuthorizationヘッダーからトークン部分を取り出す。
// スキーム名の大文字小文字は区別しない。
func bearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// JWTAuth はBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、Ginコンテキストとリクエストのcontext.Contextに認証済みユーザーを設定する。
// Authサービスへの問い合わせは行わない。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c.GetHeader("Authorization"))
		if tokenString == "" {
			AbortWithError(c, ErrUnauthenticated())
			return
		}

		id, err := VerifyToken(secret, tokenString)
		if err != nil {
			log.Ctx(c.Request.Context()).Debug().Err(err).Msg("トークン検証に失敗")
			AbortWithError(c, ErrInvalidToken())
			return
		}

		setIdentity(c, id)
	}
}

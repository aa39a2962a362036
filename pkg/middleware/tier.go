package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Tier は契約プラン。free < pro < ultimate の順に上位となる。
type Tier string

const (
	// TierFree は無料プラン。不明なプランもこれとして扱う。
	TierFree Tier = "free"
	// TierPro は有料の標準プラン。
	TierPro Tier = "pro"
	// TierUltimate は最上位プラン。
	TierUltimate Tier = "ultimate"
)

// upgradeURL はプラン不足時に案内する料金ページのパス。
const upgradeURL = "/pricing"

var tierRanks = map[Tier]int{
	TierFree:     0,
	TierPro:      1,
	TierUltimate: 2,
}

// LookupTier は文字列を既知のプランとして解釈する。未知の値ならfalseを返す。
func LookupTier(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	_, ok := tierRanks[t]
	return t, ok
}

// ParseTier は文字列をプランに変換する。未知・空の値は許可側ではなくTierFreeに倒す。
func ParseTier(s string) Tier {
	if t, ok := LookupTier(s); ok {
		return t
	}
	return TierFree
}

// Rank はプランの序列を返す。
func (t Tier) Rank() int {
	return tierRanks[ParseTier(string(t))]
}

// Satisfies はtがrequired以上のプランであればtrueを返す。
func (t Tier) Satisfies(required Tier) bool {
	return t.Rank() >= required.Rank()
}

// DisplayName は "Pro" のような表示用の名前を返す。
func (t Tier) DisplayName() string {
	s := string(ParseTier(string(t)))
	return strings.ToUpper(s[:1]) + s[1:]
}

// ErrInsufficientPlan はrequiredプランが必要な場合のエラーを返す。
func ErrInsufficientPlan(required Tier) *Error {
	err := NewError(KindInsufficientPlan, http.StatusForbidden,
		"This feature requires the "+required.DisplayName()+" plan.")
	err.Extra = gin.H{"upgradeUrl": upgradeURL}
	return err
}

// RequireTier は認証済みユーザーのプランがrequired以上かを確認するGinミドルウェアを返す。
// JWTAuthの後に適用すること。
func RequireTier(required Tier) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := GetIdentity(c)
		if id == nil {
			AbortWithError(c, NewError(KindUnauthenticated, http.StatusUnauthorized, "Unauthorized"))
			return
		}

		if !id.Plan.Satisfies(required) {
			AbortWithError(c, ErrInsufficientPlan(required))
			return
		}
	}
}

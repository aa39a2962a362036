package gateway

import (
	"strings"

	"github.com/nao1215/nexus/pkg/middleware"
	"github.com/nao1215/nexus/pkg/ratelimit"
)

// 内部サービスの名前。設定のキーとメトリクスのラベルに使用する。
const (
	ServiceAuth      = "auth"
	ServiceResume    = "resume"
	ServiceATS       = "ats"
	ServiceCompiler  = "compiler"
	ServicePayment   = "payment"
	ServiceInterview = "interview"
)

// Service は転送先の内部サービス。
type Service struct {
	// Name はサービス名。
	Name string
	// DisplayName はエラーメッセージに使う表示名（例: "ATS"）。
	DisplayName string
	// EnvKey はベースURLを指定する環境変数名。
	EnvKey string
	// DefaultURL は環境変数が未設定の場合のベースURL。
	DefaultURL string
}

// services は既知の内部サービスの一覧。
var services = []Service{
	{Name: ServiceAuth, DisplayName: "Auth", EnvKey: "AUTH_SERVICE_URL", DefaultURL: "http://localhost:4000"},
	{Name: ServiceResume, DisplayName: "Resume", EnvKey: "RESUME_GENERATOR_URL", DefaultURL: "http://localhost:5000"},
	{Name: ServiceATS, DisplayName: "ATS", EnvKey: "ATS_SERVICE_URL", DefaultURL: "http://localhost:7000"},
	{Name: ServiceCompiler, DisplayName: "Compiler", EnvKey: "LATEX_COMPILER_URL", DefaultURL: "http://localhost:6000"},
	{Name: ServicePayment, DisplayName: "Payment", EnvKey: "PAYMENT_SERVICE_URL", DefaultURL: "http://localhost:9000"},
	{Name: ServiceInterview, DisplayName: "Interview", EnvKey: "INTERVIEW_SERVICE_URL", DefaultURL: "http://localhost:8001"},
}

// Services は既知の内部サービスの一覧を返す。
func Services() []Service {
	out := make([]Service, len(services))
	copy(out, services)
	return out
}

// Route はルーティングテーブルの1行。
type Route struct {
	// Name はルート名。ログ・メトリクス・TIER_GATESで参照する。
	Name string
	// Prefixes はこのルートに一致するパスの接頭辞。
	Prefixes []string
	// StripPrefix は転送前にパスから取り除く接頭辞。
	StripPrefix string
	// Service は転送先のサービス名。
	Service string
	// RateClass はレート制限のクラス名。空なら制限しない。
	RateClass string
	// RequireAuth はトークン検証が必要かどうか。
	RequireAuth bool
	// MinTier は必要な最低プラン。空ならプランを確認しない。
	MinTier middleware.Tier
}

// Match はpathがいずれかの接頭辞にパスのセグメント境界で一致すればtrueを返す。
// "/api/ats" は "/api/ats" と "/api/ats/analyze" に一致し、"/api/atsx" には一致しない。
func (r Route) Match(path string) bool {
	for _, p := range r.Prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Rewrite はStripPrefixを取り除いた転送先のパスを返す。結果が空なら "/" を返す。
func (r Route) Rewrite(path string) string {
	rewritten := strings.TrimPrefix(path, r.StripPrefix)
	if rewritten == "" {
		return "/"
	}
	return rewritten
}

// DefaultRoutes は標準のルーティングテーブルを返す。先に一致したものが優先されるため、
// 認証が必要なルートや限定的な接頭辞を先に並べる。
func DefaultRoutes() []Route {
	return []Route{
		{
			Name:        "auth-account",
			Prefixes:    []string{"/api/auth/password", "/api/auth/me"},
			StripPrefix: "/api/auth",
			Service:     ServiceAuth,
			RateClass:   ratelimit.ClassGeneral,
			RequireAuth: true,
		},
		{
			Name:        "auth",
			Prefixes:    []string{"/api/auth"},
			StripPrefix: "/api/auth",
			Service:     ServiceAuth,
			RateClass:   ratelimit.ClassGeneral,
		},
		{
			Name:        "resume-ai",
			Prefixes:    []string{"/api/resume/audit", "/api/resume/cover-letter"},
			StripPrefix: "/api/resume",
			Service:     ServiceResume,
			RateClass:   ratelimit.ClassAI,
			RequireAuth: true,
		},
		{
			Name:        "resume",
			Prefixes:    []string{"/api/resume"},
			StripPrefix: "/api/resume",
			Service:     ServiceResume,
			RateClass:   ratelimit.ClassGeneral,
			RequireAuth: true,
		},
		{
			Name:        "ats",
			Prefixes:    []string{"/api/ats"},
			StripPrefix: "/api/ats",
			Service:     ServiceATS,
			RateClass:   ratelimit.ClassAI,
			RequireAuth: true,
		},
		{
			Name:        "compiler",
			Prefixes:    []string{"/api/compiler"},
			StripPrefix: "/api/compiler",
			Service:     ServiceCompiler,
			RateClass:   ratelimit.ClassGeneral,
			RequireAuth: true,
		},
		{
			Name:        "payment-checkout",
			Prefixes:    []string{"/api/payment/create-checkout-session"},
			StripPrefix: "/api/payment",
			Service:     ServicePayment,
			RateClass:   ratelimit.ClassGeneral,
			RequireAuth: true,
		},
		{
			// 決済プロバイダーからのコールバック。トークンもレート制限も無いが、
			// 共有シークレットは他のルートと同じく付与する。
			Name:        "payment-webhook",
			Prefixes:    []string{"/api/payment/webhook"},
			StripPrefix: "/api/payment",
			Service:     ServicePayment,
		},
		{
			Name:        "interview",
			Prefixes:    []string{"/api/interview"},
			StripPrefix: "/api/interview",
			Service:     ServiceInterview,
			RateClass:   ratelimit.ClassGeneral,
			RequireAuth: true,
		},
	}
}

// applyTierGates はルート名ごとの最低プランをテーブルに反映したコピーを返す。
func applyTierGates(routes []Route, gates map[string]middleware.Tier) []Route {
	out := make([]Route, len(routes))
	copy(out, routes)
	for i := range out {
		if tier, ok := gates[out[i].Name]; ok {
			out[i].MinTier = tier
		}
	}
	return out
}

// matchRoute はpathに最初に一致したルートを返す。
func matchRoute(routes []Route, path string) (Route, bool) {
	for _, r := range routes {
		if r.Match(path) {
			return r, true
		}
	}
	return Route{}, false
}

// routeNames はテーブル内のルート名の集合を返す。
func routeNames(routes []Route) map[string]struct{} {
	names := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		names[r.Name] = struct{}{}
	}
	return names
}

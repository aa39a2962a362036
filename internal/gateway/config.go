package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/nao1215/nexus/pkg/middleware"
	"github.com/nao1215/nexus/pkg/ratelimit"
)

// カウンタの保存先。
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config は起動時に一度だけ読み込むゲートウェイの設定。読み込み後は変更しない。
type Config struct {
	// Port は公開用HTTPサーバーのリッスンポート。
	Port string
	// MetricsPort はメトリクス用リスナーのポート。空なら起動しない。
	MetricsPort string
	// FrontendURL はCORSで許可するオリジン。
	FrontendURL string
	// JWTSecret はトークン検証に使う共有鍵。
	JWTSecret string
	// InternalSecret は内部サービスへ付与する共有シークレット。
	InternalSecret string
	// ServiceURLs はサービス名ごとのベースURL。
	ServiceURLs map[string]*url.URL
	// UpstreamTimeout は内部サービスの応答ヘッダーを待つ上限。
	UpstreamTimeout time.Duration
	// BreakerFailures はサーキットブレーカーが開くまでの連続失敗回数。
	BreakerFailures uint32
	// BreakerCooldown はサーキットブレーカーが開いている時間。
	BreakerCooldown time.Duration
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシ。空なら信頼しない。
	TrustedProxies []string
	// LogLevel はログの出力レベル。
	LogLevel zerolog.Level
	// RateLimitBackend はカウンタの保存先（redis または sqlite）。
	RateLimitBackend string
	// RedisURL はRedisの接続文字列。
	RedisURL string
	// SQLitePath はSQLiteのファイルパス。
	SQLitePath string
	// RateClasses はレート制限のクラス設定。
	RateClasses []ratelimit.Class
	// TierGates はルート名ごとの最低プラン。
	TierGates map[string]middleware.Tier
}

// setDefaults は任意項目の既定値を設定する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8000")
	v.SetDefault("METRICS_PORT", "9100")
	v.SetDefault("FRONTEND_URL", "http://localhost:5173")
	v.SetDefault("UPSTREAM_TIMEOUT", 30*time.Second)
	v.SetDefault("UPSTREAM_BREAKER_FAILURES", 5)
	v.SetDefault("UPSTREAM_BREAKER_COOLDOWN", 30*time.Second)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RATE_LIMIT_BACKEND", BackendRedis)
	for _, s := range services {
		v.SetDefault(s.EnvKey, s.DefaultURL)
	}
}

// LoadConfig は環境変数から設定を読み込み、検証する。
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	return ConfigFromViper(v)
}

// ConfigFromViper はvから設定を読み込み、検証する。
// 必須項目の欠落や不正な値があればエラーを返す。
func ConfigFromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	cfg := &Config{
		Port:             strings.TrimSpace(v.GetString("PORT")),
		MetricsPort:      strings.TrimSpace(v.GetString("METRICS_PORT")),
		FrontendURL:      strings.TrimSpace(v.GetString("FRONTEND_URL")),
		JWTSecret:        v.GetString("JWT_SECRET"),
		InternalSecret:   v.GetString("NEXUS_INTERNAL_SECRET"),
		UpstreamTimeout:  v.GetDuration("UPSTREAM_TIMEOUT"),
		BreakerFailures:  v.GetUint32("UPSTREAM_BREAKER_FAILURES"),
		BreakerCooldown:  v.GetDuration("UPSTREAM_BREAKER_COOLDOWN"),
		TrustedProxies:   splitList(v.GetString("TRUSTED_PROXIES")),
		RateLimitBackend: strings.ToLower(strings.TrimSpace(v.GetString("RATE_LIMIT_BACKEND"))),
		RedisURL:         strings.TrimSpace(v.GetString("REDIS_URL")),
		SQLitePath:       strings.TrimSpace(v.GetString("RATE_LIMIT_SQLITE_PATH")),
	}

	var errs []error
	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET が設定されていません"))
	}
	if cfg.InternalSecret == "" {
		errs = append(errs, errors.New("NEXUS_INTERNAL_SECRET が設定されていません"))
	}
	if cfg.Port == "" {
		errs = append(errs, errors.New("PORT が空です"))
	}
	if cfg.MetricsPort == "0" || strings.EqualFold(cfg.MetricsPort, "off") {
		cfg.MetricsPort = ""
	}
	if cfg.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_TIMEOUT が不正です: %q", v.GetString("UPSTREAM_TIMEOUT")))
	}
	if cfg.BreakerFailures == 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_BREAKER_FAILURES は1以上が必要です: %q", v.GetString("UPSTREAM_BREAKER_FAILURES")))
	}
	if cfg.BreakerCooldown <= 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_BREAKER_COOLDOWN が不正です: %q", v.GetString("UPSTREAM_BREAKER_COOLDOWN")))
	}

	switch cfg.RateLimitBackend {
	case BackendRedis:
		if cfg.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL が設定されていません"))
		}
	case BackendSQLite:
		if cfg.SQLitePath == "" {
			errs = append(errs, errors.New("RATE_LIMIT_SQLITE_PATH が設定されていません"))
		}
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND は redis か sqlite を指定してください: %q", cfg.RateLimitBackend))
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))))
	if err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL が不正です: %w", err))
	}
	cfg.LogLevel = level

	cfg.ServiceURLs = make(map[string]*url.URL, len(services))
	for _, s := range services {
		u, err := parseServiceURL(v.GetString(s.EnvKey))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s が不正です: %w", s.EnvKey, err))
			continue
		}
		cfg.ServiceURLs[s.Name] = u
	}

	classes, err := loadRateClasses(v)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.RateClasses = classes

	gates, err := parseTierGates(v.GetString("TIER_GATES"), DefaultRoutes())
	if err != nil {
		errs = append(errs, err)
	}
	cfg.TierGates = gates

	if len(errs) > 0 {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// parseServiceURL はhttp(s)の絶対URLのみを受け付ける。
func parseServiceURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("http(s)の絶対URLではありません: %q", raw)
	}
	return u, nil
}

// loadRateClasses は既定のクラス設定に RATE_LIMIT_<CLASS>_WINDOW / _MAX の上書きを適用する。
func loadRateClasses(v *viper.Viper) ([]ratelimit.Class, error) {
	classes := ratelimit.DefaultClasses()
	var errs []error
	for i, c := range classes {
		prefix := "RATE_LIMIT_" + strings.ToUpper(c.Name)
		if v.IsSet(prefix + "_WINDOW") {
			classes[i].Window = v.GetDuration(prefix + "_WINDOW")
		}
		if v.IsSet(prefix + "_MAX") {
			classes[i].Max = v.GetInt(prefix + "_MAX")
		}
		if err := classes[i].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return classes, errors.Join(errs...)
}

// parseTierGates は "ats=pro,compiler=pro" 形式の値を解釈する。
// 未知のルート名・プランはエラーにする。
func parseTierGates(raw string, routes []Route) (map[string]middleware.Tier, error) {
	gates := make(map[string]middleware.Tier)
	names := routeNames(routes)
	for _, item := range splitList(raw) {
		name, tierName, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("TIER_GATES の形式が不正です: %q", item)
		}
		if _, known := names[name]; !known {
			return nil, fmt.Errorf("TIER_GATES に未知のルートがあります: %q", name)
		}
		tier, known := middleware.LookupTier(tierName)
		if !known {
			return nil, fmt.Errorf("TIER_GATES に未知のプランがあります: %q", tierName)
		}
		gates[name] = tier
	}
	return gates, nil
}

// splitList はカンマ区切りの値を空要素を除いて分割する。
func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Routes はTierGatesを反映したルーティングテーブルを返す。
func (c *Config) Routes() []Route {
	return applyTierGates(DefaultRoutes(), c.TierGates)
}

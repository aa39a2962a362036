package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/nexus/pkg/httpclient"
	"github.com/nao1215/nexus/pkg/middleware"
	"github.com/nao1215/nexus/pkg/ratelimit"
)

const (
	// probeTimeout は /health/upstreams で各サービスに問い合わせる際のタイムアウト。
	probeTimeout = 2 * time.Second
	// shutdownTimeout は停止時に処理中のリクエストを待つ上限。
	shutdownTimeout = 15 * time.Second
)

// contextKeyRoute は一致したルート名をGinコンテキストに格納するためのキー。
const contextKeyRoute = "nexus.route"

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg は起動時に読み込んだ設定。
	cfg *Config
	// store はレート制限カウンタの保存先。
	store ratelimit.Store
	// limiter はルートクラスごとのレート制限。
	limiter *ratelimit.Limiter
	// routes は順序付きのルーティングテーブル。
	routes []Route
	// pipelines はルート名ごとの処理の並び。最後の要素が転送処理。
	pipelines map[string][]gin.HandlerFunc
	// upstreams はサービス名ごとの転送先。
	upstreams map[string]*upstream
	// probes はサービス名ごとの死活確認クライアント。
	probes map[string]*httpclient.Client
	// metrics はPrometheusメトリクス。
	metrics *Metrics
}

// Option はServerの設定を変更する関数。
type Option func(*Server)

// WithClock はレート制限が使う時刻取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.limiter = s.limiter.WithClock(now)
	}
}

// WithMetrics は使用するメトリクスを差し替える。
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(cfg *Config, store ratelimit.Store, opts ...Option) (*Server, error) {
	limiter, err := ratelimit.NewLimiter(store, cfg.RateClasses)
	if err != nil {
		return nil, fmt.Errorf("レート制限の初期化に失敗: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		limiter:   limiter,
		routes:    cfg.Routes(),
		upstreams: make(map[string]*upstream, len(services)),
		probes:    make(map[string]*httpclient.Client, len(services)),
		metrics:   NewMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, svc := range services {
		target, ok := cfg.ServiceURLs[svc.Name]
		if !ok {
			return nil, fmt.Errorf("サービス %s のURLが設定されていません", svc.Name)
		}
		s.upstreams[svc.Name] = newUpstream(svc, target, upstreamOptions{
			internalSecret:  cfg.InternalSecret,
			timeout:         cfg.UpstreamTimeout,
			breakerFailures: cfg.BreakerFailures,
			breakerCooldown: cfg.BreakerCooldown,
			metrics:         s.metrics,
		})
		s.probes[svc.Name] = httpclient.New(strings.TrimRight(target.String(), "/"),
			httpclient.WithTimeout(probeTimeout),
			httpclient.WithHeader(middleware.HeaderInternalSecret, cfg.InternalSecret),
		)
	}

	pipelines, err := s.buildPipelines()
	if err != nil {
		return nil, err
	}
	s.pipelines = pipelines

	router := gin.New()
	router.RedirectTrailingSlash = false
	router.HandleMethodNotAllowed = false
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES が不正です: %w", err)
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.DefaultAccessLog())
	router.Use(s.observe())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS([]string{cfg.FrontendURL}))
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	s.router = router
	s.setupRoutes()

	return s, nil
}

// Handler は公開用のhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Metrics はサーバーのメトリクスを返す。
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Secure Gateway Running")
	})

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
	s.router.GET("/health/upstreams", s.handleUpstreamHealth)

	s.router.Any("/api/*path", s.handleAPI)
	s.router.NoRoute(func(c *gin.Context) {
		middleware.AbortWithError(c, middleware.ErrNotFound())
	})
}

// buildPipelines はルートごとに「レート制限 → トークン検証 → プラン確認 → 転送」の順で処理を並べる。
func (s *Server) buildPipelines() (map[string][]gin.HandlerFunc, error) {
	pipelines := make(map[string][]gin.HandlerFunc, len(s.routes))
	for _, route := range s.routes {
		up, ok := s.upstreams[route.Service]
		if !ok {
			return nil, fmt.Errorf("ルート %s の転送先 %s が未登録です", route.Name, route.Service)
		}

		var steps []gin.HandlerFunc
		if route.RateClass != "" {
			if _, ok := s.limiter.Class(route.RateClass); !ok {
				return nil, fmt.Errorf("ルート %s: %w: %s", route.Name, ratelimit.ErrUnknownClass, route.RateClass)
			}
			steps = append(steps, middleware.RateLimit(s.limiter, route.RateClass))
		}
		if route.RequireAuth || route.MinTier != "" {
			steps = append(steps, middleware.JWTAuth(s.cfg.JWTSecret))
		}
		if route.MinTier != "" {
			steps = append(steps, middleware.RequireTier(route.MinTier))
		}
		steps = append(steps, func(c *gin.Context) {
			up.serve(c, route)
		})
		pipelines[route.Name] = steps
	}
	return pipelines, nil
}

// handleAPI は /api 配下のリクエストを最初に一致したルートの処理に渡す。
// いずれかの処理が中断した時点で以降の処理は行わない。
func (s *Server) handleAPI(c *gin.Context) {
	p := cleanPath(c.Request.URL.Path)
	c.Request.URL.Path = p
	c.Request.URL.RawPath = ""

	route, ok := matchRoute(s.routes, p)
	if !ok {
		middleware.AbortWithError(c, middleware.ErrNotFound())
		return
	}
	c.Set(contextKeyRoute, route.Name)

	for _, step := range s.pipelines[route.Name] {
		step(c)
		if c.IsAborted() {
			if kind := middleware.ErrorKind(c); kind != "" && kind != middleware.KindUpstreamUnavailable {
				s.metrics.observeRejection(route.Name, string(kind))
			}
			return
		}
	}
}

// cleanPath は "." や ".." を解決したパスを返す。末尾のスラッシュは維持する。
func cleanPath(p string) string {
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// observe はルート名とステータスコードごとのリクエスト数を記録するGinミドルウェアを返す。
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.GetString(contextKeyRoute)
		if route == "" {
			route = "none"
		}
		s.metrics.observeRequest(route, c.Writer.Status())
	}
}

// handleUpstreamHealth は各サービスの /health とカウンタの保存先を確認する。
func (s *Server) handleUpstreamHealth(c *gin.Context) {
	ctx := httpclient.WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c.Request.Context()))

	var (
		mu       sync.Mutex
		statuses = make(map[string]string, len(s.probes))
		storeUp  bool
	)
	var g errgroup.Group
	for name, probe := range s.probes {
		g.Go(func() error {
			status := "down"
			if probe.Up(ctx, "/health") {
				status = "up"
			}
			mu.Lock()
			statuses[name] = status
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := s.store.Ping(pingCtx); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("レート制限の保存先に到達できません")
			return nil
		}
		storeUp = true
		return nil
	})
	_ = g.Wait()

	healthy := storeUp
	for _, st := range statuses {
		if st != "up" {
			healthy = false
		}
	}

	body := gin.H{
		"status":           "ok",
		"services":         statuses,
		"rate_limit_store": upDown(storeUp),
	}
	if !healthy {
		body["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func upDown(up bool) string {
	if up {
		return "up"
	}
	return "down"
}

// Run は公開用サーバーとメトリクス用サーバーを起動し、ctxが終了したら停止する。
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	public := &http.Server{
		Addr:              net.JoinHostPort("", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	g.Go(func() error {
		return serve(ctx, public, "gateway")
	})

	if s.cfg.MetricsPort != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		metricsServer := &http.Server{
			Addr:              net.JoinHostPort("", s.cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			return serve(ctx, metricsServer, "metrics")
		})
	}

	return g.Wait()
}

// serve はsrvを起動し、ctxが終了したら処理中のリクエストを待って停止する。
func serve(ctx context.Context, srv *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("server", name).Str("addr", srv.Addr).Msg("サーバーを起動しました")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%sサーバーの起動に失敗: %w", name, err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info().Str("server", name).Msg("サーバーを停止します")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%sサーバーの停止に失敗: %w", name, err)
	}
	return <-errCh
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/nao1215/nexus/pkg/middleware"
)

// statusClientClosedRequest はクライアントが応答前に切断したことを表す非標準のステータス。
const statusClientClosedRequest = 499

// internalHeaders はクライアントからの値を信用せず、ゲートウェイだけが設定するヘッダー。
var internalHeaders = []string{
	middleware.HeaderInternalSecret,
	middleware.HeaderUserID,
	middleware.HeaderUserEmail,
	middleware.HeaderUserPlan,
}

type routeKey struct{}

type ginContextKey struct{}

// withRoute は転送処理が参照するルートとGinコンテキストをcontext.Contextに設定する。
func withRoute(ctx context.Context, route Route, c *gin.Context) context.Context {
	ctx = context.WithValue(ctx, routeKey{}, route)
	return context.WithValue(ctx, ginContextKey{}, c)
}

func routeFromContext(ctx context.Context) (Route, bool) {
	r, ok := ctx.Value(routeKey{}).(Route)
	return r, ok
}

func ginContextFrom(ctx context.Context) *gin.Context {
	c, _ := ctx.Value(ginContextKey{}).(*gin.Context)
	return c
}

// upstream は1つの内部サービスへの転送先。
type upstream struct {
	service Service
	target  *url.URL
	proxy   *httputil.ReverseProxy
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// upstreamOptions はupstreamの生成に使う設定。
type upstreamOptions struct {
	internalSecret  string
	timeout         time.Duration
	breakerFailures uint32
	breakerCooldown time.Duration
	metrics         *Metrics
}

// newUpstream はserviceへのリバースプロキシを生成する。
func newUpstream(service Service, target *url.URL, opts upstreamOptions) *upstream {
	u := &upstream{service: service, target: target}

	u.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        service.Name,
		MaxRequests: 1,
		Timeout:     opts.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.breakerFailures
		},
		// 内部サービスが返した4xx/5xxは転送するだけで失敗として数えない。
		// クライアントの切断も内部サービスの障害ではない。
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("service", name).Str("from", from.String()).Str("to", to.String()).
				Msg("サーキットブレーカーの状態が変化しました")
		},
	})

	base := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: opts.timeout,
	}

	u.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			u.rewrite(pr, opts.internalSecret)
		},
		Transport: &breakerTransport{
			service: service.Name,
			base:    base,
			breaker: u.breaker,
			metrics: opts.metrics,
		},
		ModifyResponse: func(resp *http.Response) error {
			middleware.SanitizeUpstreamHeaders(resp.Header)
			middleware.SanitizeUpstreamCORS(resp.Header)
			// セキュリティヘッダーは内部サービスの値を優先する。
			if c := ginContextFrom(resp.Request.Context()); c != nil {
				middleware.YieldSecurityHeaders(c.Writer.Header(), resp.Header)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			u.handleError(w, r, err, opts.metrics)
		},
	}
	return u
}

// rewrite は転送先のURLとヘッダーを組み立てる。
// メソッド・ボディ・クエリはそのまま引き継ぐ。
func (u *upstream) rewrite(pr *httputil.ProxyRequest, internalSecret string) {
	ctx := pr.In.Context()
	if route, ok := routeFromContext(ctx); ok {
		pr.Out.URL.Path = route.Rewrite(pr.In.URL.Path)
		pr.Out.URL.RawPath = ""
	}
	pr.SetURL(u.target)
	pr.SetXForwarded()

	h := pr.Out.Header
	for _, k := range internalHeaders {
		h.Del(k)
	}
	// 圧縮はゲートウェイで一度だけ行う。
	h.Del("Accept-Encoding")

	h.Set(middleware.HeaderInternalSecret, internalSecret)
	if id := middleware.IdentityFromContext(ctx); id != nil {
		h.Set(middleware.HeaderUserID, id.ID)
		if id.Email != "" {
			h.Set(middleware.HeaderUserEmail, id.Email)
		}
		h.Set(middleware.HeaderUserPlan, string(id.Plan))
	}
	if requestID := middleware.RequestIDFromContext(ctx); requestID != "" {
		h.Set(middleware.HeaderRequestID, requestID)
	}
}

// handleError は転送に失敗した場合の応答を返す。内部のエラー内容はクライアントに返さない。
func (u *upstream) handleError(w http.ResponseWriter, r *http.Request, err error, metrics *Metrics) {
	logger := log.Ctx(r.Context())
	if errors.Is(err, context.Canceled) {
		logger.Debug().Str("service", u.service.Name).Msg("クライアントが応答前に切断しました")
		w.WriteHeader(statusClientClosedRequest)
		return
	}

	ev := logger.Error().Err(err).Str("service", u.service.Name)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		ev = ev.Bool("breaker_open", true)
	}
	ev.Msg("内部サービスへの転送に失敗")
	if metrics != nil {
		metrics.observeUpstreamError(u.service.Name)
	}

	apiErr := middleware.ErrUpstreamUnavailable(u.service.DisplayName)
	if c := ginContextFrom(r.Context()); c != nil {
		middleware.AbortWithError(c, apiErr)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(apiErr.Body())
}

// serve はrouteに従ってリクエストを転送する。
// Doneを持たないcontextのリクエストはキャンセル可能なcontextに載せ替える。
// ReverseProxyはその場合CloseNotifierを要求し、GinのResponseWriterはそれを満たさない環境でパニックする。
func (u *upstream) serve(c *gin.Context, route Route) {
	ctx := c.Request.Context()
	if ctx.Done() == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
	}
	req := c.Request.WithContext(withRoute(ctx, route, c))
	u.proxy.ServeHTTP(c.Writer, req)
}

// breakerTransport はサーキットブレーカーを通して内部サービスを呼び出すRoundTripper。
type breakerTransport struct {
	service string
	base    http.RoundTripper
	breaker *gobreaker.CircuitBreaker[*http.Response]
	metrics *Metrics
}

// RoundTrip はhttp.RoundTripperの実装。
func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		return t.base.RoundTrip(req)
	})
	if err != nil {
		return nil, err
	}
	if t.metrics != nil {
		t.metrics.observeUpstreamDuration(t.service, time.Since(start).Seconds())
	}
	return resp, nil
}

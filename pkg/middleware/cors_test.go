package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// TestCORS はCORSミドルウェアを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	newRouter := func(origins []string, called *bool) *gin.Engine {
		router := gin.New()
		router.Use(CORS(origins))
		router.Any("/test", func(c *gin.Context) {
			if called != nil {
				*called = true
			}
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		return router
	}

	t.Run("許可されたオリジンからのリクエストに資格情報付きのCORSヘッダーが設定されること", func(t *testing.T) {
		t.Parallel()

		router := newRouter([]string{"http://localhost:5173"}, nil)
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		want := map[string]string{
			"Access-Control-Allow-Origin":      "http://localhost:5173",
			"Access-Control-Allow-Credentials": "true",
			"Access-Control-Allow-Methods":     "GET, POST, PUT, PATCH, DELETE, OPTIONS",
			"Access-Control-Allow-Headers":     "Authorization, Content-Type, X-Request-Id",
			"Access-Control-Max-Age":           "86400",
			"Vary":                             "Origin",
		}
		for k, v := range want {
			if got := w.Header().Get(k); got != v {
				t.Errorf("%s = %q, want %q", k, got, v)
			}
		}
	})

	t.Run("クライアントがRetry-AfterとRateLimitヘッダーを読めること", func(t *testing.T) {
		t.Parallel()

		router := newRouter([]string{"http://localhost:5173"}, nil)
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		want := "RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset, Retry-After, X-Request-Id"
		if got := w.Header().Get("Access-Control-Expose-Headers"); got != want {
			t.Errorf("Access-Control-Expose-Headers = %q, want %q", got, want)
		}
	})

	t.Run("許可リストの2番目のオリジンでも正しくCORSヘッダーが設定されること", func(t *testing.T) {
		t.Parallel()

		router := newRouter([]string{"http://localhost:5173", "https://app.example.com"}, nil)
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "https://app.example.com")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "https://app.example.com")
		}
	})

	t.Run("許可されていないオリジンからのリクエストにCORSヘッダーが設定されないこと", func(t *testing.T) {
		t.Parallel()

		router := newRouter([]string{"http://localhost:5173"}, nil)
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "https://evil.com")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want empty string", got)
		}
		if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
			t.Errorf("Access-Control-Allow-Credentials = %q, want empty string", got)
		}
	})

	t.Run("Originヘッダーが無いリクエストにCORSヘッダーが設定されないこと", func(t *testing.T) {
		t.Parallel()

		router := newRouter([]string{"http://localhost:5173"}, nil)
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want empty string", got)
		}
	})

	t.Run("OPTIONSリクエストで204が返りリクエストが中断されること", func(t *testing.T) {
		t.Parallel()

		handlerCalled := false
		router := newRouter([]string{"http://localhost:5173"}, &handlerCalled)
		req := httptest.NewRequest(http.MethodOptions, "/test", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		if handlerCalled {
			t.Error("OPTIONSリクエストでハンドラーが呼ばれるべきではない")
		}
	})
}

// TestSanitizeUpstreamCORS はSanitizeUpstreamCORS関数を検証する。
func TestSanitizeUpstreamCORS(t *testing.T) {
	t.Parallel()

	t.Run("内部サービスのCORSヘッダーが取り除かれ他のヘッダーは残ること", func(t *testing.T) {
		t.Parallel()

		h := http.Header{}
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Content-Type", "application/json")

		SanitizeUpstreamCORS(h)

		if got := h.Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want empty string", got)
		}
		if got := h.Get("Access-Control-Allow-Credentials"); got != "" {
			t.Errorf("Access-Control-Allow-Credentials = %q, want empty string", got)
		}
		if got := h.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want %q", got, "application/json")
		}
	})
}

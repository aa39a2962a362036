package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/nao1215/nexus/pkg/ratelimit"
)

// testNow はレート制限テストの固定時刻。1分ウィンドウの30秒目にあたる。
var testNow = time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)

// newTestLimiter はインメモリSQLiteと固定時刻を使うLimiterを生成する。
func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()

	store, err := ratelimit.NewSQLiteStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("SQLiteStoreの生成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	limiter, err := ratelimit.NewLimiter(store, ratelimit.DefaultClasses())
	if err != nil {
		t.Fatalf("NewLimiter()でエラーが発生: %v", err)
	}
	return limiter.WithClock(func() time.Time { return testNow })
}

func newRateLimitRouter(limiter *ratelimit.Limiter, class string, called *int) *gin.Engine {
	router := gin.New()
	router.Use(RateLimit(limiter, class))
	router.POST("/scan", func(c *gin.Context) {
		*called++
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// TestRateLimit はRateLimitミドルウェアを検証する。
func TestRateLimit(t *testing.T) {
	t.Parallel()

	t.Run("AIクラスの11回目のリクエストが429になり後続に進まないこと", func(t *testing.T) {
		t.Parallel()

		called := 0
		router := newRateLimitRouter(newTestLimiter(t), ratelimit.ClassAI, &called)

		for i := 1; i <= 10; i++ {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/scan", nil))
			if w.Code != http.StatusOK {
				t.Fatalf("%d回目のステータスコード = %d, want %d", i, w.Code, http.StatusOK)
			}
		}

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/scan", nil))

		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusTooManyRequests)
		}
		if got := decodeError(t, w)["error"]; got != "AI limit reached. Wait 1 min." {
			t.Errorf("error = %q", got)
		}
		if got := w.Header().Get("Retry-After"); got != "30" {
			t.Errorf("Retry-After = %q, want %q", got, "30")
		}
		if got := w.Header().Get("RateLimit-Remaining"); got != "0" {
			t.Errorf("RateLimit-Remaining = %q, want %q", got, "0")
		}
		if called != 10 {
			t.Errorf("ハンドラー呼び出し回数 = %d, want 10", called)
		}
	})

	t.Run("許可されたリクエストに残り枠のヘッダーが付くこと", func(t *testing.T) {
		t.Parallel()

		called := 0
		router := newRateLimitRouter(newTestLimiter(t), ratelimit.ClassGeneral, &called)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/scan", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		want := map[string]string{
			"RateLimit-Limit":     "100",
			"RateLimit-Remaining": "99",
			"RateLimit-Reset":     "30",
		}
		for k, v := range want {
			if got := w.Header().Get(k); got != v {
				t.Errorf("%s = %q, want %q", k, got, v)
			}
		}
		if got := w.Header().Get("Retry-After"); got != "" {
			t.Errorf("Retry-After = %q, want empty string", got)
		}
	})

	t.Run("クライアントIPごとに別々に数えること", func(t *testing.T) {
		t.Parallel()

		called := 0
		router := newRateLimitRouter(newTestLimiter(t), ratelimit.ClassAI, &called)

		send := func(remoteAddr string) int {
			req := httptest.NewRequest(http.MethodPost, "/scan", nil)
			req.RemoteAddr = remoteAddr
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			return w.Code
		}
		for range 10 {
			send("198.51.100.1:1000")
		}
		if got := send("198.51.100.1:1001"); got != http.StatusTooManyRequests {
			t.Errorf("同一IPのステータスコード = %d, want %d", got, http.StatusTooManyRequests)
		}
		if got := send("198.51.100.2:1000"); got != http.StatusOK {
			t.Errorf("別IPのステータスコード = %d, want %d", got, http.StatusOK)
		}
	})

	t.Run("カウンタの保存先に到達できない場合は503で後続に進まないこと", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		store := ratelimit.NewRedisStoreWithClient(redis.NewClient(&redis.Options{
			Addr:       mr.Addr(),
			MaxRetries: -1,
		}))
		t.Cleanup(func() { _ = store.Close() })
		limiter, err := ratelimit.NewLimiter(store, ratelimit.DefaultClasses())
		if err != nil {
			t.Fatalf("NewLimiter()でエラーが発生: %v", err)
		}
		mr.Close()

		called := 0
		router := newRateLimitRouter(limiter, ratelimit.ClassGeneral, &called)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/scan", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
		if got := decodeError(t, w)["error"]; got != "Rate limiter unavailable" {
			t.Errorf("error = %q", got)
		}
		if called != 0 {
			t.Errorf("ハンドラー呼び出し回数 = %d, want 0", called)
		}
	})
}

package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultTimeout は死活確認1回あたりの既定のタイムアウト。
const defaultTimeout = 2 * time.Second

// Client は内部サービスの死活確認を行うHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
	// headers は全リクエストに付与するヘッダー。
	headers http.Header
}

// Option はClientの設定を変更する関数。
type Option func(*Client)

// WithTimeout はリクエスト全体のタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHeader は全リクエストに付与するヘッダーを追加する。
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// WithTransport は内部で使用するRoundTripperを差し替える。
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport = rt
	}
}

// New は新しいClientを生成する。
// baseURLには接続先サービスのベースURL（例: "http://resume:5000"）を指定する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		baseURL: baseURL,
		headers: http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL は接続先のベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Probe は指定パスにGETリクエストを送信し、ステータスコードを返す。
// 2xx以外の応答もエラーにはせずステータスコードで返す。エラーは到達できなかった場合のみ返す。
func (c *Client) Probe(ctx context.Context, path string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	// コンテキストからリクエストIDを伝播する
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok && id != "" {
		req.Header.Set("X-Request-Id", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}

// Up はProbeが2xxを返した場合にtrueを返す。
func (c *Client) Up(ctx context.Context, path string) bool {
	status, err := c.Probe(ctx, path)
	return err == nil && status >= 200 && status < 300
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyRequestID はコンテキストにリクエストIDを格納するためのキー。
const contextKeyRequestID contextKey = "request_id"

// WithRequestID はコンテキストにリクエストIDを設定する。
// 死活確認のリクエストを呼び出し元のリクエストと対応付けるために使用する。
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, id)
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// ClassAuth はログイン試行などの認証系ルート用のクラス名。
	ClassAuth = "auth"
	// ClassAI は生成AIを呼び出すルート用のクラス名。
	ClassAI = "ai"
	// ClassGeneral は通常のCRUDルート用のクラス名。
	ClassGeneral = "general"
)

// ErrUnknownClass は未登録のクラス名が指定された場合のエラー。
var ErrUnknownClass = errors.New("未登録のレート制限クラス")

// Class はルートクラスごとの固定ウィンドウ設定。
type Class struct {
	// Name はクラス名。カウンタのキーに含まれる。
	Name string
	// Window は固定ウィンドウの長さ。
	Window time.Duration
	// Max はウィンドウ内で許可する最大リクエスト数。
	Max int
	// Message は上限到達時にクライアントへ返す文言。
	Message string
}

// Validate はクラス設定が利用可能な値かを検証する。
func (c Class) Validate() error {
	if c.Name == "" {
		return errors.New("クラス名が空です")
	}
	if c.Window < time.Second {
		return fmt.Errorf("クラス %q のウィンドウは1秒以上が必要です: %s", c.Name, c.Window)
	}
	if c.Max <= 0 {
		return fmt.Errorf("クラス %q の上限は1以上が必要です: %d", c.Name, c.Max)
	}
	return nil
}

// DefaultClasses は標準のクラス設定を返す。
func DefaultClasses() []Class {
	return []Class{
		{Name: ClassAuth, Window: 15 * time.Minute, Max: 10, Message: "Too many login attempts."},
		{Name: ClassAI, Window: time.Minute, Max: 10, Message: "AI limit reached. Wait 1 min."},
		{Name: ClassGeneral, Window: time.Minute, Max: 100, Message: "Server busy."},
	}
}

// Decision はレート制限の判定結果。
type Decision struct {
	// Allowed はリクエストを通してよいかどうか。
	Allowed bool
	// Class は判定に使用したクラス。
	Class Class
	// Remaining は現在のウィンドウで残っている枠数。
	Remaining int
	// ResetAt は現在のウィンドウが終わる時刻。
	ResetAt time.Time
}

// RetryAfter は次のウィンドウまでの残り時間を切り上げた秒数で返す。
func (d Decision) RetryAfter(now time.Time) int {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return int((wait + time.Second - 1) / time.Second)
}

// Limiter はクラスとクライアント識別子ごとに固定ウィンドウでリクエスト数を制限する。
// カウンタの状態は全てStoreに置くため、複数のゲートウェイプロセスで共有できる。
type Limiter struct {
	store   Store
	classes map[string]Class
	now     func() time.Time
}

// NewLimiter は新しいLimiterを生成する。同名のクラスは後勝ちで上書きされる。
func NewLimiter(store Store, classes []Class) (*Limiter, error) {
	byName := make(map[string]Class, len(classes))
	for _, c := range classes {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		byName[c.Name] = c
	}
	return &Limiter{
		store:   store,
		classes: byName,
		now:     time.Now,
	}, nil
}

// WithClock は時刻取得関数を差し替えたLimiterを返す。テスト用。
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	clone := *l
	clone.now = now
	return &clone
}

// Now はLimiterが判定に使う現在時刻を返す。
func (l *Limiter) Now() time.Time {
	return l.now()
}

// Class は登録済みのクラス設定を返す。
func (l *Limiter) Class(name string) (Class, bool) {
	c, ok := l.classes[name]
	return c, ok
}

// Allow はclassとclientIDの組について1リクエスト分の枠を消費する。
// 判定とインクリメントはStore側で1回の原子的な操作として行う。
func (l *Limiter) Allow(ctx context.Context, class, clientID string) (Decision, error) {
	c, ok := l.classes[class]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}

	now := l.now()
	index, resetAt := windowOf(now, c.Window)
	key := counterKey(c.Name, clientID, index)

	res, err := l.store.Take(ctx, key, c.Max, c.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("カウンタの更新に失敗: key=%s: %w", key, err)
	}

	remaining := c.Max - res.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   res.Allowed,
		Class:     c,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// windowOf は時刻が属する固定ウィンドウの番号と、そのウィンドウの終了時刻を返す。
func windowOf(now time.Time, window time.Duration) (int64, time.Time) {
	size := int64(window / time.Second)
	index := now.Unix() / size
	return index, time.Unix((index+1)*size, 0)
}

func counterKey(class, clientID string, index int64) string {
	return fmt.Sprintf("rl:%s:%s:%d", class, clientID, index)
}

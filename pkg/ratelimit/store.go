package ratelimit

import (
	"context"
	"time"
)

// TakeResult はStore.Takeの結果。
type TakeResult struct {
	// Allowed は枠を消費できたかどうか。
	Allowed bool
	// Count は操作後のカウンタ値。拒否時は上限に達している現在値。
	Count int
}

// Store はゲートウェイ間で共有するカウンタの保存先。
type Store interface {
	// Take はkeyのカウンタが max 未満なら1増やして許可し、max 以上なら何もせず拒否する。
	// 比較と加算は1回の原子的な操作でなければならない。カウンタは window 経過後に消える。
	Take(ctx context.Context, key string, max int, window time.Duration) (TakeResult, error)
	// Ping は保存先に到達できるかを確認する。
	Ping(ctx context.Context) error
	// Close は保存先との接続を閉じる。
	Close() error
}

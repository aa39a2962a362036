package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript は上限チェックとINCRを1回のスクリプト実行で行う。
// 上限に達している場合はINCRしないため、カウンタがmaxを超えることはない。
//
// KEYS[1]: カウンタキー, ARGV[1]: 上限, ARGV[2]: ウィンドウ長（ミリ秒）
// 戻り値: {許可なら1/拒否なら0, 操作後のカウンタ値}
var takeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
	if redis.call('PTTL', KEYS[1]) == -1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return {0, current}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, current}
`)

// RedisStore はRedisをカウンタの保存先とするStore。
// 水平スケールした全ゲートウェイで同じRedisを参照する。
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore はredis://形式のURLからRedisStoreを生成する。
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URLの解析に失敗: %w", err)
	}
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	return NewRedisStoreWithClient(redis.NewClient(opts)), nil
}

// NewRedisStoreWithClient は既存のクライアントを使うRedisStoreを生成する。
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Take はStore.Takeの実装。
func (s *RedisStore) Take(ctx context.Context, key string, max int, window time.Duration) (TakeResult, error) {
	vals, err := takeScript.Run(ctx, s.client, []string{key}, max, window.Milliseconds()).Int64Slice()
	if err != nil {
		return TakeResult{}, fmt.Errorf("レート制限スクリプトの実行に失敗: %w", err)
	}
	if len(vals) != 2 {
		return TakeResult{}, fmt.Errorf("レート制限スクリプトの戻り値が不正: %v", vals)
	}
	return TakeResult{
		Allowed: vals[0] == 1,
		Count:   int(vals[1]),
	}, nil
}

// Ping はStore.Pingの実装。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close はStore.Closeの実装。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

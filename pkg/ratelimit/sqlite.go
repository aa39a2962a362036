package ratelimit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/nao1215/nexus/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// takeQuery は行の作成・上限チェック・加算を1文で行う。
// 上限に達している行はWHERE句で更新されず、RETURNINGが0行になる。
const takeQuery = `
INSERT INTO rate_limit_counters (key, count, expires_at) VALUES (?, 1, ?)
ON CONFLICT(key) DO UPDATE SET count = rate_limit_counters.count + 1
WHERE rate_limit_counters.count < ?
RETURNING count`

// SQLiteStore はSQLiteファイルをカウンタの保存先とするStore。
// 単一ノード構成や開発環境向け。同じファイルを共有するプロセス間ではSQLiteのロックで整合する。
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore はpathのSQLiteファイルを開き、スキーマを適用したSQLiteStoreを生成する。
// pathに ":memory:" を指定するとプロセス内だけのストアになる。
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == ":memory:" {
		// :memory: は接続ごとに別DBになるため1接続に固定する
		db.SetMaxOpenConns(1)
	}

	if _, err := migration.Apply(ctx, db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Take はStore.Takeの実装。
func (s *SQLiteStore) Take(ctx context.Context, key string, max int, window time.Duration) (TakeResult, error) {
	if max <= 0 {
		return TakeResult{Allowed: false}, nil
	}

	expiresAt := s.now().Add(window).UnixMilli()

	var count int
	err := s.db.QueryRowContext(ctx, takeQuery, key, expiresAt, max).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return TakeResult{Allowed: false, Count: max}, nil
	}
	if err != nil {
		return TakeResult{}, fmt.Errorf("カウンタの更新に失敗: %w", err)
	}
	return TakeResult{Allowed: true, Count: count}, nil
}

// Sweep は期限切れのカウンタを削除し、削除した件数を返す。
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM rate_limit_counters WHERE expires_at <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("期限切れカウンタの削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

// RunSweeper はctxがキャンセルされるまでinterval毎にSweepを実行する。
func (s *SQLiteStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("カウンタの掃除に失敗")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("期限切れカウンタを削除しました")
			}
		}
	}
}

// Ping はStore.Pingの実装。
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close はStore.Closeの実装。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// エッジゲートウェイのエントリポイント。
// クライアントからの通信を全て受け付け、トークン検証・レート制限・プラン確認を行った上で
// 内部サービスへ転送する。外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nao1215/nexus/internal/gateway"
	"github.com/nao1215/nexus/pkg/ratelimit"
)

// sweepInterval はSQLiteの期限切れカウンタを削除する間隔。
const sweepInterval = time.Minute

func main() {
	zerolog.DefaultContextLogger = &log.Logger

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Gatewayサービスが異常終了しました")
	}
	log.Info().Msg("Gatewayサービスを停止しました")
}

func run() error {
	cfg, err := gateway.LoadConfig()
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("レート制限の保存先(%s)に接続できません: %w", cfg.RateLimitBackend, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("レート制限の保存先のクローズに失敗")
		}
	}()

	server, err := gateway.NewServer(cfg, store)
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}

	log.Info().Str("port", cfg.Port).Str("metrics_port", cfg.MetricsPort).
		Str("rate_limit_backend", cfg.RateLimitBackend).Msg("Gatewayサービスを起動します")
	return server.Run(ctx)
}

// openStore は設定に従ってカウンタの保存先を開き、疎通を確認する。
// SQLiteの場合は期限切れカウンタの掃除をバックグラウンドで開始する。
func openStore(ctx context.Context, cfg *gateway.Config) (ratelimit.Store, error) {
	var store ratelimit.Store
	switch cfg.RateLimitBackend {
	case gateway.BackendRedis:
		s, err := ratelimit.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		store = s
	case gateway.BackendSQLite:
		s, err := ratelimit.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		go s.RunSweeper(ctx, sweepInterval)
		store = s
	default:
		return nil, fmt.Errorf("未知の保存先です: %q", cfg.RateLimitBackend)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("疎通確認に失敗: %w", err)
	}
	return store, nil
}

// Package migration はSQLiteデータベースのスキーマ移行を管理する。
// embed.FSに同梱したSQLファイルを読み込み、schema_migrationsテーブルで適用状態を追跡する。
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// upSuffix は適用対象となるマイグレーションファイルの拡張子。
const upSuffix = ".up.sql"

// Step は1つのマイグレーションファイルを表す。
type Step struct {
	// Version はファイル名先頭の連番。
	Version int
	// Name はファイル名の説明部分。
	Name string
	// Path はfs.FS内のファイルパス。
	Path string
}

// Apply はdir配下の未適用マイグレーションをバージョン順に適用し、適用した件数を返す。
// ファイル名形式: 000001_description.up.sql
func Apply(ctx context.Context, db *sql.DB, fsys fs.FS, dir string) (int, error) {
	if err := ensureVersionTable(ctx, db); err != nil {
		return 0, fmt.Errorf("バージョン管理テーブルの作成に失敗: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	steps, err := Collect(fsys, dir)
	if err != nil {
		return 0, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}

	count := 0
	for _, s := range steps {
		if applied[s.Version] {
			continue
		}
		if err := applyStep(ctx, db, fsys, s); err != nil {
			return count, fmt.Errorf("マイグレーション %06d の適用に失敗: %w", s.Version, err)
		}
		log.Debug().Int("version", s.Version).Str("name", s.Name).Msg("マイグレーションを適用しました")
		count++
	}
	return count, nil
}

// Collect はdir配下のup.sqlファイルを収集してバージョン昇順に並べる。
// 連番として解釈できないファイルは無視する。
func Collect(fsys fs.FS, dir string) ([]Step, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var steps []Step
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), upSuffix) {
			continue
		}

		prefix, rest, found := strings.Cut(entry.Name(), "_")
		if !found {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		steps = append(steps, Step{
			Version: version,
			Name:    strings.TrimSuffix(rest, upSuffix),
			Path:    path.Join(dir, entry.Name()),
		})
	}

	sort.Slice(steps, func(i, j int) bool {
		return steps[i].Version < steps[j].Version
	})
	return steps, nil
}

func ensureVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// applyStep は1つのマイグレーションをトランザクション内で適用し、バージョンを記録する。
func applyStep(ctx context.Context, db *sql.DB, fsys fs.FS, s Step) error {
	content, err := fs.ReadFile(fsys, s.Path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", s.Version); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}

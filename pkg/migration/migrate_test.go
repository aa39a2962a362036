package migration

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

// openMemoryDB はテスト用のインメモリSQLiteを開く。
// :memory: は接続ごとに別DBになるため接続数を1に固定する。
func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDB接続に失敗: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestCollect はマイグレーションファイルの収集を検証する。
func TestCollect(t *testing.T) {
	t.Parallel()

	t.Run("up.sqlのみをバージョン順に収集すること", func(t *testing.T) {
		t.Parallel()

		fsys := fstest.MapFS{
			"m/000002_second.up.sql":     {Data: []byte("SELECT 1;")},
			"m/000001_first.up.sql":      {Data: []byte("SELECT 1;")},
			"m/000001_first.down.sql":    {Data: []byte("SELECT 1;")},
			"m/README.md":                {Data: []byte("doc")},
			"m/notanumber_bad.up.sql":    {Data: []byte("SELECT 1;")},
			"m/000003noseparator.up.sql": {Data: []byte("SELECT 1;")},
		}

		steps, err := Collect(fsys, "m")
		if err != nil {
			t.Fatalf("Collect()でエラーが発生: %v", err)
		}
		if len(steps) != 2 {
			t.Fatalf("件数 = %d, want 2: %+v", len(steps), steps)
		}
		if steps[0].Version != 1 || steps[0].Name != "first" {
			t.Errorf("steps[0] = %+v, want version=1 name=first", steps[0])
		}
		if steps[1].Version != 2 || steps[1].Path != "m/000002_second.up.sql" {
			t.Errorf("steps[1] = %+v", steps[1])
		}
	})
}

// TestApply はマイグレーションの適用を検証する。
func TestApply(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"m/000001_create_items.up.sql": {Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY);")},
		"m/000002_add_name.up.sql":     {Data: []byte("ALTER TABLE items ADD COLUMN name TEXT;")},
	}

	t.Run("未適用のマイグレーションを全て適用すること", func(t *testing.T) {
		t.Parallel()

		db := openMemoryDB(t)
		n, err := Apply(context.Background(), db, fsys, "m")
		if err != nil {
			t.Fatalf("Apply()でエラーが発生: %v", err)
		}
		if n != 2 {
			t.Errorf("適用件数 = %d, want 2", n)
		}
		if _, err := db.Exec("INSERT INTO items (id, name) VALUES (1, 'a')"); err != nil {
			t.Errorf("適用後のテーブルに挿入できない: %v", err)
		}
	})

	t.Run("2回目の適用では何も実行しないこと", func(t *testing.T) {
		t.Parallel()

		db := openMemoryDB(t)
		if _, err := Apply(context.Background(), db, fsys, "m"); err != nil {
			t.Fatalf("1回目のApply()でエラーが発生: %v", err)
		}
		n, err := Apply(context.Background(), db, fsys, "m")
		if err != nil {
			t.Fatalf("2回目のApply()でエラーが発生: %v", err)
		}
		if n != 0 {
			t.Errorf("適用件数 = %d, want 0", n)
		}
	})

	t.Run("SQLが不正な場合はエラーを返しバージョンを記録しないこと", func(t *testing.T) {
		t.Parallel()

		broken := fstest.MapFS{
			"m/000001_broken.up.sql": {Data: []byte("CREATE TABLE (;")},
		}
		db := openMemoryDB(t)
		if _, err := Apply(context.Background(), db, broken, "m"); err == nil {
			t.Fatal("不正なSQLでエラーが返らなかった")
		}

		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
			t.Fatalf("schema_migrationsの参照に失敗: %v", err)
		}
		if count != 0 {
			t.Errorf("記録されたバージョン数 = %d, want 0", count)
		}
	})
}

package testsupport

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// NewMiniRedis starts an in-process Redis server and a client connected to
// it. Both are closed when the test ends.
func NewMiniRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

// NewSQLiteDB opens a file backed SQLite database in the test temp dir and
// wraps it with bun. The pool is limited to one connection.
func NewSQLiteDB(t testing.TB) *bun.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	sqldb, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=50&_journal_mode=WAL", path))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// ExecSchema runs each statement against db, failing the test on error.
func ExecSchema(t testing.TB, db *bun.DB, statements ...string) {
	t.Helper()

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to apply schema statement %q: %v", stmt, err)
		}
	}
}

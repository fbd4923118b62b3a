package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

type queryHook struct {
	c *Checker
}

// QueryHook returns a bun hook that records every query duration and
// error on c. sql.ErrNoRows is not an error for this purpose.
func (c *Checker) QueryHook() bun.QueryHook {
	return queryHook{c: c}
}

func (h queryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h queryHook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	h.c.RecordQuery(event.Query, time.Since(event.StartTime))
	if event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows) {
		h.c.RecordError(event.Err)
	}
}

// BunTableStats returns a TableStatsFunc for db. Postgres reads the live
// tuple estimates; SQLite counts the rows of every user table.
func BunTableStats(db *bun.DB) TableStatsFunc {
	return func(ctx context.Context) ([]TableStat, error) {
		switch db.Dialect().Name() {
		case dialect.PG:
			return postgresTableStats(ctx, db)
		case dialect.SQLite:
			return sqliteTableStats(ctx, db)
		default:
			return nil, fmt.Errorf("health: table stats not supported for dialect %s", db.Dialect().Name())
		}
	}
}

func postgresTableStats(ctx context.Context, db *bun.DB) ([]TableStat, error) {
	var out []TableStat
	rows, err := db.DB.QueryContext(ctx,
		`SELECT relname, n_live_tup FROM pg_stat_user_tables ORDER BY relname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ts TableStat
		if err := rows.Scan(&ts.Name, &ts.Rows); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func sqliteTableStats(ctx context.Context, db *bun.DB) ([]TableStat, error) {
	var names []string
	rows, err := db.DB.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	out := make([]TableStat, 0, len(names))
	for _, name := range names {
		var count int64
		q := "SELECT COUNT(*) FROM " + quoteIdent(name)
		if err := db.DB.QueryRowContext(ctx, q).Scan(&count); err != nil {
			return nil, err
		}
		out = append(out, TableStat{Name: name, Rows: count})
	}
	return out, nil
}

// quoteIdent quotes a table name for SQLite, doubling embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

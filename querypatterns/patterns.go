// Package querypatterns holds reusable query helpers written against a small
// repository capability set, so they work with any entity type a
// go-repository-bun repository serves.
package querypatterns

import (
	"context"
	"errors"
	"fmt"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-cache-resilience/cache"
	"github.com/goliatone/go-cache-resilience/txmanager"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Model is the subset of repository.Repository[T] the helpers rely on.
type Model[T any] interface {
	Count(ctx context.Context, criteria ...repository.SelectCriteria) (int, error)
	List(ctx context.Context, criteria ...repository.SelectCriteria) ([]T, int, error)
	Create(ctx context.Context, record T, criteria ...repository.InsertCriteria) (T, error)
	CreateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.InsertCriteria) (T, error)
	Update(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error)
	DeleteMany(ctx context.Context, criteria ...repository.DeleteCriteria) error
}

// PatternInvalidator removes cache keys by pattern. *invalidation.Invalidator
// implements it.
type PatternInvalidator interface {
	InvalidateByPattern(ctx context.Context, pattern string) (int, error)
}

// Page is one page of a paginated listing.
type Page[T any] struct {
	Items      []T  `json:"items"`
	Total      int  `json:"total"`
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// Paginate lists page (1-based) of model. Page sizes outside 1..MaxPageSize
// are clamped, a page below 1 is treated as the first.
func Paginate[T any](ctx context.Context, model Model[T], page, pageSize int, criteria ...repository.SelectCriteria) (Page[T], error) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize < 1:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}

	offset := (page - 1) * pageSize
	limit := func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Limit(pageSize).Offset(offset)
	}

	all := append(append([]repository.SelectCriteria(nil), criteria...), limit)
	items, total, err := model.List(ctx, all...)
	if err != nil {
		return Page[T]{}, fmt.Errorf("paginate: %w", err)
	}

	pages := (total + pageSize - 1) / pageSize
	return Page[T]{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: pages,
		HasNext:    page < pages,
		HasPrev:    page > 1,
	}, nil
}

// CachedCount returns the count of model under key, computing it on a miss
// and keeping it for ttl.
func CachedCount[T any](ctx context.Context, m *cache.Manager, key string, ttl time.Duration, model Model[T], criteria ...repository.SelectCriteria) (int, error) {
	return cache.GetOrCompute[int](ctx, m, key, func(ctx context.Context) (int, error) {
		return model.Count(ctx, criteria...)
	}, cache.WithTTL(ttl))
}

// CreateManyInTx creates records in one retried transaction. Either every
// record is created or none is.
func CreateManyInTx[T any](ctx context.Context, tx *txmanager.Manager, model Model[T], records []T, opts ...txmanager.ExecOption) ([]T, error) {
	if len(records) == 0 {
		return nil, nil
	}

	created, _, err := txmanager.ExecuteValue(ctx, tx, func(ctx context.Context, tx bun.Tx) ([]T, error) {
		out := make([]T, 0, len(records))
		for i, record := range records {
			rec, err := model.CreateTx(ctx, tx, record)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			out = append(out, rec)
		}
		return out, nil
	}, opts...)
	return created, err
}

// UpdateAndInvalidate updates record and then removes the cache keys
// matching patterns. Invalidation failures are joined to the returned error
// but do not undo the update.
func UpdateAndInvalidate[T any](ctx context.Context, model Model[T], inv PatternInvalidator, record T, patterns ...string) (T, error) {
	updated, err := model.Update(ctx, record)
	if err != nil {
		var zero T
		return zero, err
	}
	return updated, invalidate(ctx, inv, patterns)
}

// DeleteManyAndInvalidate deletes the records selected by criteria and then
// removes the cache keys matching patterns.
func DeleteManyAndInvalidate[T any](ctx context.Context, model Model[T], inv PatternInvalidator, patterns []string, criteria ...repository.DeleteCriteria) error {
	if err := model.DeleteMany(ctx, criteria...); err != nil {
		return err
	}
	return invalidate(ctx, inv, patterns)
}

func invalidate(ctx context.Context, inv PatternInvalidator, patterns []string) error {
	if inv == nil {
		return nil
	}
	var errs []error
	for _, p := range patterns {
		if _, err := inv.InvalidateByPattern(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GroupCountRow is one bucket of GroupCount.
type GroupCountRow struct {
	Value string `bun:"value" json:"value"`
	Count int64  `bun:"count" json:"count"`
}

// GroupCount counts the rows of table per distinct value of column, largest
// bucket first.
func GroupCount(ctx context.Context, db bun.IDB, table, column string) ([]GroupCountRow, error) {
	if table == "" || column == "" {
		return nil, fmt.Errorf("group count: table and column are required")
	}

	var rows []GroupCountRow
	err := db.NewSelect().
		TableExpr("?", bun.Ident(table)).
		ColumnExpr("? AS value", bun.Ident(column)).
		ColumnExpr("COUNT(*) AS count").
		GroupExpr("?", bun.Ident(column)).
		OrderExpr("count DESC, value ASC").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("group count %s.%s: %w", table, column, err)
	}
	return rows, nil
}

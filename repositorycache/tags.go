package repositorycache

import (
	"context"
	"strings"
)

type cacheTagsContextKey struct{}

type cacheKeyContextKey struct{}

// WithCacheTags attaches additional cache tags to the context for read registration.
func WithCacheTags(ctx context.Context, tags ...string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(tags) == 0 {
		return ctx
	}

	existing := cacheTagsFromContext(ctx)
	combined := append(existing, tags...)
	combined = dedupeStrings(combined)
	if len(combined) == 0 {
		return ctx
	}

	return context.WithValue(ctx, cacheTagsContextKey{}, combined)
}

func cacheTagsFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	if tags, ok := ctx.Value(cacheTagsContextKey{}).([]string); ok {
		return append([]string(nil), tags...)
	}
	return nil
}

// WithCacheKey names the query of the next read so that reads with criteria
// can be cached. Reads sharing a name and arguments share a cache entry, so
// the name must capture everything the criteria select on.
func WithCacheKey(ctx context.Context, parts ...string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	name := strings.Join(parts, ":")
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, cacheKeyContextKey{}, name)
}

func cacheKeyFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(cacheKeyContextKey{}).(string)
	return name
}

// dedupeStrings drops empty and repeated values, keeping first occurrences.
func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

package invalidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/goliatone/go-cache-resilience/cache"
)

var (
	// ErrWarmingNotConfigured is returned by StartWarming before SetupWarming.
	ErrWarmingNotConfigured = errors.New("invalidation: warming not configured")

	// ErrWarmingRunning is returned by StartWarming while a loop is active.
	ErrWarmingRunning = errors.New("invalidation: warming already running")
)

// WarmItem is a key kept populated by the warming loop.
type WarmItem struct {
	Key     string
	Compute func(ctx context.Context) (any, error)
	TTL     time.Duration
	Tags    []string
}

// WarmingConfig lists the items to warm and how often.
type WarmingConfig struct {
	Interval time.Duration
	Items    []WarmItem
}

// WarmResult summarises one warming pass.
type WarmResult struct {
	Warmed int
	Failed int
	Errors map[string]error
}

// SetupWarming validates and stores cfg. It does not start the loop.
func (i *Invalidator) SetupWarming(cfg WarmingConfig) error {
	if cfg.Interval <= 0 {
		return fmt.Errorf("invalidation: warming interval must be greater than 0")
	}
	for idx, item := range cfg.Items {
		if item.Key == "" || item.Compute == nil {
			return fmt.Errorf("invalidation: warming item %d needs a key and a compute function", idx)
		}
	}

	i.warmMu.Lock()
	i.warming = WarmingConfig{
		Interval: cfg.Interval,
		Items:    append([]WarmItem(nil), cfg.Items...),
	}
	i.warmMu.Unlock()
	return nil
}

// WarmEntry computes item and stores it through the cache manager.
func (i *Invalidator) WarmEntry(ctx context.Context, item WarmItem) error {
	value, err := item.Compute(ctx)
	if err != nil {
		return fmt.Errorf("warm %q: %w", item.Key, err)
	}

	opts := []cache.SetOption{}
	if item.TTL > 0 {
		opts = append(opts, cache.WithTTL(item.TTL))
	}
	if len(item.Tags) > 0 {
		opts = append(opts, cache.WithTags(item.Tags...))
	}
	if err := i.cache.Set(ctx, item.Key, value, opts...); err != nil {
		return fmt.Errorf("warm %q: %w", item.Key, err)
	}
	return nil
}

// WarmAll warms every configured item. A failing item is logged and counted
// without stopping the others.
func (i *Invalidator) WarmAll(ctx context.Context) WarmResult {
	i.warmMu.Lock()
	items := i.warming.Items
	i.warmMu.Unlock()

	result := WarmResult{Errors: map[string]error{}}
	for _, item := range items {
		if err := i.WarmEntry(ctx, item); err != nil {
			result.Failed++
			result.Errors[item.Key] = err
			i.stats.metrics.WarmItems.WithLabelValues("failed").Inc()
			i.logger.Warn("cache warming failed", zap.String("key", item.Key), zap.Error(err))
			continue
		}
		result.Warmed++
		i.stats.metrics.WarmItems.WithLabelValues("warmed").Inc()
	}

	i.logger.Debug("cache warming pass finished",
		zap.Int("warmed", result.Warmed),
		zap.Int("failed", result.Failed),
	)
	return result
}

// StartWarming runs one warming pass immediately and then every interval
// until the returned stop function, StopWarming or Close is called, or ctx
// is done.
func (i *Invalidator) StartWarming(ctx context.Context) (func(), error) {
	i.warmMu.Lock()
	if i.warming.Interval <= 0 {
		i.warmMu.Unlock()
		return nil, ErrWarmingNotConfigured
	}
	if i.warmStop != nil {
		i.warmMu.Unlock()
		return nil, ErrWarmingRunning
	}
	interval := i.warming.Interval
	stop := make(chan struct{})
	done := make(chan struct{})
	i.warmStop = stop
	i.warmDone = done
	i.warmMu.Unlock()

	i.WarmAll(ctx)

	go func() {
		defer close(done)
		defer i.clearWarming(stop)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				i.WarmAll(ctx)
			}
		}
	}()

	i.logger.Info("cache warming started", zap.Duration("interval", interval))
	return i.StopWarming, nil
}

// StopWarming stops the warming loop and waits for it to exit. It is safe
// to call when no loop is running.
func (i *Invalidator) StopWarming() {
	i.warmMu.Lock()
	stop, done := i.warmStop, i.warmDone
	i.warmStop, i.warmDone = nil, nil
	i.warmMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	i.logger.Info("cache warming stopped")
}

// clearWarming forgets the loop owning stop when it exits on its own, so a
// loop ended by its context does not block the next StartWarming.
func (i *Invalidator) clearWarming(stop chan struct{}) {
	i.warmMu.Lock()
	if i.warmStop == stop {
		i.warmStop, i.warmDone = nil, nil
	}
	i.warmMu.Unlock()
}

// WarmingActive reports whether the warming loop is running.
func (i *Invalidator) WarmingActive() bool {
	i.warmMu.Lock()
	defer i.warmMu.Unlock()
	return i.warmStop != nil
}

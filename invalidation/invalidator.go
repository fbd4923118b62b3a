package invalidation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/goliatone/go-cache-resilience/cache"
	"github.com/goliatone/go-cache-resilience/events"
)

var (
	// ErrRuleNotFound is returned when a rule id is not registered.
	ErrRuleNotFound = errors.New("invalidation: rule not found")

	// ErrInvalidRule is returned for rules missing an id or a pattern.
	ErrInvalidRule = errors.New("invalidation: invalid rule")
)

// Rule maps trigger events to a key pattern. When Regexp is set it is used
// instead of Pattern. Dependencies are keys whose dependency graph is also
// cascaded when the rule fires.
type Rule struct {
	ID           string
	Pattern      string
	Regexp       *regexp.Regexp
	Events       []string
	Dependencies []string
	Enabled      bool
}

type ruleEntry struct {
	rule    Rule
	match   matcher
	enabled atomic.Bool
	unsubs  []func()
}

// Option configures an Invalidator.
type Option func(*Invalidator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(i *Invalidator) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithBus subscribes rules to bus. Without a bus rules only fire through
// InvalidateByEvent.
func WithBus(bus events.Bus) Option {
	return func(i *Invalidator) { i.bus = bus }
}

// WithRegisterer registers the invalidation metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(i *Invalidator) { i.registerer = reg }
}

// Invalidator turns domain events, patterns, tags and key dependencies into
// cache deletions, and runs scheduled cache warming.
//
// Patterns are matched against namespaced keys (e.g. "cache:product:*").
// The remote tier is enumerated with a cursor SCAN, so keys cached by other
// instances are matched too. Managers without a remote tier only see keys
// held in this process.
type Invalidator struct {
	cache      *cache.Manager
	bus        events.Bus
	logger     *zap.Logger
	registerer prometheus.Registerer

	rules *xsync.MapOf[string, *ruleEntry]

	depMu sync.Mutex
	deps  map[string]map[string]struct{}

	stats *recorder

	warmMu   sync.Mutex
	warming  WarmingConfig
	warmStop chan struct{}
	warmDone chan struct{}
}

// NewInvalidator creates an Invalidator over m.
func NewInvalidator(m *cache.Manager, opts ...Option) (*Invalidator, error) {
	if m == nil {
		return nil, fmt.Errorf("invalidation: cache manager is required")
	}

	inv := &Invalidator{
		cache:  m,
		logger: zap.NewNop(),
		rules:  xsync.NewMapOf[string, *ruleEntry](),
		deps:   make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.logger = inv.logger.Named("invalidation")
	inv.stats = &recorder{metrics: NewMetrics(inv.registerer)}

	return inv, nil
}

// RegisterRule stores rule and subscribes it to each of its events. A rule
// with the same id is replaced.
func (i *Invalidator) RegisterRule(rule Rule) error {
	if strings.TrimSpace(rule.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}

	var match matcher
	switch {
	case rule.Regexp != nil:
		match = matcher{re: rule.Regexp}
	case rule.Pattern != "":
		m, err := compilePattern(rule.Pattern)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRule, rule.ID, err)
		}
		match = m
	default:
		return fmt.Errorf("%w: %s: pattern is required", ErrInvalidRule, rule.ID)
	}

	rule.Events = append([]string(nil), rule.Events...)
	rule.Dependencies = append([]string(nil), rule.Dependencies...)

	entry := &ruleEntry{rule: rule, match: match}
	entry.enabled.Store(rule.Enabled)

	if i.bus != nil {
		id := rule.ID
		for _, topic := range rule.Events {
			entry.unsubs = append(entry.unsubs, i.bus.Subscribe(topic, func(ctx context.Context, evt events.Event) error {
				current, ok := i.rules.Load(id)
				if !ok || current != entry {
					return nil
				}
				start := time.Now()
				n := i.apply(ctx, current)
				i.stats.record(CauseEvent, n, time.Since(start))
				return nil
			}))
		}
	}

	if previous, loaded := i.rules.LoadAndStore(rule.ID, entry); loaded {
		previous.unsubscribe()
	}

	i.logger.Debug("registered invalidation rule",
		zap.String("rule", rule.ID),
		zap.String("pattern", match.String()),
		zap.Strings("events", rule.Events),
	)
	return nil
}

func (e *ruleEntry) unsubscribe() {
	for _, unsub := range e.unsubs {
		unsub()
	}
}

// RemoveRule unregisters the rule and its subscriptions.
func (i *Invalidator) RemoveRule(id string) bool {
	entry, ok := i.rules.LoadAndDelete(id)
	if !ok {
		return false
	}
	entry.unsubscribe()
	return true
}

// SetRuleEnabled toggles a rule without unsubscribing it.
func (i *Invalidator) SetRuleEnabled(id string, enabled bool) error {
	entry, ok := i.rules.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	entry.enabled.Store(enabled)
	return nil
}

// Rules returns the registered rules sorted by id.
func (i *Invalidator) Rules() []Rule {
	var rules []Rule
	i.rules.Range(func(_ string, entry *ruleEntry) bool {
		r := entry.rule
		r.Enabled = entry.enabled.Load()
		rules = append(rules, r)
		return true
	})
	sort.Slice(rules, func(a, b int) bool { return rules[a].ID < rules[b].ID })
	return rules
}

// apply runs an enabled rule and cascades its dependencies. Disabled rules
// remove nothing.
func (i *Invalidator) apply(ctx context.Context, entry *ruleEntry) int {
	if !entry.enabled.Load() {
		return 0
	}

	n := i.removeMatching(ctx, entry.match)
	for _, dep := range entry.rule.Dependencies {
		n += i.cascade(ctx, dep)
	}

	i.logger.Debug("invalidation rule fired",
		zap.String("rule", entry.rule.ID),
		zap.Int("keys", n),
	)
	return n
}

// InvalidateByEvent runs every enabled rule listening to event, as if the
// event had been published.
func (i *Invalidator) InvalidateByEvent(ctx context.Context, event string) (int, error) {
	start := time.Now()
	total := 0

	i.rules.Range(func(_ string, entry *ruleEntry) bool {
		for _, e := range entry.rule.Events {
			if e == event {
				total += i.apply(ctx, entry)
				break
			}
		}
		return true
	})

	i.stats.record(CauseEvent, total, time.Since(start))
	return total, nil
}

// InvalidateByPattern removes keys matching pattern. A pattern containing
// "*" or "?" is a glob over namespaced keys, anything else is deleted as an
// exact namespaced key.
func (i *Invalidator) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return 0, fmt.Errorf("invalidation: empty pattern")
	}
	match, err := compilePattern(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalidation: pattern %q: %w", pattern, err)
	}

	start := time.Now()
	n := i.removeMatching(ctx, match)
	i.stats.record(CausePattern, n, time.Since(start))
	return n, nil
}

// InvalidateByRegexp removes namespaced keys matching re.
func (i *Invalidator) InvalidateByRegexp(ctx context.Context, re *regexp.Regexp) (int, error) {
	if re == nil {
		return 0, fmt.Errorf("invalidation: nil regexp")
	}
	start := time.Now()
	n := i.removeMatching(ctx, matcher{re: re})
	i.stats.record(CausePattern, n, time.Since(start))
	return n, nil
}

func (i *Invalidator) removeMatching(ctx context.Context, match matcher) int {
	if match.re == nil {
		i.cache.DeleteNamespaced(ctx, match.exact)
		return 1
	}

	var keys []string
	for _, key := range i.cache.NamespacedKeys(ctx) {
		if match.re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	i.cache.DeleteNamespaced(ctx, keys...)
	return len(keys)
}

// InvalidateByTag removes every key recorded under tag.
func (i *Invalidator) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	start := time.Now()
	n, err := i.cache.InvalidateByTag(ctx, tag)
	if err != nil {
		return 0, err
	}
	i.stats.record(CauseTag, n, time.Since(start))
	return n, nil
}

// RegisterDependency records that dependent must be invalidated whenever
// dependsOn is.
func (i *Invalidator) RegisterDependency(dependsOn, dependent string) {
	i.depMu.Lock()
	defer i.depMu.Unlock()

	set, ok := i.deps[dependsOn]
	if !ok {
		set = make(map[string]struct{})
		i.deps[dependsOn] = set
	}
	set[dependent] = struct{}{}
}

// Dependents returns the direct dependents of key.
func (i *Invalidator) Dependents(key string) []string {
	i.depMu.Lock()
	defer i.depMu.Unlock()

	out := make([]string, 0, len(i.deps[key]))
	for k := range i.deps[key] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// InvalidateByDependency removes key and every key that transitively
// depends on it. Each key is removed once even with cycles or diamonds; the
// count includes key itself.
func (i *Invalidator) InvalidateByDependency(ctx context.Context, key string) (int, error) {
	start := time.Now()
	n := i.cascade(ctx, key)
	i.stats.record(CauseDependency, n, time.Since(start))
	return n, nil
}

func (i *Invalidator) cascade(ctx context.Context, root string) int {
	keys := i.collect(root)
	i.cache.Delete(ctx, keys...)
	return len(keys)
}

// collect walks the graph breadth first from root.
func (i *Invalidator) collect(root string) []string {
	i.depMu.Lock()
	defer i.depMu.Unlock()

	visited := map[string]struct{}{root: {}}
	order := []string{root}
	queue := []string{root}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		next := make([]string, 0, len(i.deps[current]))
		for k := range i.deps[current] {
			next = append(next, k)
		}
		sort.Strings(next)

		for _, k := range next {
			if _, seen := visited[k]; seen {
				continue
			}
			visited[k] = struct{}{}
			order = append(order, k)
			queue = append(queue, k)
		}
	}
	return order
}

// Stats returns a snapshot of the invalidation counters.
func (i *Invalidator) Stats() Stats {
	return i.stats.snapshot()
}

// ResetStats zeroes the counters.
func (i *Invalidator) ResetStats() {
	i.stats.reset()
}

// Close unsubscribes every rule and stops warming.
func (i *Invalidator) Close() error {
	i.StopWarming()
	i.rules.Range(func(id string, entry *ruleEntry) bool {
		entry.unsubscribe()
		i.rules.Delete(id)
		return true
	})
	return nil
}

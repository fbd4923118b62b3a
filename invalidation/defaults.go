package invalidation

import (
	"regexp"

	"github.com/goliatone/go-cache-resilience/events"
)

// DefaultRules returns the rule set wired to the storefront domain events.
// Patterns are built under prefix, the cache manager key prefix.
func DefaultRules(prefix string) []Rule {
	p := regexp.QuoteMeta(prefix)
	return []Rule{
		{
			ID:           "product-changes",
			Pattern:      prefix + "product:*",
			Events:       []string{events.ProductCreated, events.ProductUpdated, events.ProductDeleted},
			Dependencies: []string{"products"},
			Enabled:      true,
		},
		{
			ID:      "category-changes",
			Regexp:  regexp.MustCompile(`^` + p + `(category:.*|product:list:.*)$`),
			Events:  []string{events.CategoryUpdated},
			Enabled: true,
		},
		{
			ID:      "order-changes",
			Pattern: prefix + "order:*",
			Events:  []string{events.OrderCreated, events.OrderUpdated},
			Enabled: true,
		},
		{
			ID:      "inventory-changes",
			Regexp:  regexp.MustCompile(`^` + p + `(inventory:.*|product:[^:]+:stock)$`),
			Events:  []string{events.InventoryUpdated},
			Enabled: true,
		},
		{
			ID:      "banner-changes",
			Pattern: prefix + "banner:*",
			Events:  []string{events.BannerUpdated},
			Enabled: true,
		},
		{
			ID:      "settings-changes",
			Pattern: prefix + "settings*",
			Events:  []string{events.SettingsUpdated},
			Enabled: true,
		},
		{
			ID:      "wishlist-changes",
			Pattern: prefix + "wishlist:*",
			Events:  []string{events.WishlistUpdated},
			Enabled: true,
		},
	}
}

// RegisterDefaultRules registers DefaultRules for the manager prefix.
func (i *Invalidator) RegisterDefaultRules() error {
	for _, rule := range DefaultRules(i.cache.Prefix()) {
		if err := i.RegisterRule(rule); err != nil {
			return err
		}
	}
	return nil
}

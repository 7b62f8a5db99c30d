package cache

import (
	"strings"
	"time"

	"github.com/smallbiznis/creditmeter/internal/clock"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
)

const defaultTableTTL = 30 * time.Second

var pricingTableKey = cacheKey("pricing", "table")

// PricingTableCache stores the merged pricing table on the usage hot path.
type PricingTableCache interface {
	GetTable() (pricingdomain.Table, bool)
	SetTable(table pricingdomain.Table)
	Invalidate()
}

type pricingTableCache struct {
	tables Cache[string, pricingdomain.Table]
	ttl    time.Duration
}

// NewPricingTableCache returns an in-memory cache with the given ttl; a
// non-positive ttl uses the default.
func NewPricingTableCache(clk clock.Clock, ttl time.Duration) PricingTableCache {
	if ttl <= 0 {
		ttl = defaultTableTTL
	}
	return &pricingTableCache{
		tables: NewTTLCache[string, pricingdomain.Table](clk),
		ttl:    ttl,
	}
}

func (c *pricingTableCache) GetTable() (pricingdomain.Table, bool) {
	return c.tables.Get(pricingTableKey)
}

func (c *pricingTableCache) SetTable(table pricingdomain.Table) {
	if len(table.Rules) == 0 {
		return
	}
	c.tables.Set(pricingTableKey, table, c.ttl)
}

func (c *pricingTableCache) Invalidate() {
	c.tables.Delete(pricingTableKey)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}

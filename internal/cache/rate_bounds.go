package cache

import (
	"time"

	"go.uber.org/fx"
)

const defaultRateBoundsTTL = 10 * time.Minute

// RateBounds is the cached tariff envelope of one branch.
type RateBounds struct {
	BranchCode  string
	MaximumRate int64
	MinimumRate int64
}

// RateBoundsCache stores per-branch tariff bounds. Entries are invalidated on
// every branch or operator sync and repopulated lazily from the rating engine.
type RateBoundsCache struct {
	bounds *TTLCache[string, RateBounds]
	ttl    time.Duration
}

func NewRateBoundsCache() *RateBoundsCache {
	return &RateBoundsCache{
		bounds: NewTTLCache[string, RateBounds](),
		ttl:    defaultRateBoundsTTL,
	}
}

func (c *RateBoundsCache) Get(branchCode string) (RateBounds, bool) {
	return c.bounds.Get(branchCode)
}

func (c *RateBoundsCache) Set(bounds RateBounds) {
	if bounds.BranchCode == "" {
		return
	}
	c.bounds.Set(bounds.BranchCode, bounds, c.ttl)
}

func (c *RateBoundsCache) Invalidate(branchCode string) {
	c.bounds.Delete(branchCode)
}

var Module = fx.Module("cache",
	fx.Provide(NewRateBoundsCache),
)

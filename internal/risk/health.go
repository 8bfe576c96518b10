package risk

import (
	"sync"
	"time"

	"perp-arb/pkg/types"
)

// HealthItem is one venue's probe state.
type HealthItem struct {
	OK          bool   `json:"ok"`
	FailCount   int    `json:"fail_count"`
	LastOkMs    int64  `json:"last_ok_ms"`
	LastCheckMs int64  `json:"last_check_ms"`
	Message     string `json:"message"`
}

// HealthGuard throttles venue health probes and turns their results into a
// single can-open verdict. Probes are cached for CacheMs so the hot loop
// does not hammer the venues' status endpoints.
type HealthGuard struct {
	failThreshold int
	cacheMs       int64

	mu    sync.Mutex
	items map[types.Venue]*HealthItem
	now   func() time.Time
}

// NewHealthGuard builds the guard from the configured threshold and cache.
func NewHealthGuard(failThreshold, cacheMs int) *HealthGuard {
	return &HealthGuard{
		failThreshold: failThreshold,
		cacheMs:       int64(cacheMs),
		items:         make(map[types.Venue]*HealthItem),
		now:           time.Now,
	}
}

// ShouldCheck reports whether a venue's cached probe result has expired.
// Venues never probed always need a check.
func (g *HealthGuard) ShouldCheck(venue types.Venue) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	item, ok := g.items[venue]
	if !ok {
		return true
	}
	return g.now().UnixMilli()-item.LastCheckMs >= g.cacheMs
}

// Update records one probe result. A pass resets the failure streak.
func (g *HealthGuard) Update(venue types.Venue, ok bool, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli()
	item, exists := g.items[venue]
	if !exists {
		item = &HealthItem{}
		g.items[venue] = item
	}
	item.LastCheckMs = now
	item.OK = ok
	item.Message = message
	if ok {
		item.FailCount = 0
		item.LastOkMs = now
	} else {
		item.FailCount++
	}
}

// CanOpen reports whether every tracked venue is currently healthy and below
// its failure threshold. No venues tracked means no basis to open.
func (g *HealthGuard) CanOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.items) == 0 {
		return false
	}
	for _, item := range g.items {
		if item.FailCount >= g.failThreshold {
			return false
		}
		if !item.OK {
			return false
		}
	}
	return true
}

// Summary returns a copy of the per-venue state for the status API.
func (g *HealthGuard) Summary() map[types.Venue]HealthItem {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[types.Venue]HealthItem, len(g.items))
	for venue, item := range g.items {
		out[venue] = *item
	}
	return out
}

// Package market keeps per-symbol top-of-book state and discovers
// tradable symbols across both venues.
//
// BookCache holds four quote slots per symbol (venue × transport). The
// strategy always reads through EffectivePair, which prefers the
// WebSocket quote and falls back to the REST snapshot, so a hiccup on
// one transport degrades freshness instead of blanking the book.
package market

import (
	"sync"
	"time"

	"perp-arb/pkg/types"
)

type bookSlots struct {
	aWS   *types.BBO
	aREST *types.BBO
	bWS   *types.BBO
	bREST *types.BBO
}

// BookCache is the concurrency-safe quote store for all active symbols.
type BookCache struct {
	mu      sync.RWMutex
	staleMs int64
	books   map[string]*bookSlots
	now     func() time.Time
}

// NewBookCache creates a cache that considers a WebSocket quote stale
// once it is older than staleMs milliseconds.
func NewBookCache(staleMs int64) *BookCache {
	return &BookCache{
		staleMs: staleMs,
		books:   make(map[string]*bookSlots),
		now:     time.Now,
	}
}

func (c *BookCache) slotsFor(symbol string) *bookSlots {
	s, ok := c.books[symbol]
	if !ok {
		s = &bookSlots{}
		c.books[symbol] = s
	}
	return s
}

// UpdateWS overwrites the WebSocket slot for one venue leg.
func (c *BookCache) UpdateWS(symbol string, venue types.Venue, bbo types.BBO) {
	c.update(symbol, venue, types.ChannelWS, bbo)
}

// UpdateREST overwrites the REST slot for one venue leg.
func (c *BookCache) UpdateREST(symbol string, venue types.Venue, bbo types.BBO) {
	c.update(symbol, venue, types.ChannelREST, bbo)
}

func (c *BookCache) update(symbol string, venue types.Venue, ch types.BookChannel, bbo types.BBO) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.slotsFor(symbol)
	quote := bbo
	switch {
	case venue == types.VenueA && ch == types.ChannelWS:
		s.aWS = &quote
	case venue == types.VenueA && ch == types.ChannelREST:
		s.aREST = &quote
	case venue == types.VenueB && ch == types.ChannelWS:
		s.bWS = &quote
	case venue == types.VenueB && ch == types.ChannelREST:
		s.bREST = &quote
	}
}

// Get returns a copy of the quote in one slot, or nil if the slot is empty.
func (c *BookCache) Get(symbol string, venue types.Venue, ch types.BookChannel) *types.BBO {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.books[symbol]
	if !ok {
		return nil
	}
	var src *types.BBO
	switch {
	case venue == types.VenueA && ch == types.ChannelWS:
		src = s.aWS
	case venue == types.VenueA && ch == types.ChannelREST:
		src = s.aREST
	case venue == types.VenueB && ch == types.ChannelWS:
		src = s.bWS
	case venue == types.VenueB && ch == types.ChannelREST:
		src = s.bREST
	}
	if src == nil {
		return nil
	}
	quote := *src
	return &quote
}

// EffectivePair returns the best available quote for each leg, preferring
// WebSocket over REST. ok is false when either leg has no quote at all.
func (c *BookCache) EffectivePair(symbol string) (a, b types.BBO, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, exists := c.books[symbol]
	if !exists {
		return types.BBO{}, types.BBO{}, false
	}
	aSrc := s.aWS
	if aSrc == nil {
		aSrc = s.aREST
	}
	bSrc := s.bWS
	if bSrc == nil {
		bSrc = s.bREST
	}
	if aSrc == nil || bSrc == nil {
		return types.BBO{}, types.BBO{}, false
	}
	return *aSrc, *bSrc, true
}

// IsStale reports whether either WebSocket slot is missing or older than
// the configured staleness window. REST snapshots never satisfy
// freshness on their own.
func (c *BookCache) IsStale(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.books[symbol]
	if !ok {
		return true
	}
	cutoff := c.now().Add(-time.Duration(c.staleMs) * time.Millisecond)
	for _, slot := range []*types.BBO{s.aWS, s.bWS} {
		if slot == nil || slot.Ts.Before(cutoff) {
			return true
		}
	}
	return false
}

// Symbols returns the symbols the cache holds any state for.
func (c *BookCache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.books))
	for sym := range c.books {
		out = append(out, sym)
	}
	return out
}

// Package freshness classifies cache entries as fresh, stale or missing.
package freshness

import (
	"time"

	"factcache/config"
	"factcache/internal/core"
)

// State is the freshness classification of a lookup.
type State int

const (
	// Miss means no entry exists.
	Miss State = iota
	// Fresh means now < expires_at.
	Fresh
	// Stale means now >= expires_at.
	Stale
)

func (s State) String() string {
	switch s {
	case Miss:
		return "miss"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// DefaultTTL is used for kinds without a TTL when the policy has no default.
const DefaultTTL = 24 * time.Hour

// Policy owns the per-kind TTLs.
type Policy struct {
	ttls       map[string]time.Duration
	defaultTTL time.Duration
}

// NewPolicy creates a policy. Non-positive TTLs fall back to defaultTTL,
// and a non-positive defaultTTL falls back to DefaultTTL.
func NewPolicy(ttls map[string]time.Duration, defaultTTL time.Duration) *Policy {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	p := &Policy{ttls: make(map[string]time.Duration, len(ttls)), defaultTTL: defaultTTL}
	for kind, ttl := range ttls {
		if ttl > 0 {
			p.ttls[kind] = ttl
		}
	}
	return p
}

// FromConfig builds a policy from the kinds and cache sections.
func FromConfig(cfg *config.Config) *Policy {
	ttls := make(map[string]time.Duration, len(cfg.Kinds))
	for kind, kc := range cfg.Kinds {
		ttls[kind] = kc.TTL
	}
	return NewPolicy(ttls, cfg.Cache.DefaultTTL)
}

// TTL returns the time-to-live for kind.
func (p *Policy) TTL(kind string) time.Duration {
	if ttl, ok := p.ttls[kind]; ok {
		return ttl
	}
	return p.defaultTTL
}

// ExpiresAt returns when an entry of kind written at writtenAt expires.
func (p *Policy) ExpiresAt(kind string, writtenAt time.Time) time.Time {
	return writtenAt.Add(p.TTL(kind))
}

// Classify returns the state of entry at now. A nil entry is a Miss.
func Classify(entry *core.CacheEntry, now time.Time) State {
	if entry == nil {
		return Miss
	}
	if now.Before(entry.ExpiresAt) {
		return Fresh
	}
	return Stale
}

// StaleFor returns how long entry has been expired at now, or zero while
// it is still fresh.
func StaleFor(entry *core.CacheEntry, now time.Time) time.Duration {
	if entry == nil || now.Before(entry.ExpiresAt) {
		return 0
	}
	return now.Sub(entry.ExpiresAt)
}

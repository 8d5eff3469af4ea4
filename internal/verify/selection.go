package verify

import (
	"strings"

	"factcache/internal/core"
)

// Selection picks the records of one sweep. Exactly one mode must be set.
type Selection struct {
	// IDs verifies these records. Unknown ids are reported as failures.
	IDs []string `json:"ids,omitempty"`
	// StaleDays verifies records never auto-verified or last auto-verified
	// more than this many days ago.
	StaleDays *int `json:"stale_days,omitempty"`
	// All verifies every record.
	All bool `json:"all,omitempty"`
}

// Mode names the selected mode for logs and metrics.
func (s Selection) Mode() string {
	switch {
	case len(s.IDs) > 0:
		return "ids"
	case s.StaleDays != nil:
		return "stale_days"
	case s.All:
		return "all"
	default:
		return "none"
	}
}

// Validate checks that exactly one mode is set.
func (s Selection) Validate() error {
	modes := 0
	if len(s.IDs) > 0 {
		modes++
	}
	if s.StaleDays != nil {
		modes++
	}
	if s.All {
		modes++
	}
	if modes != 1 {
		return core.NewInvalidRequestError("exactly one of ids, stale_days or all must be set", nil)
	}
	if s.StaleDays != nil && *s.StaleDays < 0 {
		return core.NewInvalidRequestError("stale_days must not be negative", nil)
	}
	for _, id := range s.IDs {
		if strings.TrimSpace(id) == "" {
			return core.NewInvalidRequestError("ids must not contain empty values", nil)
		}
	}
	return nil
}

// IDsSelection selects the given ids.
func IDsSelection(ids ...string) Selection {
	return Selection{IDs: ids}
}

// StaleSelection selects records not verified in the last days days.
func StaleSelection(days int) Selection {
	return Selection{StaleDays: &days}
}

// AllSelection selects every record.
func AllSelection() Selection {
	return Selection{All: true}
}

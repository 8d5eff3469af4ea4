package verify

import (
	"time"

	"factcache/internal/core"
)

// Failure is one record that could not be verified.
type Failure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Report summarises one sweep.
type Report struct {
	TotalSelected int       `json:"total_selected"`
	Succeeded     int       `json:"succeeded"`
	Failed        []Failure `json:"failed"`
	TimedOut      bool      `json:"timed_out"`
	Remaining     int       `json:"remaining"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Err returns a batch timeout error when the deadline stopped the sweep,
// a partial batch error when some records failed, and nil otherwise.
func (r *Report) Err() error {
	switch {
	case r.TimedOut:
		return core.NewBatchTimeoutError(r.Succeeded+len(r.Failed), r.Remaining)
	case len(r.Failed) > 0:
		return core.NewPartialBatchError(len(r.Failed), r.TotalSelected)
	default:
		return nil
	}
}

func (r *Report) fail(id, reason string) {
	r.Failed = append(r.Failed, Failure{ID: id, Reason: reason})
}

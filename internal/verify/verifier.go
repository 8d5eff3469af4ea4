// Package verify re-verifies catalog records against the upstream provider
// in bounded sweeps. A sweep runs records one at a time, paced by a rate
// limiter, and stops at a hard deadline; whatever it committed before that
// stays committed.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"factcache/config"
	"factcache/internal/catalog"
	"factcache/internal/core"
	"factcache/internal/observability"
)

// Defaults applied to zero Config values.
const (
	DefaultKind          = "verification"
	DefaultDeadline      = 5 * time.Minute
	DefaultRecordTimeout = 45 * time.Second
	DefaultInterval      = 500 * time.Millisecond
)

// saveTimeout bounds the catalog write after a successful fetch.
const saveTimeout = 10 * time.Second

// reasonNotFound is the failure reason for unknown ids.
const reasonNotFound = "record not found"

// Config holds verifier settings.
type Config struct {
	// Kind is the provider kind asked about each record.
	Kind string
	// Deadline bounds a whole sweep.
	Deadline time.Duration
	// RecordTimeout bounds the fetch for one record.
	RecordTimeout time.Duration
	// Interval is the minimum spacing between provider calls.
	Interval time.Duration
	// Clock defaults to core.SystemClock.
	Clock core.Clock
}

// ConfigFrom maps the verify config section onto Config.
func ConfigFrom(cfg config.VerifyConfig) Config {
	return Config{
		Kind:          cfg.Kind,
		Deadline:      cfg.Deadline,
		RecordTimeout: cfg.RecordTimeout,
		Interval:      cfg.Interval,
	}
}

// Verifier runs verification sweeps over a catalog.
type Verifier struct {
	store         catalog.Store
	fetcher       core.Fetcher
	kind          string
	deadline      time.Duration
	recordTimeout time.Duration
	limiter       *rate.Limiter
	clock         core.Clock
	group         singleflight.Group
}

// New creates a verifier. The limiter is shared by every sweep the
// verifier runs, so concurrent sweeps do not add up their call rates.
func New(store catalog.Store, fetcher core.Fetcher, cfg Config) (*Verifier, error) {
	if store == nil {
		return nil, fmt.Errorf("catalog store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Kind == "" {
		cfg.Kind = DefaultKind
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultRecordTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock{}
	}
	return &Verifier{
		store:         store,
		fetcher:       fetcher,
		kind:          cfg.Kind,
		deadline:      cfg.Deadline,
		recordTimeout: cfg.RecordTimeout,
		limiter:       rate.NewLimiter(rate.Every(cfg.Interval), 1),
		clock:         cfg.Clock,
	}, nil
}

// Verify runs one sweep. Per-record failures and the deadline are reported
// in the Report, not as an error; use Report.Err to turn them into one.
// An error is returned for an invalid selection, a failed catalog read, or
// a caller that gave up before the sweep finished.
func (v *Verifier) Verify(ctx context.Context, sel Selection) (*Report, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	report := &Report{StartedAt: v.clock.Now(), Failed: []Failure{}}
	sweepCtx, cancel := context.WithTimeout(ctx, v.deadline)
	defer cancel()

	records, err := v.selectRecords(sweepCtx, sel, report)
	if err != nil {
		if ctx.Err() == nil && sweepCtx.Err() != nil {
			return v.timedOut(report), nil
		}
		return nil, err
	}
	report.TotalSelected += len(records)

	slog.Info("verification sweep started",
		"mode", sel.Mode(),
		"selected", report.TotalSelected,
		"deadline", v.deadline,
	)

	for i, rec := range records {
		if !v.verifyRecord(sweepCtx, rec, report) {
			report.Remaining = len(records) - i
			break
		}
	}
	report.FinishedAt = v.clock.Now()

	if report.Remaining > 0 {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("verification sweep interrupted: %w", err)
		}
		return v.timedOut(report), nil
	}

	slog.Info("verification sweep finished",
		"selected", report.TotalSelected,
		"succeeded", report.Succeeded,
		"failed", len(report.Failed),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	return report, nil
}

func (v *Verifier) timedOut(report *Report) *Report {
	report.FinishedAt = v.clock.Now()
	report.TimedOut = true
	observability.BatchTimeouts.Inc()
	slog.Warn("verification sweep hit its deadline",
		"succeeded", report.Succeeded,
		"failed", len(report.Failed),
		"remaining", report.Remaining,
	)
	return report
}

// VerifyOne verifies a single record. Concurrent calls for the same id
// share one sweep and its report. The shared sweep is detached from any
// single caller's cancellation; each caller stops waiting when its own
// context ends.
func (v *Verifier) VerifyOne(ctx context.Context, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, core.NewInvalidRequestError("record id is required", nil)
	}
	ch := v.group.DoChan(id, func() (any, error) {
		return v.Verify(context.WithoutCancel(ctx), IDsSelection(id))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Report), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("verify %s: %w", id, ctx.Err())
	}
}

// selectRecords resolves sel against the catalog. Unknown ids are added to
// report as failures.
func (v *Verifier) selectRecords(ctx context.Context, sel Selection, report *Report) ([]*catalog.Record, error) {
	switch {
	case len(sel.IDs) > 0:
		ids := make([]string, 0, len(sel.IDs))
		seen := make(map[string]struct{}, len(sel.IDs))
		for _, id := range sel.IDs {
			id = strings.TrimSpace(id)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		found, err := v.store.ListByIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("select records: %w", err)
		}
		byID := make(map[string]*catalog.Record, len(found))
		for _, r := range found {
			byID[r.ID] = r
		}
		records := make([]*catalog.Record, 0, len(found))
		for _, id := range ids {
			if r, ok := byID[id]; ok {
				records = append(records, r)
				continue
			}
			report.TotalSelected++
			report.fail(id, reasonNotFound)
			observability.BatchRecords.WithLabelValues("failed").Inc()
		}
		return records, nil

	case sel.StaleDays != nil:
		cutoff := v.clock.Now().AddDate(0, 0, -*sel.StaleDays)
		records, err := v.store.SelectStale(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("select stale records: %w", err)
		}
		return records, nil

	default:
		records, err := v.store.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("select records: %w", err)
		}
		return records, nil
	}
}

// verifyRecord checks one record and updates report. It returns false when
// the sweep context ended before the record was settled; that record is
// then counted as remaining.
func (v *Verifier) verifyRecord(ctx context.Context, rec *catalog.Record, report *Report) bool {
	if ctx.Err() != nil {
		return false
	}
	if err := v.limiter.Wait(ctx); err != nil {
		// Also fails when the next slot lies beyond the deadline.
		return false
	}

	rctx, cancel := context.WithTimeout(ctx, v.recordTimeout)
	res, err := v.fetcher.Fetch(rctx, v.kind, recordRequest(rec))
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		v.recordFailure(report, rec.ID, err.Error())
		return true
	}

	verification, err := parseVerification(res)
	if err != nil {
		v.recordFailure(report, rec.ID, err.Error())
		return true
	}
	verification.VerifiedAt = v.clock.Now()

	// The answer is already paid for; persist it even if the deadline fires now.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	err = v.store.SaveVerification(sctx, rec.ID, verification)
	cancel()
	if err != nil {
		reason := fmt.Sprintf("save verification: %v", err)
		if errors.Is(err, catalog.ErrNotFound) {
			reason = reasonNotFound
		}
		v.recordFailure(report, rec.ID, reason)
		return true
	}

	report.Succeeded++
	observability.BatchRecords.WithLabelValues("succeeded").Inc()
	slog.Debug("record verified", "id", rec.ID, "status", verification.Status)
	return true
}

func (v *Verifier) recordFailure(report *Report, id, reason string) {
	report.fail(id, reason)
	observability.BatchRecords.WithLabelValues("failed").Inc()
	slog.Warn("record verification failed", "id", id, "reason", reason)
}

// recordRequest is the structured lookup sent for a record.
func recordRequest(rec *catalog.Record) core.Request {
	return core.Request{
		"name":         rec.Name,
		"organization": rec.Organization,
		"region":       rec.Region,
		"url":          rec.URL,
	}
}

// parseVerification reads {"status": ..., "notes": ...} from the payload.
// Citations and an optional "sources" array become the record's sources.
func parseVerification(res *core.FetchResult) (catalog.Verification, error) {
	if res == nil || !gjson.ValidBytes(res.Payload) {
		return catalog.Verification{}, fmt.Errorf("unparseable verification payload")
	}
	answer := gjson.ParseBytes(res.Payload)
	if !answer.IsObject() {
		return catalog.Verification{}, fmt.Errorf("unparseable verification payload: not a JSON object")
	}

	v := catalog.Verification{
		Status: catalog.NormalizeStatus(answer.Get("status").String()),
	}
	if notes := strings.TrimSpace(answer.Get("notes").String()); notes != "" {
		v.Notes = &notes
	}

	seen := make(map[string]struct{})
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" {
			return
		}
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		v.Sources = append(v.Sources, u)
	}
	for _, c := range res.Citations {
		add(c)
	}
	answer.Get("sources").ForEach(func(_, s gjson.Result) bool {
		add(s.String())
		return true
	})
	return v, nil
}

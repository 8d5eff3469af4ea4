// Package server provides HTTP handlers and server setup for the fact cache.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"factcache/internal/catalog"
	"factcache/internal/core"
	"factcache/internal/refresh"
	"factcache/internal/scheduler"
	"factcache/internal/verify"
)

// FactReader answers fact lookups through the cache.
type FactReader interface {
	Get(ctx context.Context, kind string, req core.Request, opts refresh.Options) (*core.Result, error)
}

// Verifier runs catalog verification sweeps.
type Verifier interface {
	Verify(ctx context.Context, sel verify.Selection) (*verify.Report, error)
	VerifyOne(ctx context.Context, id string) (*verify.Report, error)
}

// JobQueue runs verification sweeps in the background.
type JobQueue interface {
	Submit(sel verify.Selection) (*scheduler.Job, error)
	Get(id string) (*scheduler.Job, bool)
}

// RecordReader reads catalog records.
type RecordReader interface {
	Get(ctx context.Context, id string) (*catalog.Record, error)
	List(ctx context.Context, limit int, after string) ([]*catalog.Record, error)
}

// Services are the components the handlers dispatch to.
// Nil components disable their routes with 503.
type Services struct {
	Facts    FactReader
	Verifier Verifier
	Jobs     JobQueue
	Records  RecordReader
}

// Handler holds the HTTP handlers
type Handler struct {
	services Services
}

// NewHandler creates a new handler with the given services
func NewHandler(services Services) *Handler {
	return &Handler{services: services}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// LookupFact handles POST /v1/facts/:kind
// The body is the structured request; ?fresh=true forces a synchronous
// refresh of a stale entry.
func (h *Handler) LookupFact(c echo.Context) error {
	if h.services.Facts == nil {
		return unavailable(c, "fact lookups are not configured")
	}

	kind := strings.TrimSpace(c.Param("kind"))
	if kind == "" {
		return handleError(c, core.NewInvalidRequestError("kind is required", nil))
	}

	var req core.Request
	if err := decodeBody(c, &req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	if len(req) == 0 {
		return handleError(c, core.NewInvalidRequestError("request body must be a non-empty JSON object", nil))
	}

	fresh, err := boolParam(c, "fresh")
	if err != nil {
		return handleError(c, err)
	}

	result, err := h.services.Facts.Get(c.Request().Context(), kind, req, refresh.Options{RequireFresh: fresh})
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Verify handles POST /admin/verify
// With ?async=true the sweep is queued and 202 with the job id is returned.
// Otherwise the report is returned, with 202 when the deadline cut it short.
func (h *Handler) Verify(c echo.Context) error {
	if h.services.Verifier == nil {
		return unavailable(c, "verification is not configured")
	}

	var sel verify.Selection
	if err := decodeBody(c, &sel); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	if err := sel.Validate(); err != nil {
		return handleError(c, err)
	}

	async, err := boolParam(c, "async")
	if err != nil {
		return handleError(c, err)
	}
	if async {
		if h.services.Jobs == nil {
			return unavailable(c, "background verification is not configured")
		}
		job, err := h.services.Jobs.Submit(sel)
		if err != nil {
			return handleError(c, err)
		}
		return c.JSON(http.StatusAccepted, map[string]string{
			"job_id": job.ID,
			"status": string(job.Status),
		})
	}

	report, err := h.services.Verifier.Verify(c.Request().Context(), sel)
	if err != nil {
		return handleError(c, err)
	}
	return reportJSON(c, report)
}

// GetJob handles GET /admin/verify/jobs/:id
func (h *Handler) GetJob(c echo.Context) error {
	if h.services.Jobs == nil {
		return unavailable(c, "background verification is not configured")
	}
	job, ok := h.services.Jobs.Get(c.Param("id"))
	if !ok {
		return notFound(c, "job not found")
	}
	return c.JSON(http.StatusOK, job)
}

// ListRecords handles GET /admin/records
func (h *Handler) ListRecords(c echo.Context) error {
	if h.services.Records == nil {
		return unavailable(c, "catalog is not configured")
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return handleError(c, core.NewInvalidRequestError("limit must be a non-negative integer", err))
		}
		limit = n
	}

	records, err := h.services.Records.List(c.Request().Context(), limit, c.QueryParam("after"))
	if err != nil {
		return handleError(c, err)
	}
	if records == nil {
		records = []*catalog.Record{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"records": records})
}

// GetRecord handles GET /admin/records/:id
func (h *Handler) GetRecord(c echo.Context) error {
	if h.services.Records == nil {
		return unavailable(c, "catalog is not configured")
	}
	rec, err := h.services.Records.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// VerifyRecord handles POST /admin/records/:id/verify
func (h *Handler) VerifyRecord(c echo.Context) error {
	if h.services.Verifier == nil {
		return unavailable(c, "verification is not configured")
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	if h.services.Records != nil {
		if _, err := h.services.Records.Get(ctx, id); err != nil {
			return handleError(c, err)
		}
	}

	report, err := h.services.Verifier.VerifyOne(ctx, id)
	if err != nil {
		return handleError(c, err)
	}
	return reportJSON(c, report)
}

func reportJSON(c echo.Context, report *verify.Report) error {
	status := http.StatusOK
	if report.TimedOut {
		status = http.StatusAccepted
	}
	return c.JSON(status, report)
}

// decodeBody reads a JSON body. Numbers stay json.Number so key derivation
// sees them exactly as sent.
func decodeBody(c echo.Context, v interface{}) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	return dec.Decode(v)
}

func boolParam(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, core.NewInvalidRequestError(name+" must be a boolean", err)
	}
	return v, nil
}

// handleError converts fact cache errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var factErr *core.FactError
	if errors.As(err, &factErr) {
		return c.JSON(factErr.HTTPStatusCode(), factErr.ToJSON())
	}

	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return notFound(c, "record not found")
	case errors.Is(err, scheduler.ErrQueueClosed), errors.Is(err, refresh.ErrClosed):
		return unavailable(c, "service is shutting down")
	}

	// Fallback for unexpected errors
	return c.JSON(http.StatusInternalServerError, errorBody("internal_error", "an unexpected error occurred"))
}

func notFound(c echo.Context, message string) error {
	return c.JSON(http.StatusNotFound, errorBody(string(core.ErrorTypeNotFound), message))
}

func unavailable(c echo.Context, message string) error {
	return c.JSON(http.StatusServiceUnavailable, errorBody("unavailable_error", message))
}

func errorBody(errType, message string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	}
}

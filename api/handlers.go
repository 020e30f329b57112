/*
handlers.go - HTTP API handlers for the budget ledger

PURPOSE:
  Exposes budget.Ledger over REST. Handles HTTP request/response, JSON
  serialization, and delegates every decision to the ledger.

ENDPOINTS (under /api/v1):
  Envelopes:
    GET    /envelopes                         List envelopes (filters, paging)
    POST   /envelopes                         Create envelope
    GET    /envelopes/{id}                    Get envelope
    PATCH  /envelopes/{id}                    Update envelope (version required)
    POST   /envelopes/{id}/close              Close envelope (version required)

  Read views:
    GET    /envelopes/{id}/availability?amount=     Can this amount be spent now
    GET    /envelopes/{id}/balance                  Totals plus active holds
    GET    /envelopes/{id}/usage-summary?group_by=  none | reference | day
    GET    /envelopes/{id}/status                   Utilization and warnings
    GET    /programs/{ref}/usage-summary?org_id=    Totals per currency

  Spend:
    GET    /envelopes/{id}/reservations       Active holds
    POST   /envelopes/{id}/reservations       Reserve
    GET    /envelopes/{id}/usage              Usage records
    POST   /envelopes/{id}/usage              Apply usage
    GET    /reservations/{id}                 Get reservation
    POST   /reservations/{id}/confirm         Confirm (optionally partial)
    POST   /reservations/{id}/release         Release
    POST   /references/{ref}/release          Release every hold for a reference

  Maintenance:
    POST   /maintenance/sweep?now=            Expire holds and close ended envelopes

IDEMPOTENCY:
  The Idempotency-Key header applies to reserve and usage. With a key, usage
  goes through ApplyBudgetUsageChecked and replays return the first record.

ERROR HANDLING:
  See errors.go. Malformed transport input is a 400 validation_error.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/budget-ledger/budget"
	"go.uber.org/zap"
)

const IdempotencyKeyHeader = "Idempotency-Key"

// HealthChecker is implemented by stores that can reach their backend.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler holds the HTTP API dependencies.
type Handler struct {
	ledger *budget.Ledger
	health HealthChecker
	logger *zap.Logger
}

// NewHandler creates a handler. health may be nil.
func NewHandler(ledger *budget.Ledger, health HealthChecker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ledger: ledger, health: health, logger: logger}
}

// =============================================================================
// ENVELOPE HANDLERS
// =============================================================================

// ListEnvelopes returns one page of envelopes.
func (h *Handler) ListEnvelopes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := budget.EnvelopeFilter{
		OrgID:      q.Get("org_id"),
		ProgramRef: q.Get("program_ref"),
		Status:     budget.EnvelopeStatus(q.Get("status")),
	}
	if raw := q.Get("active_at"); raw != "" {
		at, err := parseTime(raw)
		if err != nil {
			writeBadRequest(w, "active_at", "active_at must be RFC 3339 or YYYY-MM-DD")
			return
		}
		filter.ActiveAt = &at
	}

	var page budget.Pagination
	var err error
	if page.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit", "limit must be an integer")
		return
	}
	if page.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset", "offset must be an integer")
		return
	}

	result, err := h.ledger.ListBudgetEnvelopes(r.Context(), filter, page)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	items := make([]EnvelopeDTO, len(result.Items))
	for i, e := range result.Items {
		items[i] = toEnvelopeDTO(e)
	}
	writeJSON(w, http.StatusOK, EnvelopePageDTO{
		Items:  items,
		Total:  result.Total,
		Limit:  result.Limit,
		Offset: result.Offset,
	})
}

// CreateEnvelope creates an active envelope.
func (h *Handler) CreateEnvelope(w http.ResponseWriter, r *http.Request) {
	var req CreateEnvelopeRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	period, ok := parsePeriod(w, req.PeriodStart, req.PeriodEnd)
	if !ok {
		return
	}

	env, err := h.ledger.CreateBudgetEnvelope(r.Context(), budget.CreateEnvelopeInput{
		OrgID:       req.OrgID,
		ProgramRef:  req.ProgramRef,
		Name:        req.Name,
		Description: req.Description,
		Period:      period,
		Allocated:   req.Allocated,
		Currency:    req.Currency,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEnvelopeDTO(env))
}

// GetEnvelope returns a single envelope.
func (h *Handler) GetEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := h.ledger.GetBudgetEnvelopeByID(r.Context(), envelopeID(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnvelopeDTO(env))
}

// UpdateEnvelope applies a versioned patch.
func (h *Handler) UpdateEnvelope(w http.ResponseWriter, r *http.Request) {
	var req UpdateEnvelopeRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	patch := budget.EnvelopePatch{
		Version:     req.Version,
		Name:        req.Name,
		Description: req.Description,
		Allocated:   req.Allocated,
		Currency:    req.Currency,
	}
	if req.PeriodStart != nil || req.PeriodEnd != nil {
		if req.PeriodStart == nil || req.PeriodEnd == nil {
			writeBadRequest(w, "period", "period_start and period_end must be sent together")
			return
		}
		period, ok := parsePeriod(w, *req.PeriodStart, *req.PeriodEnd)
		if !ok {
			return
		}
		patch.Period = &period
	}

	env, err := h.ledger.UpdateBudgetEnvelope(r.Context(), envelopeID(r), patch)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnvelopeDTO(env))
}

// CloseEnvelope archives an envelope.
func (h *Handler) CloseEnvelope(w http.ResponseWriter, r *http.Request) {
	var req CloseEnvelopeRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	env, err := h.ledger.CloseBudgetEnvelope(r.Context(), envelopeID(r), req.Version)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnvelopeDTO(env))
}

// =============================================================================
// READ VIEWS
// =============================================================================

// CheckAvailability answers whether ?amount= can be spent right now.
func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("amount")
	if raw == "" {
		writeBadRequest(w, "amount", "amount query parameter is required")
		return
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		writeBadRequest(w, "amount", "amount must be a decimal number")
		return
	}

	id := envelopeID(r)
	result, err := h.ledger.CheckBudgetAvailability(r.Context(), id, amount)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityDTO{
		EnvelopeID: string(id),
		Amount:     amount,
		Available:  result.Available,
		Remaining:  result.Remaining,
	})
}

// GetBalance returns envelope totals plus active holds.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	view, err := h.ledger.CheckBudgetWithReservations(r.Context(), envelopeID(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		EnvelopeID:         string(view.EnvelopeID),
		Currency:           view.Currency,
		Allocated:          view.Allocated,
		Committed:          view.Committed,
		Reserved:           view.Reserved,
		Available:          view.Available,
		ActiveReservations: toReservationDTOs(view.ActiveReservations),
	})
}

// GetUsageSummary aggregates usage for one envelope.
func (h *Handler) GetUsageSummary(w http.ResponseWriter, r *http.Request) {
	groupBy := budget.GroupBy(r.URL.Query().Get("group_by"))

	summary, err := h.ledger.GetBudgetUsageSummary(r.Context(), envelopeID(r), groupBy)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageSummaryDTO(summary))
}

// GetStatus returns utilization and threshold warnings.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.ledger.GetBudgetStatus(r.Context(), envelopeID(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(status))
}

// GetProgramSummary totals every envelope of a program, per currency.
func (h *Handler) GetProgramSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.ledger.GetProgramUsageSummary(r.Context(), budget.ProgramSummaryFilter{
		OrgID:      r.URL.Query().Get("org_id"),
		ProgramRef: chi.URLParam(r, "ref"),
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProgramSummaryDTO(summary))
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// ListActiveReservations returns the held reservations of an envelope.
func (h *Handler) ListActiveReservations(w http.ResponseWriter, r *http.Request) {
	holds, err := h.ledger.GetActiveReservations(r.Context(), envelopeID(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTOs(holds))
}

// maxTTLSeconds is the largest ttl_seconds that converts to a time.Duration
// without overflow. The ledger applies its own, smaller cap after that.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

// Reserve places a hold.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.TTLSeconds < 0 {
		writeBadRequest(w, "ttl_seconds", "ttl_seconds must not be negative")
		return
	}
	if int64(req.TTLSeconds) > maxTTLSeconds {
		writeBadRequest(w, "ttl_seconds", "ttl_seconds is too large")
		return
	}

	res, err := h.ledger.ReserveBudget(r.Context(), budget.ReserveRequest{
		EnvelopeID:     envelopeID(r),
		Amount:         req.Amount,
		ReferenceID:    req.ReferenceID,
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(res))
}

// GetReservation returns a reservation in any state.
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.ledger.GetReservation(r.Context(), reservationID(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// ConfirmReservation converts a hold into usage. An empty body confirms the
// full held amount.
func (h *Handler) ConfirmReservation(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	res, err := h.ledger.ConfirmBudgetReservation(r.Context(), reservationID(r), req.ActualAmount)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// ReleaseReservation frees a hold.
func (h *Handler) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.ledger.ReleaseReservedBudget(r.Context(), reservationID(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// ReleaseByReference frees every held reservation carrying {ref}.
func (h *Handler) ReleaseByReference(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	n, err := h.ledger.ReleaseReservationsByReference(r.Context(), ref)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReleaseByReferenceResponse{ReferenceID: ref, Released: n})
}

// =============================================================================
// USAGE HANDLERS
// =============================================================================

// ListUsage returns the usage records of an envelope, oldest first.
func (h *Handler) ListUsage(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.ListUsage(r.Context(), envelopeID(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	dtos := make([]UsageDTO, len(records))
	for i, u := range records {
		dtos[i] = toUsageDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ApplyUsage commits spend directly.
func (h *Handler) ApplyUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	var (
		record budget.UsageRecord
		err    error
	)
	if key := idempotencyKey(r, req.IdempotencyKey); key != "" {
		record, err = h.ledger.ApplyBudgetUsageChecked(r.Context(), envelopeID(r), req.Amount, req.ReferenceID, key)
	} else {
		record, err = h.ledger.ApplyBudgetUsage(r.Context(), envelopeID(r), req.Amount, req.ReferenceID)
	}
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUsageDTO(record))
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Sweep expires due holds and closes ended envelopes. ?now= overrides the
// clock for backfills.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	var now *time.Time
	if raw := r.URL.Query().Get("now"); raw != "" {
		at, err := parseTime(raw)
		if err != nil {
			writeBadRequest(w, "now", "now must be RFC 3339 or YYYY-MM-DD")
			return
		}
		now = &at
	}

	expired, err := h.ledger.CleanupExpiredReservations(r.Context(), now)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	closed, err := h.ledger.CloseEndedEnvelopes(r.Context(), now)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	asOf := time.Now().UTC()
	if now != nil {
		asOf = *now
	}
	h.logger.Info("manual sweep",
		zap.Int("expired", expired),
		zap.Int("closed", closed),
		zap.Time("as_of", asOf),
	)
	writeJSON(w, http.StatusOK, SweepResponse{Expired: expired, Closed: closed, AsOf: formatTime(asOf)})
}

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeBody decodes the JSON body into v. It writes the 400 itself and
// returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeBadRequest(w, "", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func envelopeID(r *http.Request) budget.EnvelopeID {
	return budget.EnvelopeID(chi.URLParam(r, "id"))
}

func reservationID(r *http.Request) budget.ReservationID {
	return budget.ReservationID(chi.URLParam(r, "id"))
}

func idempotencyKey(r *http.Request, fromBody string) string {
	if key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); key != "" {
		return key
	}
	return fromBody
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parsePeriod(w http.ResponseWriter, start, end string) (budget.Period, bool) {
	s, err := parseTime(start)
	if err != nil {
		writeBadRequest(w, "period_start", "period_start must be RFC 3339 or YYYY-MM-DD")
		return budget.Period{}, false
	}
	e, err := parseTime(end)
	if err != nil {
		writeBadRequest(w, "period_end", "period_end must be RFC 3339 or YYYY-MM-DD")
		return budget.Period{}, false
	}
	return budget.Period{Start: s, End: e}, true
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

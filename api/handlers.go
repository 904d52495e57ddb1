/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes the commission engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Rates:
    GET    /api/rates                     List configured rates
    POST   /api/rates                     Create/update a rate
    GET    /api/rates/{type}              Get a single rate

  Conversions:
    POST   /api/conversions               Record a conversion (idempotent)
    GET    /api/conversions/{id}          Get a conversion
    POST   /api/conversions/{id}/confirm  Promote pending -> confirmed

  Affiliates:
    GET    /api/affiliates/{id}/commission  Pending commission summary
    GET    /api/affiliates/{id}/conversions Conversion history
    GET    /api/affiliates/{id}/payouts     Payout history
    POST   /api/affiliates/{id}/payouts     Create a payout

  Payouts:
    GET    /api/payouts/{id}              Get a payout
    POST   /api/payouts/{id}/approve      pending -> processing
    POST   /api/payouts/{id}/reject       pending|processing -> cancelled
    POST   /api/payouts/{id}/complete     processing -> completed
    POST   /api/payouts/{id}/fail         processing -> failed

ERROR HANDLING:
  Errors are returned as JSON with the status derived from the error
  kind:
  - 400: invalid argument
  - 404: not found
  - 409: conflict (state machine, lost race)
  - 503: transient store failure, safe to retry
  - 500: everything else

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are
  expected to sit behind the platform's gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/affiliate"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *affiliate.Engine
}

// NewHandler creates a new handler over the engine.
func NewHandler(engine *affiliate.Engine) *Handler {
	return &Handler{Engine: engine}
}

// =============================================================================
// RATE HANDLERS
// =============================================================================

// ListRates returns all configured commission rates.
func (h *Handler) ListRates(w http.ResponseWriter, r *http.Request) {
	rates, err := h.Engine.Rates.ListRates(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]RateDTO, len(rates))
	for i, rate := range rates {
		dtos[i] = toRateDTO(rate)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveRate creates or updates a commission rate and invalidates the
// resolver cache.
func (h *Handler) SaveRate(w http.ResponseWriter, r *http.Request) {
	var req SaveRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if math.IsNaN(req.RatePercent) || math.IsInf(req.RatePercent, 0) {
		writeError(w, http.StatusBadRequest, "rate_percent must be a finite number", nil)
		return
	}

	rate, err := h.Engine.Rates.SaveRate(r.Context(), affiliate.SaveRateInput{
		Type:        affiliate.ConversionType(req.ConversionType),
		RatePercent: decimal.NewFromFloat(req.RatePercent),
		IsActive:    req.IsActive,
		Description: req.Description,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRateDTO(rate))
}

// GetRate returns a single configured rate.
func (h *Handler) GetRate(w http.ResponseWriter, r *http.Request) {
	t := affiliate.ConversionType(chi.URLParam(r, "type"))

	rate, err := h.Engine.Rates.GetRate(r.Context(), t)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRateDTO(rate))
}

// =============================================================================
// CONVERSION HANDLERS
// =============================================================================

// RecordConversion records a referral conversion. Retries with the
// same idempotency key return the original row with was_existing=true.
func (h *Handler) RecordConversion(w http.ResponseWriter, r *http.Request) {
	var req RecordConversionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if math.IsNaN(req.ConversionValue) || math.IsInf(req.ConversionValue, 0) {
		writeError(w, http.StatusBadRequest, "conversion_value must be a finite number", nil)
		return
	}

	conv, wasExisting, err := h.Engine.Recorder.Record(r.Context(), affiliate.RecordConversionInput{
		AffiliateUserID: affiliate.UserID(req.AffiliateUserID),
		ReferredUserID:  affiliate.UserID(req.ReferredUserID),
		Type:            affiliate.ConversionType(req.ConversionType),
		Value:           decimal.NewFromFloat(req.ConversionValue),
		ReferenceID:     req.ReferenceID,
		ReferenceType:   req.ReferenceType,
		AffiliateCode:   req.AffiliateCode,
		ReferralSource:  req.ReferralSource,
		Metadata:        req.Metadata,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	status := http.StatusCreated
	if wasExisting {
		status = http.StatusOK
	}
	writeJSON(w, status, toConversionDTO(conv, wasExisting))
}

// GetConversion returns a single conversion.
func (h *Handler) GetConversion(w http.ResponseWriter, r *http.Request) {
	id := affiliate.ConversionID(chi.URLParam(r, "id"))

	conv, err := h.Engine.Recorder.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversionDTO(conv, false))
}

// ConfirmConversion promotes a conversion from pending to confirmed.
func (h *Handler) ConfirmConversion(w http.ResponseWriter, r *http.Request) {
	id := affiliate.ConversionID(chi.URLParam(r, "id"))

	conv, err := h.Engine.Recorder.Confirm(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversionDTO(conv, false))
}

// =============================================================================
// AFFILIATE HANDLERS
// =============================================================================

// GetPendingCommission returns the affiliate's earned-but-unpaid
// commission summary, computed fresh.
func (h *Handler) GetPendingCommission(w http.ResponseWriter, r *http.Request) {
	aff := affiliate.UserID(chi.URLParam(r, "id"))

	summary, err := h.Engine.Aggregator.PendingCommission(r.Context(), aff)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(aff, summary))
}

// ListConversions returns the affiliate's conversion history.
func (h *Handler) ListConversions(w http.ResponseWriter, r *http.Request) {
	aff := affiliate.UserID(chi.URLParam(r, "id"))

	convs, err := h.Engine.Recorder.ListByAffiliate(r.Context(), aff)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]ConversionDTO, len(convs))
	for i, c := range convs {
		dtos[i] = toConversionDTO(c, false)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListPayouts returns the affiliate's payout history.
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	aff := affiliate.UserID(chi.URLParam(r, "id"))

	payouts, err := h.Engine.Payouts.ListByAffiliate(r.Context(), aff)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]PayoutDTO, len(payouts))
	for i, p := range payouts {
		dtos[i] = toPayoutDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePayout opens a payout covering the affiliate's unpaid
// confirmed conversions.
func (h *Handler) CreatePayout(w http.ResponseWriter, r *http.Request) {
	aff := affiliate.UserID(chi.URLParam(r, "id"))

	payout, err := h.Engine.Payouts.Create(r.Context(), aff)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPayoutDTO(payout))
}

// =============================================================================
// PAYOUT HANDLERS
// =============================================================================

// GetPayout returns a single payout.
func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	id := affiliate.PayoutID(chi.URLParam(r, "id"))

	payout, err := h.Engine.Payouts.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(payout))
}

// ApprovePayout transitions pending -> processing.
func (h *Handler) ApprovePayout(w http.ResponseWriter, r *http.Request) {
	h.transitionPayout(w, r, affiliate.ActionApprove)
}

// RejectPayout transitions pending|processing -> cancelled.
func (h *Handler) RejectPayout(w http.ResponseWriter, r *http.Request) {
	h.transitionPayout(w, r, affiliate.ActionReject)
}

// CompletePayout transitions processing -> completed and marks the
// covered conversions paid.
func (h *Handler) CompletePayout(w http.ResponseWriter, r *http.Request) {
	h.transitionPayout(w, r, affiliate.ActionComplete)
}

// FailPayout transitions processing -> failed.
func (h *Handler) FailPayout(w http.ResponseWriter, r *http.Request) {
	h.transitionPayout(w, r, affiliate.ActionFail)
}

func (h *Handler) transitionPayout(w http.ResponseWriter, r *http.Request, action affiliate.PayoutAction) {
	id := affiliate.PayoutID(chi.URLParam(r, "id"))

	var req TransitionPayoutRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	payout, err := h.Engine.Payouts.Transition(r.Context(), id, action, affiliate.TransitionDetails{
		RejectionReason:  req.RejectionReason,
		TransactionID:    req.TransactionID,
		PaymentReference: req.PaymentReference,
		Notes:            req.Notes,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(payout))
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	dto := ErrorDTO{Error: message}
	if err != nil {
		dto.Details = err.Error()
	}
	writeJSON(w, status, dto)
}

// writeEngineError maps the engine's error taxonomy to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case affiliate.IsInvalidArgument(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case affiliate.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case affiliate.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	case affiliate.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "Temporarily unavailable, retry", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

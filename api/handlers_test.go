/*
handlers_test.go - HTTP-level tests for the commission API

Tests for:
- Status code mapping (400/404/409 from the engine error taxonomy)
- Idempotent conversion recording over HTTP (201 vs 200)
- The full record -> confirm -> payout -> complete flow
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/affiliate"
	"github.com/warp/commission-engine/affiliate/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestServer() *httptest.Server {
	eng := affiliate.NewEngine(store.NewMemory(), affiliate.Config{
		PlatformFeePercent: decimal.NewFromInt(5),
	}, zap.NewNop())
	return httptest.NewServer(NewRouter(NewHandler(eng)))
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp, decoded
}

func saveBookingRate(t *testing.T, baseURL string, percent float64) {
	t.Helper()
	resp, _ := doJSON(t, http.MethodPost, baseURL+"/api/rates", SaveRateRequest{
		ConversionType: "booking",
		RatePercent:    percent,
		IsActive:       true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func recordBooking(t *testing.T, baseURL, affiliateID, referredID, refID string, value float64) (int, map[string]any) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, baseURL+"/api/conversions", RecordConversionRequest{
		AffiliateUserID: affiliateID,
		ReferredUserID:  referredID,
		ConversionType:  "booking",
		ConversionValue: value,
		ReferenceID:     refID,
		ReferenceType:   "booking",
	})
	return resp.StatusCode, body
}

// =============================================================================
// CONVERSION ENDPOINT TESTS
// =============================================================================

func TestAPI_RecordConversion_CreatedThenReplayed(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()
	saveBookingRate(t, srv.URL, 10)

	// First record: 201 with computed commission
	status, body := recordBooking(t, srv.URL, "usr-aff", "usr-ref", "bk-1", 1000)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, float64(100), body["commission_amount"])
	assert.Equal(t, "pending", body["status"])
	firstID := body["id"]
	require.NotEmpty(t, firstID)

	// Replay: 200, same row, flagged as existing
	status, body = recordBooking(t, srv.URL, "usr-aff", "usr-ref", "bk-1", 1000)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, firstID, body["id"])
	assert.Equal(t, true, body["was_existing"])
}

func TestAPI_RecordConversion_SelfReferralRejected(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	status, _ := recordBooking(t, srv.URL, "usr-1", "usr-1", "bk-1", 1000)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_RecordConversion_UnknownTypeRejected(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/conversions", RecordConversionRequest{
		AffiliateUserID: "usr-aff",
		ReferredUserID:  "usr-ref",
		ConversionType:  "mystery",
		ConversionValue: 1000,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_GetConversion_NotFound(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/conversions/conv-missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ConfirmTwice_Conflict(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()
	saveBookingRate(t, srv.URL, 10)

	_, body := recordBooking(t, srv.URL, "usr-aff", "usr-ref", "bk-1", 1000)
	confirmURL := fmt.Sprintf("%s/api/conversions/%s/confirm", srv.URL, body["id"])

	resp, _ := doJSON(t, http.MethodPost, confirmURL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, confirmURL, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// =============================================================================
// RATE ENDPOINT TESTS
// =============================================================================

func TestAPI_SaveRate_OutOfBoundsRejected(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/rates", SaveRateRequest{
		ConversionType: "booking",
		RatePercent:    150,
		IsActive:       true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_GetRate_NotFound(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/rates/subscription", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// PAYOUT FLOW TESTS
// =============================================================================

func TestAPI_PayoutFlow_EndToEnd(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()
	saveBookingRate(t, srv.URL, 10)

	_, conv := recordBooking(t, srv.URL, "usr-aff", "usr-ref", "bk-1", 1000)
	resp, _ := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/conversions/%s/confirm", srv.URL, conv["id"]), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Pending commission: 100 gross, 5 fee, 95 net
	resp, summary := doJSON(t, http.MethodGet, srv.URL+"/api/affiliates/usr-aff/commission", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(100), summary["total_commission"])
	assert.Equal(t, float64(5), summary["platform_fee"])
	assert.Equal(t, float64(95), summary["net_amount"])

	// Create payout
	resp, payout := doJSON(t, http.MethodPost, srv.URL+"/api/affiliates/usr-aff/payouts", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "pending", payout["status"])
	payoutURL := fmt.Sprintf("%s/api/payouts/%s", srv.URL, payout["id"])

	// Completing before approval is a conflict
	resp, _ = doJSON(t, http.MethodPost, payoutURL+"/complete", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Approve, then complete with a transaction id
	resp, approved := doJSON(t, http.MethodPost, payoutURL+"/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processing", approved["status"])

	resp, completed := doJSON(t, http.MethodPost, payoutURL+"/complete",
		TransitionPayoutRequest{TransactionID: "txn-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", completed["status"])
	assert.Equal(t, "txn-1", completed["transaction_id"])

	// Everything paid out: summary is zero, conversion is paid
	resp, summary = doJSON(t, http.MethodGet, srv.URL+"/api/affiliates/usr-aff/commission", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), summary["total_commission"])

	resp, paid := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/conversions/%s", srv.URL, conv["id"]), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paid", paid["status"])
	assert.NotEmpty(t, paid["paid_at"])
}

func TestAPI_CreatePayout_NothingToPay(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/affiliates/usr-aff/payouts", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_RejectPayout_RequiresReason(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()
	saveBookingRate(t, srv.URL, 10)

	_, conv := recordBooking(t, srv.URL, "usr-aff", "usr-ref", "bk-1", 1000)
	resp, _ := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/conversions/%s/confirm", srv.URL, conv["id"]), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, payout := doJSON(t, http.MethodPost, srv.URL+"/api/affiliates/usr-aff/payouts", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	rejectURL := fmt.Sprintf("%s/api/payouts/%s/reject", srv.URL, payout["id"])

	resp, _ = doJSON(t, http.MethodPost, rejectURL, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, rejected := doJSON(t, http.MethodPost, rejectURL,
		TransitionPayoutRequest{RejectionReason: "duplicate payout request"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", rejected["status"])
}

func TestAPI_GetPayout_NotFound(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/payouts/pay-missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

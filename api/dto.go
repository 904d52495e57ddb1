/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Decimal values are serialized as JSON numbers at 2 decimal places.
  Internally everything stays decimal.Decimal; floats exist only at
  this boundary.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/commission-engine/affiliate"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// RecordConversionRequest is the request to record a conversion.
type RecordConversionRequest struct {
	AffiliateUserID string            `json:"affiliate_user_id"`
	ReferredUserID  string            `json:"referred_user_id"`
	ConversionType  string            `json:"conversion_type"`
	ConversionValue float64           `json:"conversion_value"`
	ReferenceID     string            `json:"reference_id,omitempty"`
	ReferenceType   string            `json:"reference_type,omitempty"`
	AffiliateCode   string            `json:"affiliate_code,omitempty"`
	ReferralSource  string            `json:"referral_source,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// SaveRateRequest is the operator request to configure a commission rate.
type SaveRateRequest struct {
	ConversionType string  `json:"conversion_type"`
	RatePercent    float64 `json:"rate_percent"`
	IsActive       bool    `json:"is_active"`
	Description    string  `json:"description,omitempty"`
}

// TransitionPayoutRequest carries the optional details of a payout transition.
type TransitionPayoutRequest struct {
	RejectionReason  string `json:"rejection_reason,omitempty"`
	TransactionID    string `json:"transaction_id,omitempty"`
	PaymentReference string `json:"payment_reference,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// RateDTO represents a commission rate in API responses.
type RateDTO struct {
	ConversionType string  `json:"conversion_type"`
	RatePercent    float64 `json:"rate_percent"`
	IsActive       bool    `json:"is_active"`
	Description    string  `json:"description,omitempty"`
	CreatedAt      string  `json:"created_at,omitempty"`
	UpdatedAt      string  `json:"updated_at,omitempty"`
}

// ConversionDTO represents a conversion in API responses.
type ConversionDTO struct {
	ID               string            `json:"id"`
	AffiliateUserID  string            `json:"affiliate_user_id"`
	ReferredUserID   string            `json:"referred_user_id"`
	ConversionType   string            `json:"conversion_type"`
	ConversionValue  float64           `json:"conversion_value"`
	RatePercent      float64           `json:"commission_rate_percent"`
	CommissionAmount float64           `json:"commission_amount"`
	Status           string            `json:"status"`
	ReferenceID      string            `json:"reference_id,omitempty"`
	ReferenceType    string            `json:"reference_type,omitempty"`
	AffiliateCode    string            `json:"affiliate_code,omitempty"`
	ReferralSource   string            `json:"referral_source,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        string            `json:"created_at"`
	PaidAt           *string           `json:"paid_at,omitempty"`
	WasExisting      bool              `json:"was_existing,omitempty"`
}

// PayoutDTO represents a payout in API responses.
type PayoutDTO struct {
	ID               string   `json:"id"`
	AffiliateUserID  string   `json:"affiliate_user_id"`
	Amount           float64  `json:"amount"`
	PlatformFee      float64  `json:"platform_fee"`
	NetAmount        float64  `json:"net_amount"`
	Status           string   `json:"status"`
	ConversionIDs    []string `json:"conversion_ids"`
	TransactionID    string   `json:"transaction_id,omitempty"`
	PaymentReference string   `json:"payment_reference,omitempty"`
	RejectionReason  string   `json:"rejection_reason,omitempty"`
	Notes            string   `json:"notes,omitempty"`
	ProcessedAt      *string  `json:"processed_at,omitempty"`
	CompletedAt      *string  `json:"completed_at,omitempty"`
	CreatedAt        string   `json:"created_at"`
}

// CommissionSummaryDTO is the pending commission aggregation result.
type CommissionSummaryDTO struct {
	AffiliateUserID string  `json:"affiliate_user_id"`
	TotalCommission float64 `json:"total_commission"`
	PlatformFee     float64 `json:"platform_fee"`
	NetAmount       float64 `json:"net_amount"`
}

// ErrorDTO is the JSON error body.
type ErrorDTO struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toRateDTO(r affiliate.CommissionRate) RateDTO {
	rate, _ := r.RatePercent.Float64()
	return RateDTO{
		ConversionType: string(r.Type),
		RatePercent:    rate,
		IsActive:       r.IsActive,
		Description:    r.Description,
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      r.UpdatedAt.Format(time.RFC3339),
	}
}

func toConversionDTO(c affiliate.Conversion, wasExisting bool) ConversionDTO {
	value, _ := c.Value.Float64()
	rate, _ := c.RatePercent.Float64()
	commission, _ := c.CommissionAmount.Float64()

	dto := ConversionDTO{
		ID:               string(c.ID),
		AffiliateUserID:  string(c.AffiliateUserID),
		ReferredUserID:   string(c.ReferredUserID),
		ConversionType:   string(c.Type),
		ConversionValue:  value,
		RatePercent:      rate,
		CommissionAmount: commission,
		Status:           string(c.Status),
		ReferenceID:      c.ReferenceID,
		ReferenceType:    c.ReferenceType,
		AffiliateCode:    c.AffiliateCode,
		ReferralSource:   c.ReferralSource,
		Metadata:         c.Metadata,
		CreatedAt:        c.CreatedAt.Format(time.RFC3339),
		WasExisting:      wasExisting,
	}
	if c.PaidAt != nil {
		s := c.PaidAt.Format(time.RFC3339)
		dto.PaidAt = &s
	}
	return dto
}

func toPayoutDTO(p affiliate.Payout) PayoutDTO {
	amount, _ := p.Amount.Float64()
	fee, _ := p.PlatformFee.Float64()
	net, _ := p.NetAmount.Float64()

	ids := make([]string, len(p.ConversionIDs))
	for i, id := range p.ConversionIDs {
		ids[i] = string(id)
	}

	dto := PayoutDTO{
		ID:               string(p.ID),
		AffiliateUserID:  string(p.AffiliateUserID),
		Amount:           amount,
		PlatformFee:      fee,
		NetAmount:        net,
		Status:           string(p.Status),
		ConversionIDs:    ids,
		TransactionID:    p.TransactionID,
		PaymentReference: p.PaymentReference,
		RejectionReason:  p.RejectionReason,
		Notes:            p.Notes,
		CreatedAt:        p.CreatedAt.Format(time.RFC3339),
	}
	if p.ProcessedAt != nil {
		s := p.ProcessedAt.Format(time.RFC3339)
		dto.ProcessedAt = &s
	}
	if p.CompletedAt != nil {
		s := p.CompletedAt.Format(time.RFC3339)
		dto.CompletedAt = &s
	}
	return dto
}

func toSummaryDTO(aff affiliate.UserID, s affiliate.CommissionSummary) CommissionSummaryDTO {
	total, _ := s.TotalCommission.Float64()
	fee, _ := s.PlatformFee.Float64()
	net, _ := s.NetAmount.Float64()
	return CommissionSummaryDTO{
		AffiliateUserID: string(aff),
		TotalCommission: total,
		PlatformFee:     fee,
		NetAmount:       net,
	}
}

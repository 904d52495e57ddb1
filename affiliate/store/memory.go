// Package store provides an in-memory Store implementation (for testing/dev).
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/affiliate"
)

// =============================================================================
// MEMORY STORE - In-memory implementation of affiliate.TxStore
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	rates       map[affiliate.ConversionType]affiliate.CommissionRate
	conversions map[affiliate.ConversionID]affiliate.Conversion
	keys        map[affiliate.IdempotencyKey]affiliate.ConversionID
	payouts     map[affiliate.PayoutID]affiliate.Payout
}

func NewMemory() *Memory {
	return &Memory{
		rates:       make(map[affiliate.ConversionType]affiliate.CommissionRate),
		conversions: make(map[affiliate.ConversionID]affiliate.Conversion),
		keys:        make(map[affiliate.IdempotencyKey]affiliate.ConversionID),
		payouts:     make(map[affiliate.PayoutID]affiliate.Payout),
	}
}

// =============================================================================
// RATE STORE
// =============================================================================

func (m *Memory) SaveRate(_ context.Context, rate affiliate.CommissionRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveRateLocked(rate)
	return nil
}

func (m *Memory) saveRateLocked(rate affiliate.CommissionRate) {
	if existing, ok := m.rates[rate.Type]; ok {
		rate.CreatedAt = existing.CreatedAt
	}
	m.rates[rate.Type] = rate
}

func (m *Memory) GetRate(_ context.Context, t affiliate.ConversionType) (*affiliate.CommissionRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRateLocked(t), nil
}

func (m *Memory) getRateLocked(t affiliate.ConversionType) *affiliate.CommissionRate {
	rate, ok := m.rates[t]
	if !ok {
		return nil
	}
	return &rate
}

func (m *Memory) ListRates(_ context.Context) ([]affiliate.CommissionRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rates := make([]affiliate.CommissionRate, 0, len(m.rates))
	for _, r := range m.rates {
		rates = append(rates, r)
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Type < rates[j].Type })
	return rates, nil
}

// =============================================================================
// CONVERSION STORE
// =============================================================================

func (m *Memory) InsertConversion(_ context.Context, c affiliate.Conversion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertConversionLocked(c)
}

func (m *Memory) insertConversionLocked(c affiliate.Conversion) error {
	key := c.Key()
	if key != (affiliate.IdempotencyKey{}) {
		if _, taken := m.keys[key]; taken {
			return affiliate.ErrDuplicateConversion
		}
		m.keys[key] = c.ID
	}
	m.conversions[c.ID] = c
	return nil
}

func (m *Memory) GetConversion(_ context.Context, id affiliate.ConversionID) (*affiliate.Conversion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getConversionLocked(id), nil
}

func (m *Memory) getConversionLocked(id affiliate.ConversionID) *affiliate.Conversion {
	c, ok := m.conversions[id]
	if !ok {
		return nil
	}
	return &c
}

func (m *Memory) FindConversionByKey(_ context.Context, key affiliate.IdempotencyKey) (*affiliate.Conversion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByKeyLocked(key), nil
}

func (m *Memory) findByKeyLocked(key affiliate.IdempotencyKey) *affiliate.Conversion {
	id, ok := m.keys[key]
	if !ok {
		return nil
	}
	return m.getConversionLocked(id)
}

func (m *Memory) ListConversionsByAffiliate(_ context.Context, aff affiliate.UserID) ([]affiliate.Conversion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listConversionsLocked(aff, ""), nil
}

func (m *Memory) ListConfirmedConversions(_ context.Context, aff affiliate.UserID) ([]affiliate.Conversion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listConversionsLocked(aff, affiliate.ConversionConfirmed), nil
}

func (m *Memory) listConversionsLocked(aff affiliate.UserID, status affiliate.ConversionStatus) []affiliate.Conversion {
	var out []affiliate.Conversion
	for _, c := range m.conversions {
		if c.AffiliateUserID != aff {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *Memory) UpdateConversionStatus(_ context.Context, id affiliate.ConversionID, from, to affiliate.ConversionStatus, paidAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateConversionStatusLocked(id, from, to, paidAt)
}

func (m *Memory) updateConversionStatusLocked(id affiliate.ConversionID, from, to affiliate.ConversionStatus, paidAt *time.Time) error {
	c, ok := m.conversions[id]
	if !ok {
		return affiliate.ErrConversionNotFound
	}
	if c.Status != from {
		return affiliate.ErrStaleStatus
	}
	c.Status = to
	if paidAt != nil {
		t := *paidAt
		c.PaidAt = &t
	}
	m.conversions[id] = c
	return nil
}

// =============================================================================
// PAYOUT STORE
// =============================================================================

func (m *Memory) InsertPayout(_ context.Context, p affiliate.Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payouts[p.ID] = p
	return nil
}

func (m *Memory) GetPayout(_ context.Context, id affiliate.PayoutID) (*affiliate.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPayoutLocked(id), nil
}

func (m *Memory) getPayoutLocked(id affiliate.PayoutID) *affiliate.Payout {
	p, ok := m.payouts[id]
	if !ok {
		return nil
	}
	return &p
}

func (m *Memory) ListPayoutsByAffiliate(_ context.Context, aff affiliate.UserID) ([]affiliate.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPayoutsLocked(aff, false), nil
}

func (m *Memory) ListActivePayouts(_ context.Context, aff affiliate.UserID) ([]affiliate.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPayoutsLocked(aff, true), nil
}

func (m *Memory) listPayoutsLocked(aff affiliate.UserID, activeOnly bool) []affiliate.Payout {
	var out []affiliate.Payout
	for _, p := range m.payouts {
		if p.AffiliateUserID != aff {
			continue
		}
		if activeOnly && !p.Status.Active() {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *Memory) UpdatePayoutStatus(_ context.Context, id affiliate.PayoutID, from affiliate.PayoutStatus, upd affiliate.PayoutUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatePayoutStatusLocked(id, from, upd)
}

func (m *Memory) updatePayoutStatusLocked(id affiliate.PayoutID, from affiliate.PayoutStatus, upd affiliate.PayoutUpdate) error {
	p, ok := m.payouts[id]
	if !ok {
		return affiliate.ErrPayoutNotFound
	}
	if p.Status != from {
		return affiliate.ErrStaleStatus
	}
	p.Status = upd.Status
	if upd.ProcessedAt != nil {
		t := *upd.ProcessedAt
		p.ProcessedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		p.CompletedAt = &t
	}
	if upd.RejectionReason != nil {
		p.RejectionReason = *upd.RejectionReason
	}
	if upd.TransactionID != nil {
		p.TransactionID = *upd.TransactionID
	}
	if upd.PaymentReference != nil {
		p.PaymentReference = *upd.PaymentReference
	}
	if upd.Notes != nil {
		p.Notes = *upd.Notes
	}
	m.payouts[id] = p
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a view of the store that shares the lock held
// for the whole unit. On error the maps are restored from a snapshot,
// giving the same all-or-nothing semantics as a database transaction.
func (m *Memory) WithTx(_ context.Context, fn func(affiliate.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.clone()
	if err := fn(&txView{m: m}); err != nil {
		m.rates = snapshot.rates
		m.conversions = snapshot.conversions
		m.keys = snapshot.keys
		m.payouts = snapshot.payouts
		return err
	}
	return nil
}

// clone copies the maps. Record structs are value types, so a shallow
// map copy is enough to roll back inserts and status updates.
func (m *Memory) clone() *Memory {
	c := NewMemory()
	for k, v := range m.rates {
		c.rates[k] = v
	}
	for k, v := range m.conversions {
		c.conversions[k] = v
	}
	for k, v := range m.keys {
		c.keys[k] = v
	}
	for k, v := range m.payouts {
		c.payouts[k] = v
	}
	return c
}

// txView delegates to the locked implementations while WithTx holds
// the write lock.
type txView struct {
	m *Memory
}

func (v *txView) SaveRate(_ context.Context, rate affiliate.CommissionRate) error {
	v.m.saveRateLocked(rate)
	return nil
}

func (v *txView) GetRate(_ context.Context, t affiliate.ConversionType) (*affiliate.CommissionRate, error) {
	return v.m.getRateLocked(t), nil
}

func (v *txView) ListRates(_ context.Context) ([]affiliate.CommissionRate, error) {
	rates := make([]affiliate.CommissionRate, 0, len(v.m.rates))
	for _, r := range v.m.rates {
		rates = append(rates, r)
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Type < rates[j].Type })
	return rates, nil
}

func (v *txView) InsertConversion(_ context.Context, c affiliate.Conversion) error {
	return v.m.insertConversionLocked(c)
}

func (v *txView) GetConversion(_ context.Context, id affiliate.ConversionID) (*affiliate.Conversion, error) {
	return v.m.getConversionLocked(id), nil
}

func (v *txView) FindConversionByKey(_ context.Context, key affiliate.IdempotencyKey) (*affiliate.Conversion, error) {
	return v.m.findByKeyLocked(key), nil
}

func (v *txView) ListConversionsByAffiliate(_ context.Context, aff affiliate.UserID) ([]affiliate.Conversion, error) {
	return v.m.listConversionsLocked(aff, ""), nil
}

func (v *txView) ListConfirmedConversions(_ context.Context, aff affiliate.UserID) ([]affiliate.Conversion, error) {
	return v.m.listConversionsLocked(aff, affiliate.ConversionConfirmed), nil
}

func (v *txView) UpdateConversionStatus(_ context.Context, id affiliate.ConversionID, from, to affiliate.ConversionStatus, paidAt *time.Time) error {
	return v.m.updateConversionStatusLocked(id, from, to, paidAt)
}

func (v *txView) InsertPayout(_ context.Context, p affiliate.Payout) error {
	v.m.payouts[p.ID] = p
	return nil
}

func (v *txView) GetPayout(_ context.Context, id affiliate.PayoutID) (*affiliate.Payout, error) {
	return v.m.getPayoutLocked(id), nil
}

func (v *txView) ListPayoutsByAffiliate(_ context.Context, aff affiliate.UserID) ([]affiliate.Payout, error) {
	return v.m.listPayoutsLocked(aff, false), nil
}

func (v *txView) ListActivePayouts(_ context.Context, aff affiliate.UserID) ([]affiliate.Payout, error) {
	return v.m.listPayoutsLocked(aff, true), nil
}

func (v *txView) UpdatePayoutStatus(_ context.Context, id affiliate.PayoutID, from affiliate.PayoutStatus, upd affiliate.PayoutUpdate) error {
	return v.m.updatePayoutStatusLocked(id, from, upd)
}

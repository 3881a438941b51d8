package otp

import (
	"context"
	"fmt"
	"time"

	"authsvc/internal/common"
	"authsvc/internal/crypto"
	"authsvc/internal/model"
)

// Purpose binds a passcode to the flow that may consume it.
type Purpose string

const (
	PurposeVerify Purpose = "verify"
	PurposeReset  Purpose = "reset-password"

	codeLength = 6
)

// Key addresses the single active passcode slot for an identifier and
// purpose.
type Key struct {
	Channel model.Channel
	Address string
	Purpose Purpose
}

// Record is a stored passcode. Only the digest of the code is kept.
type Record struct {
	AccountID string
	CodeHash  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Consumed  bool
}

// Status is what callers learn about an issued passcode. Code is set only
// when a fresh code was generated; reusing an active record leaves it
// empty so repeated issuance cannot trigger repeated delivery.
type Status struct {
	Code              string
	ObfuscatedAddress string
	ExpiresAt         time.Time
}

// VerifyResult reports a successful verification. Extended carries the
// replacement passcode when the caller asked to extend instead of consume.
type VerifyResult struct {
	Record   Record
	Extended *Status
}

// Store holds passcode records. Implementations must make Consume an
// atomic read-modify-write and PutIfAbsent an atomic check-and-insert.
type Store interface {
	// PutIfAbsent stores rec under key unless an unconsumed, unexpired
	// record already exists. It returns the record now active under key
	// and whether rec was the one stored.
	PutIfAbsent(ctx context.Context, key Key, rec Record) (Record, bool, error)
	// Replace stores rec under key unconditionally.
	Replace(ctx context.Context, key Key, rec Record) error
	// Consume marks the record under key consumed if its digest matches
	// codeHash and it is unconsumed and unexpired at the given time.
	// Failures are ErrOTPNotFound, ErrOTPMismatch, ErrOTPConsumed or
	// ErrOTPExpired.
	Consume(ctx context.Context, key Key, codeHash string, now time.Time, skew time.Duration) (Record, error)
	// Delete drops any record under key.
	Delete(ctx context.Context, key Key) error
}

// Manager drives the passcode lifecycle: Absent -> Active -> consumed or
// expired, with Active optionally replaced in place by an extension.
type Manager struct {
	store Store
	ttl   time.Duration
	skew  time.Duration
}

func NewManager(store Store, ttl, skew time.Duration) *Manager {
	return &Manager{store: store, ttl: ttl, skew: skew}
}

// Issue generates and stores a passcode for the identifier, or reuses the
// active one. The returned Status always carries the masked address and
// expiry; Code is set only when a new code was generated, for handing to a
// deliverer.
func (m *Manager) Issue(ctx context.Context, accountID string, key Key) (Status, error) {
	if !key.Channel.Deliverable() {
		return Status{}, fmt.Errorf("passcodes for %s: %w", key.Channel, common.ErrInvalidChannel)
	}
	code, err := crypto.NewNumericCode(codeLength)
	if err != nil {
		return Status{}, fmt.Errorf("generate passcode: %w", err)
	}
	now := time.Now().UTC()
	rec := Record{
		AccountID: accountID,
		CodeHash:  crypto.HashToken(code),
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	active, stored, err := m.store.PutIfAbsent(ctx, key, rec)
	if err != nil {
		return Status{}, fmt.Errorf("store passcode: %w", err)
	}
	status := Status{
		ObfuscatedAddress: ObfuscateAddress(key.Address),
		ExpiresAt:         active.ExpiresAt,
	}
	if stored {
		status.Code = code
	}
	return status, nil
}

// Verify consumes the passcode under key when code matches exactly. With
// extend set (verify purpose only) the matched code is still consumed but a
// replacement with a fresh expiry is issued and returned; the caller's
// verification decision is deferred to the replacement.
func (m *Manager) Verify(ctx context.Context, key Key, code string, extend bool) (VerifyResult, error) {
	if extend && key.Purpose != PurposeVerify {
		return VerifyResult{}, common.NewValidation("extend_not_allowed")
	}
	rec, err := m.store.Consume(ctx, key, crypto.HashToken(code), time.Now().UTC(), m.skew)
	if err != nil {
		return VerifyResult{}, err
	}
	result := VerifyResult{Record: rec}
	if !extend {
		return result, nil
	}

	fresh, err := crypto.NewNumericCode(codeLength)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("generate replacement passcode: %w", err)
	}
	now := time.Now().UTC()
	next := Record{
		AccountID: rec.AccountID,
		CodeHash:  crypto.HashToken(fresh),
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Replace(ctx, key, next); err != nil {
		return VerifyResult{}, fmt.Errorf("store replacement passcode: %w", err)
	}
	result.Extended = &Status{
		Code:              fresh,
		ObfuscatedAddress: ObfuscateAddress(key.Address),
		ExpiresAt:         next.ExpiresAt,
	}
	return result, nil
}

// Invalidate drops pending passcodes for an address across all purposes,
// used when the identifier is rebound or its secret reset.
func (m *Manager) Invalidate(ctx context.Context, channel model.Channel, address string) error {
	for _, purpose := range []Purpose{PurposeVerify, PurposeReset} {
		key := Key{Channel: channel, Address: address, Purpose: purpose}
		if err := m.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("drop %s passcode: %w", purpose, err)
		}
	}
	return nil
}

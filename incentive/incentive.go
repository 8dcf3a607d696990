// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package incentive tracks the fees a relay charges for forwarding and
// delivering messages, and the lifecycle of the payments behind them.
package incentive

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/DaviRain-Su/shadow-protocol/core/peer"
)

const (
	defaultMinFee              = "1000"
	defaultFeeToken            = "SOL"
	defaultMaxPendingPayments  = 100
	defaultVerificationTimeout = 60 * time.Second
)

var (
	// ErrTooManyPending is returned when the pending payment cap is
	// reached after expired entries have been swept.
	ErrTooManyPending = errors.New("incentive: too many pending payments")

	// ErrUnknownPayment is returned for operations on payment ids the
	// ledger has never seen.
	ErrUnknownPayment = errors.New("incentive: unknown payment")
)

// Status is the lifecycle state of a tracked payment.
type Status uint8

const (
	// StatusPending means the payment was registered but not yet
	// verified.
	StatusPending Status = iota

	// StatusVerified is terminal: the payment was accepted.
	StatusVerified

	// StatusFailed is terminal: the payment was rejected.
	StatusFailed

	// StatusExpired is terminal: the payment outlived the verification
	// timeout without being settled either way.
	StatusExpired
)

// String returns the status as a human readable string.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusVerified:
		return "verified"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Config is the fee policy of a relay.
type Config struct {
	// MinFee is the base fee in the token's smallest unit.
	MinFee string

	// FeeToken is the accepted payment token symbol.
	FeeToken string

	// FeePerKB is the additional fee per started kilobyte of message.
	// Empty means no size dependent fee at all.
	FeePerKB string

	// MaxPendingPayments caps concurrently pending payments.
	MaxPendingPayments int

	// VerificationTimeout is how long a pending payment may stay
	// unverified before it expires.
	VerificationTimeout time.Duration
}

// FixupAndValidate applies defaults and validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.MinFee == "" {
		c.MinFee = defaultMinFee
	}
	if c.FeeToken == "" {
		c.FeeToken = defaultFeeToken
	}
	if c.MaxPendingPayments == 0 {
		c.MaxPendingPayments = defaultMaxPendingPayments
	}
	if c.VerificationTimeout == 0 {
		c.VerificationTimeout = defaultVerificationTimeout
	}
	if _, ok := new(big.Int).SetString(c.MinFee, 10); !ok {
		return fmt.Errorf("incentive: invalid MinFee: %q", c.MinFee)
	}
	if c.FeePerKB != "" {
		if _, ok := new(big.Int).SetString(c.FeePerKB, 10); !ok {
			return fmt.Errorf("incentive: invalid FeePerKB: %q", c.FeePerKB)
		}
	}
	return nil
}

// Payment is one tracked payment.
type Payment struct {
	// ID is the payment id, normally the envelope id it pays for.
	ID string

	// Payer identifies who pays, opaque to the ledger.
	Payer string

	// Amount is the fee in the token's smallest unit.
	Amount string

	// Token is the payment token symbol.
	Token string

	// Proof is an optional opaque payment proof supplied by the payer.
	Proof string

	// Status is the payment lifecycle state.
	Status Status

	// CreatedAt is when the payment was registered.
	CreatedAt time.Time

	// ResolvedAt is when the payment reached a terminal state.
	ResolvedAt time.Time
}

// Record is one history entry, persisted by Store.  Verified records
// carry earnings, non-verified records document rejected payments.
type Record struct {
	// PaymentID is the payment that produced the entry.
	PaymentID string `cbor:"payment_id"`

	// Payer identifies who paid, opaque to the ledger.
	Payer string `cbor:"payer"`

	// Amount is the fee in the token's smallest unit.
	Amount string `cbor:"amount"`

	// Token is the payment token symbol.
	Token string `cbor:"token"`

	// Verified reports whether the payment settled successfully.
	Verified bool `cbor:"verified"`

	// EarnedAt is the settlement time in Unix milliseconds.
	EarnedAt int64 `cbor:"earned_at"`
}

// Summary is a point in time view of the ledger.
type Summary struct {
	// Earnings maps token symbols to accumulated verified fees.
	Earnings map[string]string

	// FeeToken is the configured fee token.
	FeeToken string

	PendingCount  int
	VerifiedCount int
	FailedCount   int
	ExpiredCount  int
}

// Ledger tracks payments and accumulated per-token earnings for one
// relay.
//
// Terminal payments stay in the ledger so that repeated verification of
// the same id keeps reporting the original outcome.
type Ledger struct {
	sync.Mutex

	cfg Config

	payments map[string]*Payment
	pending  int

	earnings map[string]*big.Int
	records  []Record
	verified int
	failed   int
	expired  int

	store *Store
}

// NewLedger constructs a Ledger.  The store is optional; when present,
// history records are appended to it as payments settle.
func NewLedger(cfg *Config, store *Store) (*Ledger, error) {
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		cfg:      *cfg,
		payments: make(map[string]*Payment),
		earnings: make(map[string]*big.Int),
		store:    store,
	}
	if store != nil {
		records, err := store.Load()
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			l.records = append(l.records, rec)
			if rec.Verified {
				l.creditLocked(rec.Token, rec.Amount)
				l.verified++
			} else {
				l.failed++
			}
		}
	}
	return l, nil
}

// FeeConfig returns the advertisable fee policy.
func (l *Ledger) FeeConfig() peer.FeeConfig {
	return peer.FeeConfig{
		MinFee:   l.cfg.MinFee,
		FeeToken: l.cfg.FeeToken,
		FeePerKB: l.cfg.FeePerKB,
	}
}

// CalculateFee returns minFee, plus feePerKB for every started kilobyte
// of sizeBytes when a per-KB fee is configured.
func (l *Ledger) CalculateFee(sizeBytes int) string {
	fee := feeValue(l.cfg.MinFee)
	if l.cfg.FeePerKB != "" && sizeBytes > 0 {
		kb := int64((sizeBytes + 1023) / 1024)
		fee.Add(fee, new(big.Int).Mul(feeValue(l.cfg.FeePerKB), big.NewInt(kb)))
	}
	return fee.String()
}

// ValidateFee reports whether an offered fee meets the policy: the token
// must match and the amount must cover the calculated fee for the size.
func (l *Ledger) ValidateFee(amount, token string, sizeBytes int) bool {
	if token != l.cfg.FeeToken {
		return false
	}
	offered, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return false
	}
	return offered.Cmp(feeValue(l.CalculateFee(sizeBytes))) >= 0
}

// RegisterPayment records a new pending payment, proof being an optional
// opaque payment proof.  Re-registering a known id, pending or terminal,
// returns the existing entry unchanged.  When the pending cap is reached,
// overdue entries are expired first; if the cap still holds,
// ErrTooManyPending is returned.
func (l *Ledger) RegisterPayment(id, payer, amount, token, proof string) (*Payment, error) {
	l.Lock()
	defer l.Unlock()
	if p, ok := l.payments[id]; ok {
		return p, nil
	}
	if l.pending >= l.cfg.MaxPendingPayments {
		l.expirePendingLocked(time.Now())
	}
	if l.pending >= l.cfg.MaxPendingPayments {
		return nil, ErrTooManyPending
	}
	p := &Payment{
		ID:        id,
		Payer:     payer,
		Amount:    amount,
		Token:     token,
		Proof:     proof,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	l.payments[id] = p
	l.pending++
	return p, nil
}

// VerifyPayment moves a pending payment to verified, credits its amount
// under its token and appends a verified history record.  Verifying an
// already verified id returns true again without recounting; failed,
// expired and unknown ids return false.
func (l *Ledger) VerifyPayment(id string) bool {
	l.Lock()
	defer l.Unlock()
	p, ok := l.payments[id]
	if !ok {
		return false
	}
	switch p.Status {
	case StatusVerified:
		return true
	case StatusFailed, StatusExpired:
		return false
	}
	p.Status = StatusVerified
	p.ResolvedAt = time.Now()
	l.pending--
	l.verified++
	l.creditLocked(p.Token, p.Amount)
	l.appendRecordLocked(p, true)
	return true
}

// FailPayment moves a pending payment to failed and appends a
// non-verified history record.  Terminal and unknown ids are left alone
// and return false.
func (l *Ledger) FailPayment(id string) bool {
	l.Lock()
	defer l.Unlock()
	p, ok := l.payments[id]
	if !ok || p.Status != StatusPending {
		return false
	}
	p.Status = StatusFailed
	p.ResolvedAt = time.Now()
	l.pending--
	l.failed++
	l.appendRecordLocked(p, false)
	return true
}

func (l *Ledger) creditLocked(token, amount string) {
	total, ok := l.earnings[token]
	if !ok {
		total = new(big.Int)
		l.earnings[token] = total
	}
	total.Add(total, feeValue(amount))
}

func (l *Ledger) appendRecordLocked(p *Payment, verified bool) {
	rec := Record{
		PaymentID: p.ID,
		Payer:     p.Payer,
		Amount:    p.Amount,
		Token:     p.Token,
		Verified:  verified,
		EarnedAt:  p.ResolvedAt.UnixMilli(),
	}
	l.records = append(l.records, rec)
	if l.store != nil {
		// The in memory ledger stays authoritative on append failure.
		_ = l.store.Append(rec)
	}
}

// PaymentStatus returns the status of a payment id.
func (l *Ledger) PaymentStatus(id string) (Status, error) {
	l.Lock()
	defer l.Unlock()
	p, ok := l.payments[id]
	if !ok {
		return StatusFailed, ErrUnknownPayment
	}
	return p.Status, nil
}

// CleanupExpiredPayments expires pending payments older than the
// verification timeout and returns how many were expired.
func (l *Ledger) CleanupExpiredPayments() int {
	l.Lock()
	defer l.Unlock()
	return l.expirePendingLocked(time.Now())
}

// expirePendingLocked silently retires overdue pending payments.  Expiry
// is not failure: no history record is appended and the failed counter
// stays untouched.
func (l *Ledger) expirePendingLocked(now time.Time) int {
	count := 0
	for _, p := range l.payments {
		if p.Status == StatusPending && now.Sub(p.CreatedAt) > l.cfg.VerificationTimeout {
			p.Status = StatusExpired
			p.ResolvedAt = now
			l.pending--
			l.expired++
			count++
		}
	}
	return count
}

// PendingCount returns the number of pending payments.
func (l *Ledger) PendingCount() int {
	l.Lock()
	defer l.Unlock()
	return l.pending
}

// TotalEarnings returns the accumulated verified fees for one token.
func (l *Ledger) TotalEarnings(token string) string {
	l.Lock()
	defer l.Unlock()
	if total, ok := l.earnings[token]; ok {
		return total.String()
	}
	return "0"
}

// Summarize returns a snapshot of the ledger counters.
func (l *Ledger) Summarize() Summary {
	l.Lock()
	defer l.Unlock()
	earnings := make(map[string]string, len(l.earnings))
	for token, total := range l.earnings {
		earnings[token] = total.String()
	}
	return Summary{
		Earnings:      earnings,
		FeeToken:      l.cfg.FeeToken,
		PendingCount:  l.pending,
		VerifiedCount: l.verified,
		FailedCount:   l.failed,
		ExpiredCount:  l.expired,
	}
}

// RecentRecords returns up to n history records, newest last.
func (l *Ledger) RecentRecords(n int) []Record {
	l.Lock()
	defer l.Unlock()
	if n <= 0 || n > len(l.records) {
		n = len(l.records)
	}
	out := make([]Record, n)
	copy(out, l.records[len(l.records)-n:])
	return out
}

// Export returns the full history alongside the current summary.
func (l *Ledger) Export() ([]Record, Summary) {
	return l.RecentRecords(0), l.Summarize()
}

// Reset clears all payments, records and counters.  The persistent store
// is untouched.
func (l *Ledger) Reset() {
	l.Lock()
	defer l.Unlock()
	l.payments = make(map[string]*Payment)
	l.pending = 0
	l.earnings = make(map[string]*big.Int)
	l.records = nil
	l.verified = 0
	l.failed = 0
	l.expired = 0
}

func feeValue(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

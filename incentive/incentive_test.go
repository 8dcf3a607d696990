// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

package incentive

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLedger(t *testing.T, cfg *Config) *Ledger {
	if cfg == nil {
		cfg = &Config{MinFee: "1000", FeePerKB: "500"}
	}
	l, err := NewLedger(cfg, nil)
	require.NoError(t, err)
	return l
}

func TestCalculateFee(t *testing.T) {
	t.Parallel()

	l := testLedger(t, nil)

	assert.Equal(t, "1500", l.CalculateFee(100))
	assert.Equal(t, "2500", l.CalculateFee(3072))
	assert.Equal(t, "1000", l.CalculateFee(0))
	assert.Equal(t, "1500", l.CalculateFee(1024))
	assert.Equal(t, "2000", l.CalculateFee(1025))
}

func TestCalculateFeeNoPerKB(t *testing.T) {
	t.Parallel()

	// Without a per-KB fee the size contributes nothing.
	l := testLedger(t, &Config{MinFee: "1000", FeeToken: "SOL"})

	assert.Equal(t, "1000", l.CalculateFee(0))
	assert.Equal(t, "1000", l.CalculateFee(100))
	assert.Equal(t, "1000", l.CalculateFee(1<<20))
	assert.True(t, l.ValidateFee("1000", "SOL", 1<<20))
	assert.Empty(t, l.FeeConfig().FeePerKB)
}

func TestValidateFee(t *testing.T) {
	t.Parallel()

	l := testLedger(t, nil)

	assert.True(t, l.ValidateFee("1500", "SOL", 100))
	assert.True(t, l.ValidateFee("9999999", "SOL", 100))
	assert.False(t, l.ValidateFee("1499", "SOL", 100))
	assert.False(t, l.ValidateFee("1500", "USDC", 100))
	assert.False(t, l.ValidateFee("garbage", "SOL", 100))

	// Monotone in size: a larger message never lowers the bar.
	for size := 0; size < 8192; size += 512 {
		if l.ValidateFee("1500", "SOL", size+1024) {
			assert.True(t, l.ValidateFee("1500", "SOL", size))
		}
	}
}

func TestPaymentLifecycle(t *testing.T) {
	t.Parallel()

	l := testLedger(t, nil)

	p, err := l.RegisterPayment("msg-1", "payer-a", "1500", "SOL", "sig:abc")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "sig:abc", p.Proof)
	assert.Equal(t, 1, l.PendingCount())

	assert.True(t, l.VerifyPayment("msg-1"))
	assert.Equal(t, 0, l.PendingCount())
	assert.Equal(t, "1500", l.TotalEarnings("SOL"))

	status, err := l.PaymentStatus("msg-1")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, status)

	_, err = l.PaymentStatus("nope")
	assert.ErrorIs(t, err, ErrUnknownPayment)
}

func TestSingleTerminalTransition(t *testing.T) {
	t.Parallel()

	l := testLedger(t, nil)
	_, err := l.RegisterPayment("msg-1", "payer-a", "1500", "SOL", "")
	require.NoError(t, err)

	require.True(t, l.VerifyPayment("msg-1"))
	earned := l.TotalEarnings("SOL")

	// Re-verifying reports the settled outcome without recounting.
	assert.True(t, l.VerifyPayment("msg-1"))
	assert.Equal(t, earned, l.TotalEarnings("SOL"))
	assert.Equal(t, 1, l.Summarize().VerifiedCount)

	// A terminal payment cannot fail afterwards.
	assert.False(t, l.FailPayment("msg-1"))

	// The failed direction is just as sticky.
	_, err = l.RegisterPayment("msg-2", "payer-a", "1500", "SOL", "")
	require.NoError(t, err)
	require.True(t, l.FailPayment("msg-2"))
	assert.False(t, l.FailPayment("msg-2"))
	assert.False(t, l.VerifyPayment("msg-2"))
	assert.Equal(t, earned, l.TotalEarnings("SOL"))
}

func TestFailPaymentRecordsHistory(t *testing.T) {
	t.Parallel()

	l := testLedger(t, nil)
	_, err := l.RegisterPayment("msg-1", "payer-a", "1500", "SOL", "")
	require.NoError(t, err)
	require.True(t, l.FailPayment("msg-1"))

	records, summary := l.Export()
	require.Len(t, records, 1)
	assert.Equal(t, "msg-1", records[0].PaymentID)
	assert.Equal(t, "payer-a", records[0].Payer)
	assert.False(t, records[0].Verified)
	assert.Equal(t, 1, summary.FailedCount)
	assert.Equal(t, "0", l.TotalEarnings("SOL"), "failed payments earn nothing")
}

func TestPerTokenEarnings(t *testing.T) {
	t.Parallel()

	l := testLedger(t, nil)
	_, err := l.RegisterPayment("msg-1", "p", "1500", "SOL", "")
	require.NoError(t, err)
	_, err = l.RegisterPayment("msg-2", "p", "42", "USDC", "")
	require.NoError(t, err)
	require.True(t, l.VerifyPayment("msg-1"))
	require.True(t, l.VerifyPayment("msg-2"))

	assert.Equal(t, "1500", l.TotalEarnings("SOL"))
	assert.Equal(t, "42", l.TotalEarnings("USDC"))
	assert.Equal(t, "0", l.TotalEarnings("BTC"))

	s := l.Summarize()
	assert.Equal(t, map[string]string{"SOL": "1500", "USDC": "42"}, s.Earnings)
}

func TestDoubleRegister(t *testing.T) {
	t.Parallel()

	l := testLedger(t, nil)

	first, err := l.RegisterPayment("msg-1", "payer-a", "1500", "SOL", "")
	require.NoError(t, err)

	second, err := l.RegisterPayment("msg-1", "payer-b", "9999", "USDC", "")
	require.NoError(t, err)
	assert.Same(t, first, second, "re-registering returns the existing entry")
	assert.Equal(t, "payer-a", second.Payer)
	assert.Equal(t, 1, l.PendingCount())

	// Registering after settlement still returns the original.
	require.True(t, l.VerifyPayment("msg-1"))
	third, err := l.RegisterPayment("msg-1", "payer-c", "1", "SOL", "")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, third.Status)
	assert.Equal(t, "1500", l.TotalEarnings("SOL"))
}

func TestPendingCap(t *testing.T) {
	t.Parallel()

	l := testLedger(t, &Config{
		MinFee:             "1000",
		FeePerKB:           "500",
		MaxPendingPayments: 3,
	})

	for i := 0; i < 3; i++ {
		_, err := l.RegisterPayment(fmt.Sprintf("msg-%d", i), "p", "1500", "SOL", "")
		require.NoError(t, err)
	}
	_, err := l.RegisterPayment("msg-over", "p", "1500", "SOL", "")
	assert.ErrorIs(t, err, ErrTooManyPending)

	// Settling one frees a slot.
	require.True(t, l.VerifyPayment("msg-0"))
	_, err = l.RegisterPayment("msg-over", "p", "1500", "SOL", "")
	assert.NoError(t, err)
}

func TestPendingCapSweepsExpired(t *testing.T) {
	t.Parallel()

	l := testLedger(t, &Config{
		MinFee:              "1000",
		FeePerKB:            "500",
		MaxPendingPayments:  2,
		VerificationTimeout: time.Millisecond,
	})

	_, err := l.RegisterPayment("msg-0", "p", "1500", "SOL", "")
	require.NoError(t, err)
	_, err = l.RegisterPayment("msg-1", "p", "1500", "SOL", "")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = l.RegisterPayment("msg-2", "p", "1500", "SOL", "")
	require.NoError(t, err, "expired entries are swept before rejecting")

	status, err := l.PaymentStatus("msg-0")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, status)
}

func TestCleanupExpiredPayments(t *testing.T) {
	t.Parallel()

	l := testLedger(t, &Config{
		MinFee:              "1000",
		FeePerKB:            "500",
		VerificationTimeout: time.Millisecond,
	})

	_, err := l.RegisterPayment("msg-0", "p", "1500", "SOL", "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 1, l.CleanupExpiredPayments())
	assert.Equal(t, 0, l.CleanupExpiredPayments())
	assert.Equal(t, 0, l.PendingCount())

	// Expiry is silent: the failed counter and the history stay
	// untouched, and the payment cannot verify afterwards.
	s := l.Summarize()
	assert.Equal(t, 1, s.ExpiredCount)
	assert.Equal(t, 0, s.FailedCount)
	records, _ := l.Export()
	assert.Empty(t, records)
	assert.False(t, l.VerifyPayment("msg-0"))
	assert.False(t, l.FailPayment("msg-0"))
}

func TestSummaryAndRecords(t *testing.T) {
	t.Parallel()

	l := testLedger(t, nil)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("msg-%d", i)
		_, err := l.RegisterPayment(id, "p", "1000", "SOL", "")
		require.NoError(t, err)
		require.True(t, l.VerifyPayment(id))
	}

	s := l.Summarize()
	assert.Equal(t, "5000", s.Earnings["SOL"])
	assert.Equal(t, "SOL", s.FeeToken)
	assert.Equal(t, 5, s.VerifiedCount)
	assert.Equal(t, 0, s.PendingCount)

	recent := l.RecentRecords(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "msg-3", recent[0].PaymentID)
	assert.Equal(t, "msg-4", recent[1].PaymentID)

	records, summary := l.Export()
	assert.Len(t, records, 5)
	assert.Equal(t, s, summary)

	l.Reset()
	assert.Equal(t, "0", l.TotalEarnings("SOL"))
	records, _ = l.Export()
	assert.Empty(t, records)
}

func TestFeeConfig(t *testing.T) {
	t.Parallel()

	l := testLedger(t, nil)
	fc := l.FeeConfig()
	assert.Equal(t, "1000", fc.MinFee)
	assert.Equal(t, "SOL", fc.FeeToken)
	assert.Equal(t, "500", fc.FeePerKB)
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	require.NoError(t, cfg.FixupAndValidate())
	assert.Equal(t, defaultMinFee, cfg.MinFee)
	assert.Equal(t, defaultFeeToken, cfg.FeeToken)
	assert.Equal(t, defaultMaxPendingPayments, cfg.MaxPendingPayments)
	assert.Empty(t, cfg.FeePerKB, "no per-KB fee unless configured")

	assert.Error(t, (&Config{MinFee: "not-a-number"}).FixupAndValidate())
	assert.Error(t, (&Config{FeePerKB: "1.5"}).FixupAndValidate())
}

// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

package incentive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAppendLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "earnings.db")
	s, err := OpenStore(path)
	require.NoError(t, err)

	recs := []Record{
		{PaymentID: "msg-0", Payer: "payer-a", Amount: "1000", Token: "SOL", Verified: true, EarnedAt: time.Now().UnixMilli()},
		{PaymentID: "msg-1", Payer: "payer-b", Amount: "2000", Token: "SOL", Verified: false, EarnedAt: time.Now().UnixMilli()},
	}
	for _, rec := range recs {
		require.NoError(t, s.Append(rec))
	}
	require.NoError(t, s.Close())

	// Reopen and verify append order survived.
	s, err = OpenStore(path)
	require.NoError(t, err)
	defer s.Close()

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, recs, loaded)
}

func TestLedgerRestoresFromStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "earnings.db")
	s, err := OpenStore(path)
	require.NoError(t, err)

	cfg := &Config{MinFee: "1000", FeePerKB: "500"}
	l, err := NewLedger(cfg, s)
	require.NoError(t, err)
	_, err = l.RegisterPayment("msg-0", "p", "1500", "SOL", "")
	require.NoError(t, err)
	require.True(t, l.VerifyPayment("msg-0"))
	_, err = l.RegisterPayment("msg-1", "p", "2000", "SOL", "")
	require.NoError(t, err)
	require.True(t, l.FailPayment("msg-1"))
	require.NoError(t, s.Close())

	s, err = OpenStore(path)
	require.NoError(t, err)
	defer s.Close()

	// Only the verified record counts towards earnings; the failed one
	// survives as history.
	restored, err := NewLedger(cfg, s)
	require.NoError(t, err)
	assert.Equal(t, "1500", restored.TotalEarnings("SOL"))
	summary := restored.Summarize()
	assert.Equal(t, 1, summary.VerifiedCount)
	assert.Equal(t, 1, summary.FailedCount)
	records, _ := restored.Export()
	require.Len(t, records, 2)
	assert.Equal(t, "msg-0", records[0].PaymentID)
	assert.True(t, records[0].Verified)
	assert.False(t, records[1].Verified)
}

// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

package incentive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatFee(t *testing.T) {
	t.Parallel()

	cases := []struct {
		amount string
		want   string
	}{
		{"1500000000", "1.5 SOL"},
		{"500000000", "0.5 SOL"},
		{"1000000000", "1 SOL"},
		{"0", "0 SOL"},
		{"1", "0.000000001 SOL"},
		{"123456789012", "123.456789012 SOL"},
	}
	for _, tc := range cases {
		got, err := FormatFee(tc.amount, "SOL")
		require.NoError(t, err, tc.amount)
		assert.Equal(t, tc.want, got)
	}

	_, err := FormatFee("garbage", "SOL")
	assert.ErrorIs(t, err, ErrInvalidFeeFormat)
	_, err = FormatFee("-5", "SOL")
	assert.ErrorIs(t, err, ErrInvalidFeeFormat)
}

func TestParseFee(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in         string
		wantAmount string
		wantToken  string
	}{
		{"0.5 SOL", "500000000", "SOL"},
		{"1.5 SOL", "1500000000", "SOL"},
		{"2 USDC", "2000000000", "USDC"},
		{"0.000000001 SOL", "1", "SOL"},
		{".25 SOL", "250000000", "SOL"},
	}
	for _, tc := range cases {
		amount, token, err := ParseFee(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.wantAmount, amount)
		assert.Equal(t, tc.wantToken, token)
	}

	for _, bad := range []string{"", "SOL", "1.5", "1.5 SOL extra", "x SOL", "0.1234567891 SOL", "-1 SOL"} {
		_, _, err := ParseFee(bad)
		assert.ErrorIs(t, err, ErrInvalidFeeFormat, "input %q", bad)
	}
}

func TestFeeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, amount := range []string{"0", "1", "999999999", "1000000000", "1500000000"} {
		formatted, err := FormatFee(amount, "SOL")
		require.NoError(t, err)
		parsed, token, err := ParseFee(formatted)
		require.NoError(t, err)
		assert.Equal(t, amount, parsed)
		assert.Equal(t, "SOL", token)
	}
}

// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

package incentive

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// FeeDecimals is the smallest unit scale of supported fee tokens.
const FeeDecimals = 9

// ErrInvalidFeeFormat is returned for malformed fee strings.
var ErrInvalidFeeFormat = errors.New("incentive: invalid fee format")

var feeScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(FeeDecimals), nil)

// FormatFee renders an amount in smallest units as a decimal quantity
// followed by the token symbol, trimming trailing fractional zeros.
func FormatFee(amount, token string) (string, error) {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok || v.Sign() < 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidFeeFormat, amount)
	}
	whole, frac := new(big.Int).QuoRem(v, feeScale, new(big.Int))
	if frac.Sign() == 0 {
		return fmt.Sprintf("%s %s", whole, token), nil
	}
	digits := strings.TrimRight(fmt.Sprintf("%09d", frac), "0")
	return fmt.Sprintf("%s.%s %s", whole, digits, token), nil
}

// ParseFee parses a decimal quantity plus token symbol, for example
// "0.5 SOL", back into smallest units and the token.
func ParseFee(s string) (string, string, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidFeeFormat, s)
	}
	quantity, token := fields[0], fields[1]

	whole := quantity
	frac := ""
	if idx := strings.IndexByte(quantity, '.'); idx >= 0 {
		whole, frac = quantity[:idx], quantity[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > FeeDecimals {
		return "", "", fmt.Errorf("%w: more than %d decimals in %q", ErrInvalidFeeFormat, FeeDecimals, s)
	}
	frac += strings.Repeat("0", FeeDecimals-len(frac))

	w, ok := new(big.Int).SetString(whole, 10)
	if !ok || w.Sign() < 0 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidFeeFormat, s)
	}
	f, ok := new(big.Int).SetString(frac, 10)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidFeeFormat, s)
	}
	amount := new(big.Int).Add(new(big.Int).Mul(w, feeScale), f)
	return amount.String(), token, nil
}

// Package gxc provides GXC amount parsing and formatting.
//
// GXC uses 8 decimal places. Amounts are carried as int64 in the
// smallest unit (1 GXC = 100,000,000 units).
package gxc

import (
	"math"
	"strconv"
	"strings"
)

const (
	Decimals = 8
	Coin     = int64(100_000_000)
)

// BasisPoints is the fixed-point scale used for scores and fee shares.
const BasisPoints = 10_000

// Parse converts a decimal string (e.g. "1.5") to units (150000000).
// Returns (0, false) on invalid or negative input. Digits beyond the
// eighth decimal place are truncated.
func Parse(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole, frac := parts[0], ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, false
	}
	if whole == "" {
		whole = "0"
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	w, err := strconv.ParseUint(whole, 10, 63)
	if err != nil {
		return 0, false
	}
	f, err := strconv.ParseUint(frac, 10, 63)
	if err != nil {
		return 0, false
	}
	if w > uint64(math.MaxInt64/Coin) {
		return 0, false
	}
	total := int64(w)*Coin + int64(f)
	if total < 0 {
		return 0, false
	}
	return total, true
}

// Format renders units with exactly 8 decimal places (e.g. "1.50000000").
func Format(units int64) string {
	neg := units < 0
	u := uint64(units)
	if neg {
		u = uint64(-(units + 1)) + 1
	}
	s := strconv.FormatUint(u, 10)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	cut := len(s) - Decimals
	out := s[:cut] + "." + s[cut:]
	if neg {
		out = "-" + out
	}
	return out
}

// ApplyBps returns floor(amount * bps / 10000) without overflowing for any
// non-negative int64 amount.
func ApplyBps(amount int64, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	q, r := amount/BasisPoints, amount%BasisPoints
	return q*bps + r*bps/BasisPoints
}

package gxc

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one coin", "1", 100_000_000},
		{"half", "0.5", 50_000_000},
		{"smallest unit", "0.00000001", 1},
		{"eight decimals", "1.12345678", 112_345_678},
		{"truncates ninth decimal", "1.123456789", 112_345_678},
		{"leading dot", ".25", 25_000_000},
		{"leading zeros", "007.5", 750_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "-1", "+1", "1.2.3", "abc", ".", "1e5", "99999999999999999999"} {
		if _, ok := Parse(in); ok {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.00000000"},
		{1, "0.00000001"},
		{Coin, "1.00000000"},
		{150_000_000, "1.50000000"},
		{-1, "-0.00000001"},
		{math.MinInt64, "-92233720368.54775808"},
	}
	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestApplyBps(t *testing.T) {
	if got := ApplyBps(1000, 1500); got != 150 {
		t.Errorf("15%% of 1000 = %d, want 150", got)
	}
	if got := ApplyBps(999, 20); got != 1 {
		t.Errorf("0.2%% of 999 = %d, want 1", got)
	}
	if got := ApplyBps(-5, 1500); got != 0 {
		t.Errorf("negative amount should yield 0, got %d", got)
	}
}

func TestApplyBps_NeverExceedsAmount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		amount := rapid.Int64Range(0, math.MaxInt64).Draw(t, "amount")
		bps := rapid.Int64Range(0, BasisPoints).Draw(t, "bps")
		got := ApplyBps(amount, bps)
		if got < 0 || got > amount {
			t.Fatalf("ApplyBps(%d, %d) = %d out of range", amount, bps, got)
		}
	})
}

func TestFormatParse_Consistent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		units := rapid.Int64Range(0, 1_000_000*Coin).Draw(t, "units")
		got, ok := Parse(Format(units))
		if !ok || got != units {
			t.Fatalf("Parse(Format(%d)) = %d, %v", units, got, ok)
		}
	})
}

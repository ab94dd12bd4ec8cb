// Package taint tracks how much of a transaction's value derives from funds
// reported stolen.
//
// A transaction's score is the amount-weighted average of its sources'
// scores, in basis points (10000 = fully tainted). Scores are computed once
// and persisted. MarkStolen pins a transaction to 10000 as a taint origin
// and rescores the stored records downstream of it.
package taint

import (
	"fmt"
	"math/big"

	"github.com/mbd888/taintguard/internal/gxc"
)

// Score is a taint score in basis points, 0..MaxScore.
type Score int64

const MaxScore Score = gxc.BasisPoints

// Float returns the score as a fraction in [0, 1].
func (s Score) Float() float64 {
	return float64(s) / float64(MaxScore)
}

func (s Score) String() string {
	return fmt.Sprintf("%d.%04d", s/MaxScore, s%MaxScore)
}

// Level is a coarse risk classification of a score.
type Level string

const (
	LevelClean    Level = "CLEAN"
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// RiskLevel classifies s: CLEAN at 0, then LOW below 0.1, MEDIUM below 0.5,
// HIGH below 0.8, CRITICAL at or above 0.8.
func RiskLevel(s Score) Level {
	switch {
	case s <= 0:
		return LevelClean
	case s < 1000:
		return LevelLow
	case s < 5000:
		return LevelMedium
	case s < 8000:
		return LevelHigh
	}
	return LevelCritical
}

// weightedSum accumulates Σ amount·score exactly and divides once.
type weightedSum struct {
	total    big.Int
	weighted big.Int
}

func (w *weightedSum) add(amount int64, s Score) {
	a := big.NewInt(amount)
	w.total.Add(&w.total, a)
	w.weighted.Add(&w.weighted, a.Mul(a, big.NewInt(int64(s))))
}

func (w *weightedSum) empty() bool { return w.total.Sign() == 0 }

// score returns floor(weighted / total), clamped to [0, MaxScore].
func (w *weightedSum) score() Score {
	if w.total.Sign() <= 0 {
		return 0
	}
	q := new(big.Int).Quo(&w.weighted, &w.total)
	if q.Sign() < 0 {
		return 0
	}
	if q.Cmp(big.NewInt(int64(MaxScore))) > 0 {
		return MaxScore
	}
	return Score(q.Int64())
}

// Weight returns amount·s/MaxScore rounded down: the portion of amount
// attributable to stolen funds.
func Weight(amount int64, s Score) int64 {
	return gxc.ApplyBps(amount, int64(s))
}

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/reports"
	"github.com/mbd888/taintguard/internal/taint"
)

func TestRenderCheck(t *testing.T) {
	var buf bytes.Buffer
	renderCheck(&buf, &taint.Check{
		TxHash:    "ab12",
		ScoreBps:  7500,
		RiskLevel: taint.LevelHigh,
		Hops:      2,
		Parent:    "cd34",
	})
	out := buf.String()
	assert.Contains(t, out, "ab12")
	assert.Contains(t, out, "cd34")
	assert.Contains(t, out, string(taint.LevelHigh))
	assert.NotContains(t, out, "provisional")
}

func TestRenderStatistics_SeveritiesByRank(t *testing.T) {
	var buf bytes.Buffer
	renderStatistics(&buf, &reports.Statistics{
		TotalReports:        3,
		TotalAmountReported: 150_000_000,
		AlertsBySeverity: map[alerts.Severity]int{
			alerts.SeverityLow:      4,
			alerts.SeverityCritical: 1,
			alerts.SeverityMedium:   2,
		},
	})
	out := buf.String()
	assert.Contains(t, out, "1.50000000")
	crit := strings.Index(out, "alerts CRITICAL")
	med := strings.Index(out, "alerts MEDIUM")
	low := strings.Index(out, "alerts LOW")
	assert.True(t, crit >= 0 && crit < med && med < low, out)
}

func TestRenderReports_Footer(t *testing.T) {
	var buf bytes.Buffer
	rs := []*reports.FraudReport{
		{ID: "rpt_1", TxHash: "ab12", ReporterAddress: "GXCvictim", Amount: 100_000_000, SubmittedAt: time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)},
	}
	renderReports(&buf, &rs)
	out := buf.String()
	assert.Contains(t, out, "rpt_1")
	assert.Contains(t, out, "1.00000000")
	assert.Contains(t, out, "2026-06-02 09:00")
}

func TestOptional(t *testing.T) {
	assert.Nil(t, optional(""))
	if v := optional("x"); assert.NotNil(t, v) {
		assert.Equal(t, "x", *v)
	}
}

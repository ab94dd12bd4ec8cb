package detectors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/taint"
	"github.com/mbd888/taintguard/internal/traces"
)

var (
	detectorRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taintguard",
		Subsystem: "detectors",
		Name:      "runs_total",
		Help:      "Detector invocations by detector and outcome (clean, fired, error, panic).",
	}, []string{"detector", "outcome"})

	detectorDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taintguard",
		Subsystem: "detectors",
		Name:      "duration_seconds",
		Help:      "Detector latency.",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"detector"})
)

func init() {
	prometheus.MustRegister(detectorRuns, detectorDuration)
}

// Assessment is the combined outcome of all detectors for one subject.
type Assessment struct {
	TxHash string          `json:"txHash"`
	Score  taint.Score     `json:"scoreBps"`
	Level  alerts.Severity `json:"level"`
	Fired  []string        `json:"fired"`
	Failed []string        `json:"failed,omitempty"`
	Alerts []*alerts.Alert `json:"alerts"`
}

// Runner fans a subject out to every detector. A failing or panicking
// detector never affects the others.
type Runner struct {
	detectors []Detector
	logger    *slog.Logger
}

// NewRunner creates a runner over the given detectors.
func NewRunner(logger *slog.Logger, detectors ...Detector) *Runner {
	return &Runner{detectors: detectors, logger: logger}
}

// Detectors returns the names of the configured detectors.
func (r *Runner) Detectors() []string {
	names := make([]string, len(r.detectors))
	for i, d := range r.detectors {
		names[i] = d.Name()
	}
	return names
}

type result struct {
	idx    int
	alerts []*alerts.Alert
	err    error
}

// Run executes every detector concurrently and collects their alerts in
// detector order.
func (r *Runner) Run(ctx context.Context, s Subject) Assessment {
	ctx, span := traces.StartSpan(ctx, "detectors.Run", traces.TxHash(s.Tx.Hash), traces.Score(int64(s.Taint.Score)))
	defer span.End()

	results := make([]result, len(r.detectors))
	var wg sync.WaitGroup
	for i, d := range r.detectors {
		wg.Add(1)
		go func(i int, d Detector) {
			defer wg.Done()
			results[i] = r.runOne(ctx, d, s)
			results[i].idx = i
		}(i, d)
	}
	wg.Wait()

	out := Assessment{TxHash: s.Tx.Hash, Score: s.Taint.Score}
	for _, res := range results {
		name := r.detectors[res.idx].Name()
		if res.err != nil {
			out.Failed = append(out.Failed, name)
			r.logger.Warn("detector failed", "detector", name, "tx", s.Tx.Hash, "error", res.err)
			continue
		}
		if len(res.alerts) == 0 {
			continue
		}
		out.Fired = append(out.Fired, name)
		out.Alerts = append(out.Alerts, res.alerts...)
	}
	out.Level = calculateAlertLevel(s.Taint.Score, len(out.Fired))
	return out
}

func (r *Runner) runOne(ctx context.Context, d Detector, s Subject) (res result) {
	name := d.Name()
	start := time.Now()
	defer func() {
		detectorDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if p := recover(); p != nil {
			detectorRuns.WithLabelValues(name, "panic").Inc()
			res = result{err: fmt.Errorf("detector %s panicked: %v", name, p)}
		}
	}()

	found, err := d.Detect(ctx, s)
	switch {
	case err != nil:
		detectorRuns.WithLabelValues(name, "error").Inc()
		return result{err: err}
	case len(found) > 0:
		detectorRuns.WithLabelValues(name, "fired").Inc()
	default:
		detectorRuns.WithLabelValues(name, "clean").Inc()
	}
	return result{alerts: found}
}

// calculateAlertLevel combines the subject's taint with the number of
// detectors that fired.
func calculateAlertLevel(score taint.Score, violations int) alerts.Severity {
	switch {
	case score >= 8000 || violations >= 3:
		return alerts.SeverityCritical
	case score >= 5000 || violations >= 2:
		return alerts.SeverityHigh
	case score >= 1000:
		return alerts.SeverityMedium
	}
	return alerts.SeverityLow
}

package engine

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	pushSucceeded    metric.Int64Counter
	pushFailed       metric.Int64Counter
	pushDeadLettered metric.Int64Counter
	pushSkipped      metric.Int64Counter
	pullImported     metric.Int64Counter
	runs             metric.Int64Counter
	runDuration      metric.Float64Histogram
}

// newMetrics creates the engine instruments. Instruments that fail to
// register are still usable noops, so the error is informational.
func newMetrics(m metric.Meter) (*metrics, error) {
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, err)
		}
		return c
	}

	out := &metrics{
		pushSucceeded:    counter("syncd.push.succeeded", "Outbox operations applied to the remote service"),
		pushFailed:       counter("syncd.push.failed", "Failed push attempts"),
		pushDeadLettered: counter("syncd.push.dead_lettered", "Operations moved to the dead-letter table"),
		pushSkipped:      counter("syncd.push.skipped", "Operations skipped for belonging to another identity"),
		pullImported:     counter("syncd.pull.imported", "Remote records inserted or updated locally"),
		runs:             counter("syncd.runs", "SyncAll invocations by outcome"),
	}
	hist, err := m.Float64Histogram("syncd.run.duration_ms",
		metric.WithDescription("SyncAll wall-clock duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		errs = append(errs, err)
	}
	out.runDuration = hist
	return out, errors.Join(errs...)
}

func (m *metrics) recordCollection(ctx context.Context, cr *CollectionResult) {
	attrs := metric.WithAttributes(attribute.String("collection", string(cr.Collection)))
	m.pushSucceeded.Add(ctx, int64(cr.Pushed), attrs)
	m.pushFailed.Add(ctx, int64(cr.Failed), attrs)
	m.pushDeadLettered.Add(ctx, int64(cr.DeadLettered), attrs)
	m.pushSkipped.Add(ctx, int64(cr.Skipped), attrs)
	m.pullImported.Add(ctx, int64(cr.Pulled), attrs)
}

func (m *metrics) recordRun(ctx context.Context, res *Result) {
	outcome := "success"
	switch {
	case res.Skipped != SkipNone:
		outcome = string(res.Skipped)
	case !res.Success:
		outcome = "partial"
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if res.Skipped == SkipNone {
		m.runDuration.Record(ctx, float64(res.Duration().Milliseconds()))
	}
}

package event

import (
	"context"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
)

// InfluxReporter stores publish outcomes and dispatch summaries.
type InfluxReporter struct {
	w   *Writer
	now func() time.Time
}

func NewInfluxReporter(w *Writer) *InfluxReporter {
	return &InfluxReporter{w: w, now: time.Now}
}

func (r *InfluxReporter) ReportPublish(ctx context.Context, o model.PublishOutcome) error {
	return r.w.Write(ctx, MeasurementPublish, OutcomeToPoint(o, r.now()))
}

func (r *InfluxReporter) ReportSummary(ctx context.Context, sum model.DispatchSummary) error {
	return r.w.Write(ctx, MeasurementDispatch, SummaryToPoint(sum))
}

package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
)

// Reporter receives publish outcomes and run summaries. Reporting is best
// effort: errors are logged by the dispatcher and never change a status.
type Reporter interface {
	ReportPublish(ctx context.Context, o model.PublishOutcome) error
	ReportSummary(ctx context.Context, sum model.DispatchSummary) error
}

// Reporters fans out to every reporter, even when one of them fails.
type Reporters []Reporter

func (rs Reporters) ReportPublish(ctx context.Context, o model.PublishOutcome) error {
	var errs []error
	for _, r := range rs {
		if err := safeReport(func() error { return r.ReportPublish(ctx, o) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rs Reporters) ReportSummary(ctx context.Context, sum model.DispatchSummary) error {
	var errs []error
	for _, r := range rs {
		if err := safeReport(func() error { return r.ReportSummary(ctx, sum) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func safeReport(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reporter panic: %v", r)
		}
	}()
	return fn()
}

type nopReporter struct{}

func (nopReporter) ReportPublish(context.Context, model.PublishOutcome) error  { return nil }
func (nopReporter) ReportSummary(context.Context, model.DispatchSummary) error { return nil }

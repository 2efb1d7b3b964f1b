package dispatcher

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	"github.com/google/uuid"
)

// Store is what the dispatcher reads and writes.
type Store interface {
	DueSchedules(ctx context.Context, from, to time.Time, status model.ScheduleStatus) ([]model.Schedule, error)
	Schedule(ctx context.Context, id int64) (model.Schedule, error)
	UpdateScheduleStatus(ctx context.Context, id int64, status model.ScheduleStatus) error
}

// SchedulePublisher sends one schedule to its tunnel controller.
type SchedulePublisher interface {
	Publish(ctx context.Context, s model.Schedule) (model.PublishResult, error)
}

type Config struct {
	// Location defines the calendar day; defaults to time.Local.
	Location *time.Location
	Logger   *log.Logger
	Now      func() time.Time
}

// Dispatcher publishes the pending schedules of a day, one at a time, and
// records the outcome of each on its schedule.
type Dispatcher struct {
	store    Store
	pub      SchedulePublisher
	reporter Reporter
	loc      *time.Location
	now      func() time.Time
	logger   *log.Logger
	inflight *inflight
}

func New(store Store, pub SchedulePublisher, reporter Reporter, cfg Config) *Dispatcher {
	if reporter == nil {
		reporter = nopReporter{}
	}
	d := &Dispatcher{
		store:    store,
		pub:      pub,
		reporter: reporter,
		loc:      cfg.Location,
		now:      cfg.Now,
		logger:   cfg.Logger,
		inflight: newInflight(),
	}
	if d.loc == nil {
		d.loc = time.Local
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.logger == nil {
		d.logger = log.Default()
	}
	return d
}

// Run dispatches today's pending schedules.
func (d *Dispatcher) Run(ctx context.Context) (model.DispatchSummary, error) {
	return d.RunDay(ctx, d.now())
}

// RunDay dispatches the pending schedules of the calendar day containing
// day, both ends inclusive. Only pending rows are selected, so a second run
// on the same day publishes nothing already sent.
func (d *Dispatcher) RunDay(ctx context.Context, day time.Time) (model.DispatchSummary, error) {
	from := midnightLocal(day, d.loc)
	to := from.AddDate(0, 0, 1).Add(-time.Nanosecond)

	sum := model.DispatchSummary{
		RunID:     uuid.NewString(),
		Day:       from.Format(model.ScheduleDateLayout),
		StartedAt: d.now(),
	}

	due, err := d.store.DueSchedules(ctx, from, to, model.StatusPending)
	if err != nil {
		sum.FinishedAt = d.now()
		return sum, fmt.Errorf("load due schedules for %s: %w", sum.Day, err)
	}
	d.logger.Printf("dispatcher: run %s day=%s due=%d", sum.RunID, sum.Day, len(due))

	var runErr error
	for _, s := range due {
		if err := ctx.Err(); err != nil {
			runErr = err
			d.logger.Printf("dispatcher: run %s stopped after %d of %d: %v", sum.RunID, sum.Considered, len(due), err)
			break
		}
		sum.Considered++
		d.dispatch(ctx, sum.RunID, s, &sum)
	}

	sum.FinishedAt = d.now()
	d.logger.Printf("dispatcher: run %s done considered=%d published=%d failed=%d skipped=%d persistence_errors=%d",
		sum.RunID, sum.Considered, sum.Published, sum.Failed, sum.Skipped, sum.PersistenceErrors)
	if err := d.reporter.ReportSummary(context.WithoutCancel(ctx), sum); err != nil {
		d.logger.Printf("dispatcher: report summary: %v", err)
	}
	return sum, runErr
}

func (d *Dispatcher) dispatch(ctx context.Context, runID string, s model.Schedule, sum *model.DispatchSummary) {
	if !d.inflight.acquire(s.ID) {
		sum.Skipped++
		sum.Failures = append(sum.Failures, model.DispatchFailure{ScheduleID: s.ID, Error: model.ErrInFlight.Error()})
		d.logger.Printf("dispatcher: schedule %d skipped: %v", s.ID, model.ErrInFlight)
		return
	}
	defer d.inflight.release(s.ID)

	o := d.attempt(ctx, runID, s)
	if o.Status == model.StatusSent {
		sum.Published++
	} else {
		sum.Failed++
		sum.Failures = append(sum.Failures, model.DispatchFailure{ScheduleID: s.ID, Error: failureReason(o)})
	}

	if err := d.writeStatus(ctx, s.ID, o.Status); err != nil {
		sum.PersistenceErrors++
		sum.Failures = append(sum.Failures, model.DispatchFailure{ScheduleID: s.ID, Error: err.Error()})
	}
}

// PublishOne is the manual trigger for a single schedule. Pending and failed
// schedules are accepted; a sent schedule is rejected.
func (d *Dispatcher) PublishOne(ctx context.Context, id int64) (model.PublishResult, error) {
	if !d.inflight.acquire(id) {
		return model.PublishResult{ScheduleID: id}, fmt.Errorf("schedule %d: %w", id, model.ErrInFlight)
	}
	defer d.inflight.release(id)

	s, err := d.store.Schedule(ctx, id)
	if err != nil {
		return model.PublishResult{ScheduleID: id}, err
	}
	if s.Status == model.StatusSent {
		return model.PublishResult{ScheduleID: id}, fmt.Errorf("schedule %d already sent: %w", id, model.ErrValidation)
	}

	o := d.attempt(ctx, "", s)
	if err := d.writeStatus(ctx, s.ID, o.Status); err != nil {
		return o.Result, err
	}
	return o.Result, o.Err
}

// attempt publishes one schedule, turning a panic into a failed outcome.
func (d *Dispatcher) attempt(ctx context.Context, runID string, s model.Schedule) (o model.PublishOutcome) {
	start := time.Now()
	o = model.PublishOutcome{RunID: runID, Schedule: s, Status: model.StatusFailed}

	defer func() {
		if r := recover(); r != nil {
			o.Status = model.StatusFailed
			o.Err = fmt.Errorf("schedule %d: panic while publishing: %v", s.ID, r)
			d.logger.Printf("dispatcher: %v", o.Err)
		}
		o.Duration = time.Since(start)
		if err := d.reporter.ReportPublish(context.WithoutCancel(ctx), o); err != nil {
			d.logger.Printf("dispatcher: report schedule %d: %v", s.ID, err)
		}
	}()

	o.Result, o.Err = d.pub.Publish(ctx, s)
	if o.Err == nil && o.Result.OverallSuccess {
		o.Status = model.StatusSent
	}
	if o.Err != nil {
		d.logger.Printf("dispatcher: schedule %d failed: %v", s.ID, o.Err)
	}
	return o
}

// writeStatus is not retried; the row keeps its previous status and the next
// run reconciles it.
func (d *Dispatcher) writeStatus(ctx context.Context, id int64, status model.ScheduleStatus) error {
	if err := d.store.UpdateScheduleStatus(context.WithoutCancel(ctx), id, status); err != nil {
		err = fmt.Errorf("%w: schedule %d status %s: %v", model.ErrPersistence, id, status, err)
		d.logger.Printf("dispatcher: %v", err)
		return err
	}
	return nil
}

func failureReason(o model.PublishOutcome) string {
	if o.Err != nil {
		return o.Err.Error()
	}
	failed := o.Result.Failed()
	if len(failed) == 0 {
		return "publish failed"
	}
	msg := fmt.Sprintf("%d of %d topics failed:", len(failed), len(o.Result.Topics))
	for _, t := range failed {
		msg += " " + t.Topic
		if t.Error != "" {
			msg += " (" + t.Error + ")"
		}
	}
	return msg
}

func midnightLocal(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

package release

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/publisher"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/rabbitmq"
)

// ScheduleSource loads a schedule with its tunnel and releases.
type ScheduleSource interface {
	Schedule(ctx context.Context, id int64) (model.Schedule, error)
}

type Config struct {
	Delay  time.Duration
	Logger *log.Logger
}

// Control sends single-release overrides to a tunnel controller. It never
// changes the status of the schedule.
type Control struct {
	store  ScheduleSource
	bus    rabbitmq.Publisher
	delay  time.Duration
	logger *log.Logger
}

func New(store ScheduleSource, bus rabbitmq.Publisher, cfg Config) *Control {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Control{store: store, bus: bus, delay: cfg.Delay, logger: logger}
}

// Cancel neutralizes release index: "0" on its volume topic, then "null" on
// its time topic.
func (c *Control) Cancel(ctx context.Context, scheduleID int64, index int) (model.ReleaseActionResult, error) {
	return c.do(ctx, scheduleID, index, model.ActionCancel)
}

// RunNow sends "null" to the time topic only, which the firmware executes
// immediately.
func (c *Control) RunNow(ctx context.Context, scheduleID int64, index int) (model.ReleaseActionResult, error) {
	return c.do(ctx, scheduleID, index, model.ActionRun)
}

func (c *Control) do(ctx context.Context, scheduleID int64, index int, action model.ReleaseAction) (model.ReleaseActionResult, error) {
	res := model.ReleaseActionResult{ScheduleID: scheduleID, Index: index, Action: action}

	if index < 0 || index >= model.MaxReleases {
		return c.reject(res, fmt.Errorf("release index %d out of range 0..%d: %w", index, model.MaxReleases-1, model.ErrValidation))
	}
	s, err := c.store.Schedule(ctx, scheduleID)
	if err != nil {
		return c.reject(res, err)
	}
	if _, ok := s.ReleaseAt(index); !ok {
		return c.reject(res, fmt.Errorf("schedule %d has no release at index %d: %w", scheduleID, index, model.ErrValidation))
	}
	addr := s.Tunnel.DeviceAddress
	if addr == "" {
		return c.reject(res, fmt.Errorf("tunnel %d has no device address: %w", s.TunnelID, model.ErrConnectivity))
	}
	if err := publisher.EnsureConnected(c.bus); err != nil {
		return c.reject(res, fmt.Errorf("schedule %d: %w", scheduleID, err))
	}

	tr := publisher.NewTracker(c.bus, c.delay)
	switch action {
	case model.ActionCancel:
		tr.Publish(model.VolumeTopic(addr, index), model.PayloadZero)
		tr.Publish(model.TimeTopic(addr, index), model.PayloadNull)
	case model.ActionRun:
		tr.Publish(model.TimeTopic(addr, index), model.PayloadNull)
	}

	res.Topics = tr.Results()
	res.Success = tr.AllSucceeded()
	if res.Success {
		res.Message = fmt.Sprintf("release %d of schedule %d: %s sent to %s", index+1, scheduleID, action, addr)
	} else {
		res.Message = fmt.Sprintf("release %d of schedule %d: %s partially failed (%d of %d topics)",
			index+1, scheduleID, action, tr.FailedCount(), len(res.Topics))
	}
	c.logger.Printf("release: %s", res.Message)
	return res, nil
}

func (c *Control) reject(res model.ReleaseActionResult, err error) (model.ReleaseActionResult, error) {
	res.Message = err.Error()
	c.logger.Printf("release: %s schedule %d index %d rejected: %v", res.Action, res.ScheduleID, res.Index, err)
	return res, err
}

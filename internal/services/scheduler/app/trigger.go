package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
)

// NextRun returns the first wall-clock occurrence of at ("HH:MM") in loc
// strictly after now.
func NextRun(now time.Time, at string, loc *time.Location) (time.Time, error) {
	hm, err := time.Parse("15:04", at)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad daily time %q: %w", at, model.ErrValidation)
	}
	if loc == nil {
		loc = time.Local
	}
	lt := now.In(loc)
	next := time.Date(lt.Year(), lt.Month(), lt.Day(), hm.Hour(), hm.Minute(), 0, 0, loc)
	if !next.After(lt) {
		next = time.Date(lt.Year(), lt.Month(), lt.Day()+1, hm.Hour(), hm.Minute(), 0, 0, loc)
	}
	return next, nil
}

// DailyRunner is the part of the dispatcher the trigger drives.
type DailyRunner interface {
	Run(ctx context.Context) (model.DispatchSummary, error)
}

// RunDaily calls d.Run once a day at at until ctx is done.
func RunDaily(ctx context.Context, d DailyRunner, at string, loc *time.Location, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	for {
		next, err := NextRun(time.Now(), at, loc)
		if err != nil {
			return err
		}
		logger.Printf("trigger: next dispatch at %s", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		sum, err := d.Run(ctx)
		if err != nil {
			logger.Printf("trigger: dispatch run %s: %v", sum.RunID, err)
			continue
		}
		logger.Printf("trigger: dispatch run %s published=%d failed=%d", sum.RunID, sum.Published, sum.Failed)
	}
}

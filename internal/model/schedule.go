package model

import (
	"fmt"
	"math"
	"time"
)

// ScheduleStatus is the publishing state of a schedule.
type ScheduleStatus string

const (
	StatusPending ScheduleStatus = "pending"
	StatusSent    ScheduleStatus = "sent"
	StatusFailed  ScheduleStatus = "failed"
)

// MaxReleases is the number of release slots a tunnel controller exposes.
const MaxReleases = 3

// ReleaseTimeLayout is the wall-clock format of a release time.
const ReleaseTimeLayout = "15:04"

// Release is one timed dispense within a schedule. Its position in
// Schedule.Releases selects the wire slot (index 0 -> release 1).
type Release struct {
	Time     string  `json:"time"` // HH:MM
	Quantity float64 `json:"quantity"`
}

// Schedule is one planned fertigation event.
type Schedule struct {
	ID                 int64           `json:"id"`
	CustomerID         int64           `json:"customer_id"`
	TunnelID           int64           `json:"tunnel_id"`
	Tunnel             Tunnel          `json:"tunnel"`
	ItemID             int64           `json:"item_id,omitempty"` // 0 for water-only schedules
	Item               *FertilizerItem `json:"item,omitempty"`
	FertilizerQuantity float64         `json:"fertilizer_quantity"`
	WaterVolume        float64         `json:"water_volume"`
	ScheduledAt        time.Time       `json:"scheduled_at"`
	Status             ScheduleStatus  `json:"status"`
	Releases           []Release       `json:"releases"`
}

// WaterOnly reports whether the schedule carries no fertilizer item.
func (s Schedule) WaterOnly() bool {
	return s.ItemID == 0
}

// Validate checks the parts of a schedule the publisher relies on.
// It never touches the bus.
func (s Schedule) Validate() error {
	if s.Tunnel.DeviceAddress == "" {
		return fmt.Errorf("schedule %d: tunnel %d: %w", s.ID, s.TunnelID, ErrConfiguration)
	}
	if n := len(s.Releases); n == 0 || n > MaxReleases {
		return fmt.Errorf("schedule %d has %d releases, want 1..%d: %w", s.ID, n, MaxReleases, ErrValidation)
	}
	for i, r := range s.Releases {
		if _, err := time.Parse(ReleaseTimeLayout, r.Time); err != nil {
			return fmt.Errorf("schedule %d release %d: bad time %q: %w", s.ID, i, r.Time, ErrValidation)
		}
		if !finite(r.Quantity) || r.Quantity < 0 {
			return fmt.Errorf("schedule %d release %d: bad quantity %v: %w", s.ID, i, r.Quantity, ErrValidation)
		}
	}
	if !finite(s.WaterVolume) {
		return fmt.Errorf("schedule %d: bad water volume %v: %w", s.ID, s.WaterVolume, ErrValidation)
	}
	if !finite(s.FertilizerQuantity) {
		return fmt.Errorf("schedule %d: bad fertilizer quantity %v: %w", s.ID, s.FertilizerQuantity, ErrValidation)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ReleaseAt returns the release stored at index, if any.
func (s Schedule) ReleaseAt(index int) (Release, bool) {
	if index < 0 || index >= len(s.Releases) {
		return Release{}, false
	}
	return s.Releases[index], true
}

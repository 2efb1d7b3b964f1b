package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	"gopkg.in/yaml.v3"
)

// Seed is the YAML import format used by operators and import jobs.
type Seed struct {
	Items     []SeedItem     `yaml:"items"`
	Tunnels   []SeedTunnel   `yaml:"tunnels"`
	Schedules []SeedSchedule `yaml:"schedules"`
}

type SeedItem struct {
	ID       int64  `yaml:"id"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Unit     string `yaml:"unit"`
}

type SeedTunnel struct {
	ID            int64      `yaml:"id"`
	Name          string     `yaml:"name"`
	DeviceAddress string     `yaml:"device_address"`
	Tanks         []SeedTank `yaml:"tanks"`
}

type SeedTank struct {
	Slot    string `yaml:"slot"`
	Content string `yaml:"content"`
	ItemID  int64  `yaml:"item_id"`
}

type SeedSchedule struct {
	CustomerID         int64         `yaml:"customer_id"`
	TunnelID           int64         `yaml:"tunnel_id"`
	ItemID             int64         `yaml:"item_id"`
	FertilizerQuantity float64       `yaml:"fertilizer_quantity"`
	WaterVolume        float64       `yaml:"water_volume"`
	ScheduledAt        string        `yaml:"scheduled_at"` // "2006-01-02 15:04" or "2006-01-02"
	Releases           []SeedRelease `yaml:"releases"`
}

type SeedRelease struct {
	Time     string  `yaml:"time"`
	Quantity float64 `yaml:"quantity"`
}

// ImportStats counts what an import wrote.
type ImportStats struct {
	Items     int
	Tunnels   int
	Tanks     int
	Schedules int
}

// Import decodes a seed document and writes it. Schedule times are read in loc.
// Rows written before a failure are kept.
func (db *DB) Import(ctx context.Context, r io.Reader, loc *time.Location) (ImportStats, error) {
	var stats ImportStats
	var seed Seed
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		return stats, fmt.Errorf("failed to parse seed: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}

	for _, it := range seed.Items {
		item := model.FertilizerItem{ID: it.ID, Name: it.Name, Category: it.Category, Unit: it.Unit}
		if err := db.UpsertFertilizerItem(ctx, &item); err != nil {
			return stats, fmt.Errorf("item %q: %w", it.Name, err)
		}
		stats.Items++
	}

	for _, st := range seed.Tunnels {
		tunnel := model.Tunnel{ID: st.ID, Name: st.Name, DeviceAddress: st.DeviceAddress}
		if err := db.UpsertTunnel(ctx, &tunnel); err != nil {
			return stats, fmt.Errorf("tunnel %q: %w", st.Name, err)
		}
		stats.Tunnels++
		for _, tk := range st.Tanks {
			tc := model.TankConfiguration{
				TunnelID: tunnel.ID,
				Slot:     model.TankSlot(tk.Slot),
				Content:  model.TankContent(tk.Content),
				ItemID:   tk.ItemID,
			}
			if err := db.UpsertTankConfiguration(ctx, tc); err != nil {
				return stats, fmt.Errorf("tunnel %q slot %s: %w", st.Name, tk.Slot, err)
			}
			stats.Tanks++
		}
	}

	for i, ss := range seed.Schedules {
		at, err := parseSeedTime(ss.ScheduledAt, loc)
		if err != nil {
			return stats, fmt.Errorf("schedule #%d: %w", i+1, err)
		}
		s := model.Schedule{
			CustomerID:         ss.CustomerID,
			TunnelID:           ss.TunnelID,
			ItemID:             ss.ItemID,
			FertilizerQuantity: ss.FertilizerQuantity,
			WaterVolume:        ss.WaterVolume,
			ScheduledAt:        at,
		}
		for _, r := range ss.Releases {
			s.Releases = append(s.Releases, model.Release{Time: r.Time, Quantity: r.Quantity})
		}
		if err := db.CreateSchedule(ctx, &s); err != nil {
			return stats, fmt.Errorf("schedule #%d: %w", i+1, err)
		}
		stats.Schedules++
	}
	return stats, nil
}

func parseSeedTime(v string, loc *time.Location) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04", model.ScheduleDateLayout, time.RFC3339} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad scheduled_at %q: %w", v, model.ErrValidation)
}

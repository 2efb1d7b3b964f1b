package publisher

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/tankmap"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/rabbitmq"
)

// SlotResolver tells which tank slot holds an item or water on a tunnel.
type SlotResolver interface {
	ResolveSlotForItem(ctx context.Context, tunnelID, itemID int64) (model.TankSlot, bool)
	ResolveWaterSlot(ctx context.Context, tunnelID int64) (model.TankSlot, bool)
}

type Config struct {
	// Delay between consecutive publishes of one schedule.
	Delay time.Duration

	// Location the schedule date is rendered in. Defaults to time.Local and
	// must match the dispatcher's day boundaries.
	Location *time.Location

	// PrefixTankTopics publishes the tank topic as {addr}/fertilizer_N
	// instead of the bare fertilizer_N the controller firmware listens on.
	PrefixTankTopics bool

	Logger *log.Logger
}

// Publisher turns one schedule into the ordered topic sequence understood by
// the tunnel controller.
type Publisher struct {
	bus      rabbitmq.Publisher
	resolver SlotResolver
	delay    time.Duration
	loc      *time.Location
	prefix   bool
	logger   *log.Logger
	sleep    func(time.Duration)
}

func New(bus rabbitmq.Publisher, resolver SlotResolver, cfg Config) *Publisher {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Publisher{
		bus:      bus,
		resolver: resolver,
		delay:    cfg.Delay,
		loc:      loc,
		prefix:   cfg.PrefixTankTopics,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// Publish sends the schedule. The returned error is set only when nothing
// could be published: invalid schedule or unreachable broker. Per-topic
// failures are reported in the result.
func (p *Publisher) Publish(ctx context.Context, s model.Schedule) (model.PublishResult, error) {
	addr := s.Tunnel.DeviceAddress
	res := model.PublishResult{ScheduleID: s.ID, DeviceAddress: addr}

	if err := s.Validate(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := EnsureConnected(p.bus); err != nil {
		p.logger.Printf("publisher: schedule %d: %v", s.ID, err)
		return res, fmt.Errorf("schedule %d: %w", s.ID, err)
	}

	slot, ok := p.resolveSlot(ctx, s)
	if ok {
		res.Slot = slot
	} else {
		res.Warnings = append(res.Warnings, unresolvedWarning(s))
		p.logger.Printf("publisher: schedule %d: %s", s.ID, res.Warnings[len(res.Warnings)-1])
	}

	tr := NewTracker(p.bus, p.delay)
	tr.sleep = p.sleep

	for i, r := range s.Releases {
		tr.Publish(model.TimeTopic(addr, i), r.Time)
		tr.Publish(model.VolumeTopic(addr, i), model.FormatQuantity(r.Quantity))
	}

	tr.Publish(model.DateTopic(addr), s.ScheduledAt.In(p.loc).Format(model.ScheduleDateLayout))
	tr.Publish(model.WaterVolumeTopic(addr), model.FormatQuantity(s.WaterVolume))
	// The tank topic names the slot to draw from; its payload is the total
	// quantity taken from that tank (water volume for water-only schedules).
	if ok {
		if suffix := tankmap.SlotToTopic(slot); suffix != "" {
			qty := s.FertilizerQuantity
			if s.WaterOnly() {
				qty = s.WaterVolume
			}
			tr.Publish(p.tankTopic(addr, suffix), model.FormatQuantity(qty))
		}
	}

	res.Topics = tr.Results()
	res.OverallSuccess = tr.AllSucceeded()
	p.logger.Printf("publisher: schedule %d on %s: %d topics, %d failed, %d warnings",
		s.ID, addr, len(res.Topics), tr.FailedCount(), len(res.Warnings))
	return res, nil
}

func (p *Publisher) tankTopic(addr, suffix string) string {
	if p.prefix {
		return model.TankTopic(addr, suffix)
	}
	return suffix
}

func (p *Publisher) resolveSlot(ctx context.Context, s model.Schedule) (model.TankSlot, bool) {
	if p.resolver == nil {
		return "", false
	}
	if s.WaterOnly() {
		return p.resolver.ResolveWaterSlot(ctx, s.TunnelID)
	}
	return p.resolver.ResolveSlotForItem(ctx, s.TunnelID, s.ItemID)
}

func unresolvedWarning(s model.Schedule) string {
	if s.WaterOnly() {
		return fmt.Sprintf("%v: no water tank on tunnel %d", model.ErrUnresolvedMapping, s.TunnelID)
	}
	name := ""
	if s.Item != nil {
		name = " (" + s.Item.Name + ")"
	}
	return fmt.Sprintf("%v: item %d%s has no tank on tunnel %d", model.ErrUnresolvedMapping, s.ItemID, name, s.TunnelID)
}

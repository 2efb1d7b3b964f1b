package controller_simulator

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/publisher"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/release"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/rabbitmq"
)

// loopbackBus delivers every send to the matching subscriptions, in-process.
type loopbackBus struct {
	mu   sync.Mutex
	subs map[string]rabbitmq.MessageHandler
	sent []string
}

func newLoopbackBus() *loopbackBus {
	return &loopbackBus{subs: map[string]rabbitmq.MessageHandler{}}
}

func (b *loopbackBus) IsConnected() bool { return true }
func (b *loopbackBus) Connect() bool     { return true }

func (b *loopbackBus) Subscribe(topic string, h rabbitmq.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = h
	return nil
}

func (b *loopbackBus) Send(topic, payload string) error {
	b.mu.Lock()
	b.sent = append(b.sent, topic)
	var hs []rabbitmq.MessageHandler
	for filter, h := range b.subs {
		if matches(filter, topic) {
			hs = append(hs, h)
		}
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(topic, []byte(payload))
	}
	return nil
}

func (b *loopbackBus) lastSent() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		return ""
	}
	return b.sent[len(b.sent)-1]
}

// matches supports the single-level "+" wildcard only.
func matches(filter, topic string) bool {
	f, t := strings.Split(filter, "/"), strings.Split(topic, "/")
	if len(f) != len(t) {
		return false
	}
	for i := range f {
		if f[i] != "+" && f[i] != t[i] {
			return false
		}
	}
	return true
}

type oneSlot struct{ slot model.TankSlot }

func (o oneSlot) ResolveSlotForItem(context.Context, int64, int64) (model.TankSlot, bool) {
	return o.slot, true
}
func (o oneSlot) ResolveWaterSlot(context.Context, int64) (model.TankSlot, bool) { return model.SlotA, true }

type scheduleMap map[int64]model.Schedule

func (m scheduleMap) Schedule(_ context.Context, id int64) (model.Schedule, error) {
	return m[id], nil
}

func esp7() model.Schedule {
	return model.Schedule{
		ID: 7, TunnelID: 1,
		Tunnel:             model.Tunnel{ID: 1, DeviceAddress: "ESP-7"},
		ItemID:             42,
		FertilizerQuantity: 3.5,
		WaterVolume:        120,
		ScheduledAt:        time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC),
		Releases: []model.Release{
			{Time: "08:00", Quantity: 2.5},
			{Time: "14:00", Quantity: 1.0},
		},
	}
}

func newSim(t *testing.T) (*ControllerSimulator, *loopbackBus) {
	t.Helper()
	bus := newLoopbackBus()
	sim := NewControllerSimulator("ESP-7", bus, NewTankGenerator(0.01), log.New(io.Discard, "", 0))
	sim.now = func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) }
	if err := sim.subscribe(); err != nil {
		t.Fatal(err)
	}
	return sim, bus
}

func TestScheduleLandsInRegisters(t *testing.T) {
	sim, bus := newSim(t)
	pub := publisher.New(bus, oneSlot{model.SlotB}, publisher.Config{Location: time.UTC, Logger: log.New(io.Discard, "", 0)})

	res, err := pub.Publish(context.Background(), esp7())
	if err != nil || !res.OverallSuccess {
		t.Fatalf("Publish = %+v, %v", res, err)
	}
	if tm, vol := sim.Register(0); tm != "08:00" || vol != 2.5 {
		t.Errorf("register 1 = %s %v", tm, vol)
	}
	if tm, vol := sim.Register(1); tm != "14:00" || vol != 1.0 {
		t.Errorf("register 2 = %s %v", tm, vol)
	}
	if sim.doses[model.SlotB] != 3.5 || sim.water != 120 || sim.date != "2024-05-01" {
		t.Errorf("doses=%v water=%v date=%s", sim.doses, sim.water, sim.date)
	}

	if b := bus.lastSent(); b != "fertilizer_2" {
		t.Errorf("tank dose went to %s, want the bare fertilizer_2", b)
	}

	sim.Tick(time.Date(2024, 5, 1, 8, 0, 30, 0, time.UTC))
	sim.Tick(time.Date(2024, 5, 1, 8, 0, 45, 0, time.UTC))
	sim.Tick(time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC)) // wrong day
	ex := sim.Executions()
	if len(ex) != 1 || ex[0].Index != 0 || ex[0].Now {
		t.Fatalf("executions = %+v", ex)
	}
}

func TestPrefixedTankTopicStillApplies(t *testing.T) {
	sim, bus := newSim(t)
	pub := publisher.New(bus, oneSlot{model.SlotC}, publisher.Config{
		Location: time.UTC, PrefixTankTopics: true, Logger: log.New(io.Discard, "", 0),
	})
	if _, err := pub.Publish(context.Background(), esp7()); err != nil {
		t.Fatal(err)
	}
	if b := bus.lastSent(); b != "ESP-7/fertilizer_3" {
		t.Errorf("tank dose went to %s", b)
	}
	if sim.doses[model.SlotC] != 3.5 {
		t.Errorf("doses = %v", sim.doses)
	}
}

func TestCancelAndRunNow(t *testing.T) {
	sim, bus := newSim(t)
	ctx := context.Background()
	pub := publisher.New(bus, oneSlot{model.SlotB}, publisher.Config{Location: time.UTC, Logger: log.New(io.Discard, "", 0)})
	if _, err := pub.Publish(ctx, esp7()); err != nil {
		t.Fatal(err)
	}
	ctrl := release.New(scheduleMap{7: esp7()}, bus, release.Config{Logger: log.New(io.Discard, "", 0)})

	if _, err := ctrl.Cancel(ctx, 7, 1); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if tm, vol := sim.Register(1); tm != "" || vol != 0 {
		t.Errorf("cancelled register = %q %v", tm, vol)
	}
	if len(sim.Executions()) != 0 {
		t.Error("a cancelled release must not run")
	}

	if _, err := ctrl.RunNow(ctx, 7, 0); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	ex := sim.Executions()
	if len(ex) != 1 || ex[0].Index != 0 || !ex[0].Now || ex[0].Volume != 2.5 {
		t.Errorf("executions = %+v", ex)
	}
}

func TestTelemetryLoop(t *testing.T) {
	sim, bus := newSim(t)
	got := make(chan string, 16)
	_ = bus.Subscribe("ESP-7/telemetry/+", func(topic string, _ []byte) {
		select {
		case got <- topic:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Start(ctx, 10*time.Millisecond) }()

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 4 {
		select {
		case topic := <-got:
			seen[topic] = true
		case <-timeout:
			t.Fatalf("telemetry seen: %v", seen)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start = %v", err)
	}
	for _, want := range []string{"ESP-7/telemetry/tank_level_A", "ESP-7/telemetry/ec"} {
		if !seen[want] {
			t.Errorf("missing %s", want)
		}
	}
}

func TestTankGenerator(t *testing.T) {
	g := NewTankGenerator(0.1)
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	if d := g.Release(model.SlotB, 250, true); d != tankCapacity {
		t.Errorf("drained %v, want capacity", d)
	}
	if d := g.Release(model.SlotB, 1, true); d != 0 {
		t.Errorf("empty tank drained %v", d)
	}
	first := g.Next(start)
	if first[1].Metric != "tank_level_B" || first[1].Value != 0 {
		t.Errorf("readings = %+v", first)
	}
	ec := first[3].Value
	later := g.Next(start.Add(30 * time.Minute))
	if later[3].Value >= ec || later[3].Value < baselineEC {
		t.Errorf("ec should decay towards baseline: %v -> %v", ec, later[3].Value)
	}
	g.Refill(model.SlotB)
	if g.Next(start.Add(time.Hour))[1].Value != tankCapacity {
		t.Error("refill should restore capacity")
	}
}

package release

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/rabbitmq/rabbitmqtest"
)

type mockStore struct {
	schedules map[int64]model.Schedule
	calls     int
}

func (m *mockStore) Schedule(_ context.Context, id int64) (model.Schedule, error) {
	m.calls++
	s, ok := m.schedules[id]
	if !ok {
		return model.Schedule{}, model.ErrScheduleNotFound
	}
	return s, nil
}

func newFixture() (*Control, *mockStore, *rabbitmqtest.FakeBus) {
	store := &mockStore{schedules: map[int64]model.Schedule{
		7: {
			ID:       7,
			TunnelID: 1,
			Tunnel:   model.Tunnel{ID: 1, DeviceAddress: "ESP-7"},
			Status:   model.StatusSent,
			Releases: []model.Release{{Time: "08:00", Quantity: 2.5}, {Time: "14:00", Quantity: 1.0}},
		},
		8: {
			ID:       8,
			TunnelID: 2,
			Tunnel:   model.Tunnel{ID: 2},
			Status:   model.StatusPending,
			Releases: []model.Release{{Time: "08:00", Quantity: 2.5}},
		},
	}}
	bus := rabbitmqtest.NewFakeBus()
	return New(store, bus, Config{Logger: log.New(io.Discard, "", 0)}), store, bus
}

func TestCancelIndexOne(t *testing.T) {
	c, store, bus := newFixture()

	res, err := c.Cancel(context.Background(), 7, 1)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	want := []model.TopicResult{
		{Topic: "ESP-7/schedule_volume2", Payload: "0", Success: true},
		{Topic: "ESP-7/schedule_time2", Payload: "null", Success: true},
	}
	if len(res.Topics) != 2 || res.Topics[0] != want[0] || res.Topics[1] != want[1] {
		t.Fatalf("topics = %+v, want %+v", res.Topics, want)
	}
	if !res.Success || res.Action != model.ActionCancel || res.Message == "" {
		t.Errorf("result = %+v", res)
	}
	if len(bus.Sent()) != 2 {
		t.Errorf("bus saw %d sends", len(bus.Sent()))
	}
	if store.schedules[7].Status != model.StatusSent {
		t.Error("status must not change")
	}
}

func TestCancelReportsBothOnFailure(t *testing.T) {
	c, _, bus := newFixture()
	bus.Fail("ESP-7/schedule_volume1")

	res, err := c.Cancel(context.Background(), 7, 0)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if res.Success {
		t.Fatal("Success should be false")
	}
	if len(res.Topics) != 2 || res.Topics[0].Success || !res.Topics[1].Success {
		t.Fatalf("topics = %+v", res.Topics)
	}
	if res.Topics[1].Topic != "ESP-7/schedule_time1" || res.Topics[1].Payload != "null" {
		t.Errorf("time topic still expected after volume failure: %+v", res.Topics[1])
	}
}

func TestRunNow(t *testing.T) {
	c, _, bus := newFixture()

	res, err := c.RunNow(context.Background(), 7, 0)
	if err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	sent := bus.Sent()
	if len(sent) != 1 || sent[0].Topic != "ESP-7/schedule_time1" || sent[0].Payload != "null" {
		t.Fatalf("sent = %+v", sent)
	}
	if !res.Success || res.Action != model.ActionRun {
		t.Errorf("result = %+v", res)
	}
}

func TestValidationBeforeBus(t *testing.T) {
	cases := []struct {
		name  string
		id    int64
		index int
	}{
		{"index 3", 7, 3},
		{"negative index", 7, -1},
		{"no release at index", 7, 2},
		{"missing schedule", 99, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _, bus := newFixture()
			for _, op := range []func(context.Context, int64, int) (model.ReleaseActionResult, error){c.Cancel, c.RunNow} {
				res, err := op(context.Background(), tc.id, tc.index)
				if !errors.Is(err, model.ErrValidation) {
					t.Fatalf("got %v, want ErrValidation", err)
				}
				if len(res.Topics) != 0 || res.Message == "" {
					t.Errorf("result = %+v", res)
				}
			}
			if len(bus.Sent()) != 0 || bus.ConnectHits != 0 {
				t.Errorf("no bus interaction expected, sends=%d connects=%d", len(bus.Sent()), bus.ConnectHits)
			}
		})
	}

	c, store, _ := newFixture()
	c.Cancel(context.Background(), 7, 3)
	if store.calls != 0 {
		t.Error("out-of-range index should be rejected before the store lookup")
	}
}

func TestConnectivityErrors(t *testing.T) {
	c, _, bus := newFixture()
	if _, err := c.Cancel(context.Background(), 8, 0); !errors.Is(err, model.ErrConnectivity) {
		t.Errorf("missing address: got %v, want ErrConnectivity", err)
	}
	if len(bus.Sent()) != 0 {
		t.Error("no publish expected without an address")
	}

	bus.Down()
	if _, err := c.RunNow(context.Background(), 7, 0); !errors.Is(err, model.ErrConnectivity) {
		t.Errorf("bus down: got %v, want ErrConnectivity", err)
	}
	if bus.ConnectHits != 1 || len(bus.Sent()) != 0 {
		t.Errorf("connects=%d sends=%d", bus.ConnectHits, len(bus.Sent()))
	}
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/release"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/rabbitmq/rabbitmqtest"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	days    []time.Time
	results map[int64]model.PublishResult
	errs    map[int64]error
}

func (f *fakeDispatcher) RunDay(_ context.Context, day time.Time) (model.DispatchSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days = append(f.days, day)
	return model.DispatchSummary{RunID: "run-1", Day: day.Format(model.ScheduleDateLayout), Considered: 2, Published: 2}, nil
}

func (f *fakeDispatcher) PublishOne(_ context.Context, id int64) (model.PublishResult, error) {
	if err := f.errs[id]; err != nil {
		return model.PublishResult{ScheduleID: id}, err
	}
	return f.results[id], nil
}

func (f *fakeDispatcher) Run(ctx context.Context) (model.DispatchSummary, error) {
	return f.RunDay(ctx, time.Now())
}

type scheduleMap map[int64]model.Schedule

func (m scheduleMap) Schedule(_ context.Context, id int64) (model.Schedule, error) {
	s, ok := m[id]
	if !ok {
		return model.Schedule{}, fmt.Errorf("schedule %d: %w", id, model.ErrScheduleNotFound)
	}
	return s, nil
}

type recordingObserver struct {
	mu  sync.Mutex
	got []model.ReleaseActionResult
}

func (o *recordingObserver) ObserveRelease(res model.ReleaseActionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, res)
}

func (o *recordingObserver) seen() []model.ReleaseActionResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.ReleaseActionResult(nil), o.got...)
}

type memTanks struct{ rows []model.TankConfiguration }

func (m *memTanks) TankConfigurations(_ context.Context, tunnelID int64) ([]model.TankConfiguration, error) {
	var out []model.TankConfiguration
	for _, tc := range m.rows {
		if tc.TunnelID == tunnelID {
			out = append(out, tc)
		}
	}
	return out, nil
}

func (m *memTanks) UpsertTankConfiguration(_ context.Context, tc model.TankConfiguration) error {
	if !tc.Slot.Valid() {
		return fmt.Errorf("slot %q: %w", tc.Slot, model.ErrValidation)
	}
	m.rows = append(m.rows, tc)
	return nil
}

type fixture struct {
	srv  *httptest.Server
	bus  *rabbitmqtest.FakeBus
	disp *fakeDispatcher
	obs  *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	bus := rabbitmqtest.NewFakeBus()
	store := scheduleMap{
		7: {
			ID: 7, TunnelID: 1,
			Tunnel:   model.Tunnel{ID: 1, DeviceAddress: "ESP-7"},
			Releases: []model.Release{{Time: "08:00", Quantity: 2.5}, {Time: "14:00", Quantity: 1}},
		},
	}
	f := &fixture{
		bus: bus,
		disp: &fakeDispatcher{
			results: map[int64]model.PublishResult{
				7: {ScheduleID: 7, OverallSuccess: true},
				8: {ScheduleID: 8, OverallSuccess: false, Topics: []model.TopicResult{{Topic: "ESP-8/schedule_time1"}}},
			},
			errs: map[int64]error{
				9:  fmt.Errorf("schedule 9: %w", model.ErrInFlight),
				10: fmt.Errorf("schedule 10: %w", model.ErrConnectivity),
				11: fmt.Errorf("schedule 11: %w", model.ErrScheduleNotFound),
			},
		},
		obs: &recordingObserver{},
	}
	ctrl := release.New(store, bus, release.Config{Logger: quiet})
	health := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	a := New(f.disp, ctrl, &memTanks{}, f.obs, Config{Location: time.UTC, Logger: quiet, Health: health})
	f.srv = httptest.NewServer(a.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func TestPublishStatusCodes(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		path string
		code int
	}{
		{"/schedules/7/publish", http.StatusOK},
		{"/schedules/8/publish", http.StatusBadGateway},
		{"/schedules/9/publish", http.StatusConflict},
		{"/schedules/10/publish", http.StatusServiceUnavailable},
		{"/schedules/11/publish", http.StatusNotFound},
		{"/schedules/abc/publish", http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, body := f.do(t, http.MethodPost, tc.path, "")
		if resp.StatusCode != tc.code {
			t.Errorf("POST %s = %d, want %d (%s)", tc.path, resp.StatusCode, tc.code, body)
		}
	}
}

func TestCancelReleaseOverHTTP(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/schedules/7/releases/1/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel = %d: %s", resp.StatusCode, body)
	}
	var res model.ReleaseActionResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []model.TopicResult{
		{Topic: "ESP-7/schedule_volume2", Payload: "0", Success: true},
		{Topic: "ESP-7/schedule_time2", Payload: "null", Success: true},
	}
	if !res.Success || len(res.Topics) != 2 || res.Topics[0] != want[0] || res.Topics[1] != want[1] {
		t.Errorf("result = %+v", res)
	}
	if seen := f.obs.seen(); len(seen) != 1 || seen[0].Action != model.ActionCancel {
		t.Errorf("observer saw %+v", seen)
	}
}

func TestReleaseErrors(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/schedules/7/releases/3/cancel", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("out of range index = %d, want 400", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/schedules/99/releases/0/run", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown schedule = %d, want 404", resp.StatusCode)
	}
	if len(f.bus.Sent()) != 0 {
		t.Errorf("rejected commands must not publish, got %d", len(f.bus.Sent()))
	}

	f.bus.Fail("ESP-7/schedule_time1")
	resp, body := f.do(t, http.MethodPost, "/schedules/7/releases/0/run", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("partial failure = %d, want 502 (%s)", resp.StatusCode, body)
	}

	f.bus.Down()
	resp, _ = f.do(t, http.MethodPost, "/schedules/7/releases/0/run", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("bus down = %d, want 503", resp.StatusCode)
	}
	if n := len(f.obs.seen()); n != 4 {
		t.Errorf("observer should see every command, got %d", n)
	}
}

func TestDispatchDay(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/dispatch", `{"day":"2024-05-01"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dispatch = %d: %s", resp.StatusCode, body)
	}
	var sum model.DispatchSummary
	if err := json.Unmarshal(body, &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.Day != "2024-05-01" || sum.Published != 2 {
		t.Errorf("summary = %+v", sum)
	}

	if resp, _ := f.do(t, http.MethodPost, "/dispatch", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("dispatch without body = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodPost, "/dispatch?day=yesterday", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad day = %d, want 400", resp.StatusCode)
	}
	f.disp.mu.Lock()
	defer f.disp.mu.Unlock()
	if len(f.disp.days) != 2 {
		t.Errorf("RunDay called %d times, want 2", len(f.disp.days))
	}
}

func TestTanksAndExtras(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPut, "/tunnels/1/tanks/B", `{"content":"fertilizer","item_id":42}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set tank = %d: %s", resp.StatusCode, body)
	}
	if resp, _ := f.do(t, http.MethodPut, "/tunnels/1/tanks/D", `{"content":"water"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad slot = %d, want 400", resp.StatusCode)
	}
	resp, body = f.do(t, http.MethodGet, "/tunnels/1/tanks", "")
	var tcs []model.TankConfiguration
	if err := json.Unmarshal(body, &tcs); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list tanks = %d %v", resp.StatusCode, err)
	}
	if len(tcs) != 1 || tcs[0].Slot != model.SlotB || tcs[0].ItemID != 42 {
		t.Errorf("tanks = %+v", tcs)
	}

	if resp, _ := f.do(t, http.MethodGet, "/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/metrics", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unmounted /metrics = %d, want 404", resp.StatusCode)
	}
}

func TestNextRun(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 5, 1, 5, 0, 0, 0, loc)

	next, err := NextRun(now, "05:30", loc)
	if err != nil || !next.Equal(time.Date(2024, 5, 1, 5, 30, 0, 0, loc)) {
		t.Errorf("same day = %v, %v", next, err)
	}
	next, _ = NextRun(now, "05:00", loc)
	if !next.Equal(time.Date(2024, 5, 2, 5, 0, 0, 0, loc)) {
		t.Errorf("exact time rolls over: %v", next)
	}
	next, _ = NextRun(time.Date(2024, 12, 31, 23, 0, 0, 0, loc), "01:00", loc)
	if !next.Equal(time.Date(2025, 1, 1, 1, 0, 0, 0, loc)) {
		t.Errorf("year rollover: %v", next)
	}
	if _, err := NextRun(now, "7am", loc); err == nil {
		t.Error("bad time should fail")
	}
}

func TestRunDailyStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunDaily(ctx, &fakeDispatcher{}, "03:00", time.UTC, log.New(io.Discard, "", 0)) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunDaily = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunDaily did not stop on cancel")
	}
}

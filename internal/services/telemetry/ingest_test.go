package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/event"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/dedup"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/rabbitmq"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

type mockPointWriter struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (m *mockPointWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.points = append(m.points, points...)
	return nil
}

func (m *mockPointWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

// chanSource replays queued messages once ConsumeMessage starts.
type chanSource struct {
	msgs    []struct{ topic, payload string }
	handler rabbitmq.MessageHandler
	started chan struct{}
}

func (c *chanSource) SetHandler(h rabbitmq.MessageHandler) { c.handler = h }

func (c *chanSource) ConsumeMessage(ctx context.Context) error {
	for _, m := range c.msgs {
		c.handler(m.topic, []byte(m.payload))
	}
	close(c.started)
	<-ctx.Done()
	return nil
}

func newTestService(src Source, pw *mockPointWriter) *Service {
	svc := NewService(src, event.NewWriter(pw, time.Second), dedup.New(time.Minute, 100), log.New(io.Discard, "", 0))
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) }
	return svc
}

func TestHandleWritesAndDedups(t *testing.T) {
	pw := &mockPointWriter{}
	svc := newTestService(nil, pw)
	ctx := context.Background()

	svc.Handle(ctx, "ESP-7/telemetry/ec", []byte("1.8"))
	svc.Handle(ctx, "ESP-7/telemetry/ec", []byte("1.8")) // redelivery
	svc.Handle(ctx, "ESP-7/telemetry/ph", []byte("6.1"))
	svc.Handle(ctx, "ESP-7/telemetry/ph", []byte("acid"))
	svc.Handle(ctx, "ESP-7/schedule_time1", []byte("08:00"))

	if pw.count() != 2 {
		t.Fatalf("wrote %d points, want 2", pw.count())
	}
	latest := svc.Latest()
	if len(latest) != 2 || latest[0].Metric != "ec" || latest[1].Metric != "ph" || latest[1].Value != 6.1 {
		t.Errorf("latest = %+v", latest)
	}
}

func TestHandleKeepsCacheOnWriteError(t *testing.T) {
	pw := &mockPointWriter{err: errors.New("influx down")}
	svc := newTestService(nil, pw)

	svc.Handle(context.Background(), "ESP-7/telemetry/tank_level_b", []byte(`{"value": 40}`))
	if len(svc.Latest()) != 1 {
		t.Error("cache should be updated even when influx fails")
	}
}

func TestStartAndHTTP(t *testing.T) {
	pw := &mockPointWriter{}
	src := &chanSource{started: make(chan struct{})}
	src.msgs = append(src.msgs,
		struct{ topic, payload string }{"ESP-7/telemetry/ec", "1.8"},
		struct{ topic, payload string }{"ESP-8/telemetry/ec", "2.0"},
	)
	svc := newTestService(src, pw)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	<-src.started

	rec := httptest.NewRecorder()
	NewHTTPMux(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/telemetry/latest?device=ESP-8", nil))
	var out []latestDTO
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Device != "ESP-8" || out[0].Value != 2.0 || out[0].Timestamp != "2024-05-01T08:00:00Z" {
		t.Errorf("latest = %+v", out)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start = %v", err)
	}
	if pw.count() != 2 {
		t.Errorf("wrote %d points, want 2", pw.count())
	}
}

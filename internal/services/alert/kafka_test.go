package alert

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

type mockWriter struct {
	msgs  []kafka.Message
	err   error
	calls int
}

func (m *mockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func TestReportPublishOnlyFailures(t *testing.T) {
	w := &mockWriter{}
	r := NewKafkaReporter(w, BreakerConfig{})
	ctx := context.Background()

	if err := r.ReportPublish(ctx, model.PublishOutcome{Status: model.StatusSent}); err != nil {
		t.Fatalf("ReportPublish(sent) failed: %v", err)
	}
	if w.calls != 0 {
		t.Fatal("sent schedules should not be alerted")
	}

	o := model.PublishOutcome{
		RunID:    "run-1",
		Schedule: model.Schedule{ID: 7, Tunnel: model.Tunnel{DeviceAddress: "ESP-7"}},
		Status:   model.StatusFailed,
		Result: model.PublishResult{Topics: []model.TopicResult{
			{Topic: "ESP-7/schedule_volume2", Payload: "1.0", Error: "publish rejected"},
		}},
	}
	if err := r.ReportPublish(ctx, o); err != nil {
		t.Fatalf("ReportPublish failed: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "7" {
		t.Fatalf("messages = %+v", w.msgs)
	}
	var env Envelope
	if err := json.Unmarshal(w.msgs[0].Value, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Kind != "schedule.failed" || env.Device != "ESP-7" || len(env.Failed) != 1 {
		t.Errorf("envelope = %+v", env)
	}
}

func TestReportSummaryKeyedByRun(t *testing.T) {
	w := &mockWriter{}
	r := NewKafkaReporter(w, BreakerConfig{})
	r.now = func() time.Time { return time.Unix(0, 0) }

	sum := model.DispatchSummary{RunID: "run-9", Day: "2024-05-01", Considered: 2, Failed: 1}
	if err := r.ReportSummary(context.Background(), sum); err != nil {
		t.Fatalf("ReportSummary failed: %v", err)
	}
	if string(w.msgs[0].Key) != "run-9" {
		t.Errorf("key = %s", w.msgs[0].Key)
	}
	var env Envelope
	_ = json.Unmarshal(w.msgs[0].Value, &env)
	if env.Summary == nil || env.Summary.Failed != 1 {
		t.Errorf("envelope = %+v", env)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	w := &mockWriter{err: errors.New("dial tcp: connection refused")}
	r := NewKafkaReporter(w, BreakerConfig{Fails: 2, OpenMs: 60000})
	ctx := context.Background()
	if !r.Healthy() {
		t.Fatal("fresh reporter should be healthy")
	}

	for i := 0; i < 2; i++ {
		if err := r.ReportSummary(ctx, model.DispatchSummary{RunID: "r"}); err == nil {
			t.Fatal("expected write error")
		}
	}
	if r.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %s, want open", r.State())
	}
	if r.Healthy() {
		t.Error("open breaker should report unhealthy")
	}
	err := r.ReportSummary(ctx, model.DispatchSummary{RunID: "r"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("got %v, want ErrOpenState", err)
	}
	if w.calls != 2 {
		t.Errorf("open breaker should not call the writer, calls=%d", w.calls)
	}
}

package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type BreakerConfig struct {
	Fails      int
	OpenMs     int
	IntervalMs int
}

// NewWriter builds the writer for the alert topic, keyed by run id.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func mkCB(name string, c BreakerConfig) *gobreaker.CircuitBreaker {
	if c.Fails <= 0 {
		c.Fails = 3
	}
	if c.OpenMs <= 0 {
		c.OpenMs = 30000
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: time.Duration(c.IntervalMs) * time.Millisecond,
		Timeout:  time.Duration(c.OpenMs) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(c.Fails)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("alert: breaker %s %s -> %s", name, from, to)
		},
	})
}

// Envelope is the JSON value of every alert message.
type Envelope struct {
	Kind       string                 `json:"kind"` // dispatch.summary | schedule.failed
	RunID      string                 `json:"run_id,omitempty"`
	Day        string                 `json:"day,omitempty"`
	ScheduleID int64                  `json:"schedule_id,omitempty"`
	Device     string                 `json:"device,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Failed     []model.TopicResult    `json:"failed_topics,omitempty"`
	Summary    *model.DispatchSummary `json:"summary,omitempty"`
	At         time.Time              `json:"at"`
}

// KafkaReporter sends failed schedules and run summaries to Kafka for
// alerting. Successful publishes are not sent. A circuit breaker stops
// writing while the cluster is unreachable.
type KafkaReporter struct {
	w   MessageWriter
	cb  *gobreaker.CircuitBreaker
	now func() time.Time
}

func NewKafkaReporter(w MessageWriter, cfg BreakerConfig) *KafkaReporter {
	return &KafkaReporter{w: w, cb: mkCB("kafka-alerts", cfg), now: time.Now}
}

func (r *KafkaReporter) ReportPublish(ctx context.Context, o model.PublishOutcome) error {
	if o.Status == model.StatusSent {
		return nil
	}
	env := Envelope{
		Kind:       "schedule.failed",
		RunID:      o.RunID,
		ScheduleID: o.Schedule.ID,
		Device:     o.Schedule.Tunnel.DeviceAddress,
		Failed:     o.Result.Failed(),
		At:         r.now(),
	}
	if o.Err != nil {
		env.Error = o.Err.Error()
	}
	return r.send(ctx, strconv.FormatInt(o.Schedule.ID, 10), env)
}

func (r *KafkaReporter) ReportSummary(ctx context.Context, sum model.DispatchSummary) error {
	s := sum
	return r.send(ctx, sum.RunID, Envelope{
		Kind:    "dispatch.summary",
		RunID:   sum.RunID,
		Day:     sum.Day,
		Summary: &s,
		At:      r.now(),
	})
}

func (r *KafkaReporter) send(ctx context.Context, key string, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Kind, err)
	}
	_, err = r.cb.Execute(func() (interface{}, error) {
		return nil, r.w.WriteMessages(ctx, kafka.Message{
			Key:   []byte(key),
			Value: b,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(env.Kind)},
			},
		})
	})
	if err != nil {
		return fmt.Errorf("kafka %s: %w", env.Kind, err)
	}
	return nil
}

func (r *KafkaReporter) State() gobreaker.State {
	return r.cb.State()
}

// Healthy is false while the breaker is open. Backs the kafka health check.
func (r *KafkaReporter) Healthy() bool {
	return r.State() != gobreaker.StateOpen
}

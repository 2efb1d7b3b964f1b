package publisher

import (
	"fmt"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/rabbitmq"
)

// EnsureConnected makes at most one connect attempt on a disconnected bus.
func EnsureConnected(bus rabbitmq.Publisher) error {
	if bus == nil {
		return fmt.Errorf("no bus configured: %w", model.ErrConnectivity)
	}
	if bus.IsConnected() || bus.Connect() {
		return nil
	}
	return model.ErrConnectivity
}

// Tracker sends topics one after another, pausing between sends, and keeps
// the outcome of every attempt. A failed send does not stop later ones.
type Tracker struct {
	bus     rabbitmq.Publisher
	delay   time.Duration
	sleep   func(time.Duration)
	results []model.TopicResult
}

func NewTracker(bus rabbitmq.Publisher, delay time.Duration) *Tracker {
	return &Tracker{bus: bus, delay: delay, sleep: time.Sleep}
}

func (t *Tracker) Publish(topic, payload string) bool {
	if len(t.results) > 0 && t.delay > 0 {
		t.sleep(t.delay)
	}
	res := model.TopicResult{Topic: topic, Payload: payload, Success: true}
	if err := t.bus.Send(topic, payload); err != nil {
		res.Success = false
		res.Error = fmt.Errorf("%w: %v", model.ErrPublishRejected, err).Error()
	}
	t.results = append(t.results, res)
	return res.Success
}

func (t *Tracker) Results() []model.TopicResult {
	return t.results
}

// AllSucceeded is true when something was attempted and nothing failed.
func (t *Tracker) AllSucceeded() bool {
	if len(t.results) == 0 {
		return false
	}
	for _, r := range t.results {
		if !r.Success {
			return false
		}
	}
	return true
}

func (t *Tracker) FailedCount() int {
	n := 0
	for _, r := range t.results {
		if !r.Success {
			n++
		}
	}
	return n
}

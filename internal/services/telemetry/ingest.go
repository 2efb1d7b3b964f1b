package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/event"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/dedup"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/rabbitmq"
)

// Source delivers bus messages to one handler until its context ends.
type Source interface {
	SetHandler(h rabbitmq.MessageHandler)
	ConsumeMessage(ctx context.Context) error
}

// Service stores controller telemetry in InfluxDB and keeps the latest
// reading of every device metric in memory.
type Service struct {
	source Source
	writer *event.Writer
	dedup  *dedup.Deduper
	now    func() time.Time
	logger *log.Logger

	mu     sync.RWMutex
	latest map[string]event.Reading
}

func NewService(source Source, writer *event.Writer, dd *dedup.Deduper, logger *log.Logger) *Service {
	if dd == nil {
		dd = dedup.New(0, 0)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		source: source,
		writer: writer,
		dedup:  dd,
		now:    time.Now,
		logger: logger,
		latest: make(map[string]event.Reading),
	}
}

// Start blocks until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.source.SetHandler(func(topic string, payload []byte) {
		s.Handle(ctx, topic, payload)
	})
	return s.source.ConsumeMessage(ctx)
}

// Handle processes one message. Bad payloads are logged and dropped so the
// stream keeps flowing.
func (s *Service) Handle(ctx context.Context, topic string, payload []byte) {
	if !s.dedup.ShouldProcess(dedup.Key(topic, payload)) {
		return
	}
	r, err := event.DecodeTelemetry(topic, payload, s.now())
	if err != nil {
		s.logger.Printf("telemetry: drop %s: %v", topic, err)
		return
	}

	s.mu.Lock()
	key := r.Device + "/" + r.Metric
	if prev, ok := s.latest[key]; !ok || !r.Timestamp.Before(prev.Timestamp) {
		s.latest[key] = r
	}
	s.mu.Unlock()

	if err := s.writer.Write(ctx, event.MeasurementTelemetry, event.TelemetryToPoint(r)); err != nil {
		s.logger.Printf("telemetry: write %s %s: %v", r.Device, r.Metric, err)
	}
}

// Latest returns the cached readings sorted by device then metric.
func (s *Service) Latest() []event.Reading {
	s.mu.RLock()
	out := make([]event.Reading, 0, len(s.latest))
	for _, r := range s.latest {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Device != out[j].Device {
			return out[i].Device < out[j].Device
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

type latestDTO struct {
	Device    string  `json:"device"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

// NewHTTPMux serves GET /telemetry/latest, optionally filtered by ?device=.
func NewHTTPMux(svc *Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /telemetry/latest", func(w http.ResponseWriter, r *http.Request) {
		device := r.URL.Query().Get("device")
		out := []latestDTO{}
		for _, rd := range svc.Latest() {
			if device != "" && rd.Device != device {
				continue
			}
			out = append(out, latestDTO{
				Device: rd.Device, Metric: rd.Metric, Value: rd.Value,
				Timestamp: rd.Timestamp.UTC().Format(time.RFC3339),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	return mux
}

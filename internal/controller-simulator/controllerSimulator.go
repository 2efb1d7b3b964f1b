package controller_simulator

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/tankmap"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/dedup"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/rabbitmq"
)

// Bus is what a simulated controller needs from the broker.
type Bus interface {
	rabbitmq.Publisher
	Subscribe(topic string, h rabbitmq.MessageHandler) error
}

// releaseSlot is one timer register of the firmware.
type releaseSlot struct {
	Time   string // HH:MM, empty when cleared
	Volume float64
	fired  string // day the timer last fired
}

// Execution records one release actually carried out.
type Execution struct {
	Index  int
	Volume float64
	At     time.Time
	Now    bool // triggered by a null time
}

// ControllerSimulator behaves like the firmware of a tunnel controller: it
// keeps the registers written by the scheduler, fires releases at their time
// and publishes tank telemetry.
type ControllerSimulator struct {
	addr      string
	bus       Bus
	generator *TankGenerator
	deduper   *dedup.Deduper
	now       func() time.Time
	logger    *log.Logger

	mu         sync.Mutex
	releases   [model.MaxReleases]releaseSlot
	date       string
	water      float64
	doses      map[model.TankSlot]float64
	executions []Execution
}

func NewControllerSimulator(addr string, bus Bus, gen *TankGenerator, logger *log.Logger) *ControllerSimulator {
	if logger == nil {
		logger = log.Default()
	}
	return &ControllerSimulator{
		addr:      addr,
		bus:       bus,
		generator: gen,
		deduper:   dedup.New(2*time.Second, 1000),
		now:       time.Now,
		logger:    logger,
		doses:     make(map[model.TankSlot]float64),
	}
}

// Start subscribes to the controller topics and publishes telemetry every
// interval until ctx is done.
func (s *ControllerSimulator) Start(ctx context.Context, interval time.Duration) error {
	if err := s.subscribe(); err != nil {
		return err
	}
	s.logger.Printf("controller %s: listening", s.addr)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := s.now()
			s.Tick(now)
			s.publishTelemetry(now)
		}
	}
}

// subscribe listens on the device registers and on the bare tank topics,
// which carry no device address.
func (s *ControllerSimulator) subscribe() error {
	topics := []string{s.addr + "/+"}
	for _, slot := range model.Slots {
		topics = append(topics, tankmap.SlotToTopic(slot))
	}
	for _, topic := range topics {
		if err := s.bus.Subscribe(topic, s.handleMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (s *ControllerSimulator) publishTelemetry(now time.Time) {
	for _, r := range s.generator.Next(now) {
		topic := s.addr + "/telemetry/" + r.Metric
		if err := s.bus.Send(topic, strconv.FormatFloat(r.Value, 'f', -1, 64)); err != nil {
			s.logger.Printf("controller %s: publish %s: %v", s.addr, topic, err)
		}
	}
}

func (s *ControllerSimulator) handleMessage(topic string, payload []byte) {
	// QoS1 redeliveries carry the same topic and payload
	if !s.deduper.ShouldProcess(dedup.Key(topic, payload)) {
		return
	}
	suffix, ok := strings.CutPrefix(topic, s.addr+"/")
	if !ok {
		if tankmap.TopicToSlot(topic) == "" {
			return
		}
		suffix = topic
	}
	if err := s.apply(suffix, strings.TrimSpace(string(payload))); err != nil {
		s.logger.Printf("controller %s: %s: %v", s.addr, topic, err)
	}
}

func (s *ControllerSimulator) apply(suffix, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.HasPrefix(suffix, "schedule_time"):
		i, err := registerIndex(suffix, "schedule_time")
		if err != nil {
			return err
		}
		if value == model.PayloadNull {
			s.runLocked(i, true)
			s.releases[i].Time = ""
			return nil
		}
		if _, err := time.Parse(model.ReleaseTimeLayout, value); err != nil {
			return fmt.Errorf("bad time %q", value)
		}
		s.releases[i].Time = value
		s.releases[i].fired = ""

	case strings.HasPrefix(suffix, "schedule_volume"):
		i, err := registerIndex(suffix, "schedule_volume")
		if err != nil {
			return err
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("bad volume %q", value)
		}
		s.releases[i].Volume = v

	case suffix == "schedule_date":
		s.date = value

	case suffix == "water_volume":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("bad water volume %q", value)
		}
		s.water = v

	default:
		slot := tankmap.TopicToSlot(suffix)
		if slot == "" {
			return nil // telemetry echoes and unknown registers
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("bad dose %q", value)
		}
		s.doses[slot] = v
	}
	return nil
}

func registerIndex(suffix, prefix string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(suffix, prefix))
	if err != nil || n < 1 || n > model.MaxReleases {
		return 0, fmt.Errorf("unknown register %s", suffix)
	}
	return n - 1, nil
}

// Tick fires every armed release whose time is now on the scheduled date.
func (s *ControllerSimulator) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := now.Format(model.ScheduleDateLayout)
	if s.date != "" && s.date != day {
		return
	}
	hm := now.Format(model.ReleaseTimeLayout)
	for i := range s.releases {
		r := &s.releases[i]
		if r.Time == hm && r.fired != day {
			r.fired = day
			s.runLocked(i, false)
		}
	}
}

// runLocked carries out release i. A zero volume means the release was
// cancelled and nothing flows.
func (s *ControllerSimulator) runLocked(i int, immediate bool) {
	r := s.releases[i]
	if r.Volume <= 0 {
		s.logger.Printf("controller %s: release %d skipped (no volume)", s.addr, i+1)
		return
	}
	for slot, dose := range s.doses {
		if dose > 0 {
			s.generator.Release(slot, r.Volume, true)
		}
	}
	if len(s.doses) == 0 {
		s.generator.Release(model.SlotA, r.Volume, false)
	}
	s.executions = append(s.executions, Execution{Index: i, Volume: r.Volume, At: s.now(), Now: immediate})
	s.logger.Printf("controller %s: release %d → %.2f", s.addr, i+1, r.Volume)
}

// Executions returns the releases carried out so far.
func (s *ControllerSimulator) Executions() []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Execution(nil), s.executions...)
}

// Register returns the time and volume held by release register i.
func (s *ControllerSimulator) Register(i int) (string, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases[i].Time, s.releases[i].Volume
}

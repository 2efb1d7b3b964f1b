package controller_simulator

import (
	"math"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
)

// ====== Tunables ======
const (
	// tankCapacity is the volume of every slot in liters.
	tankCapacity = 200.0

	// baselineEC is the conductivity of plain irrigation water (mS/cm).
	baselineEC = 0.4

	// ecPerUnit is the conductivity added per unit of fertilizer released.
	ecPerUnit = 0.15
)

// TankGenerator keeps the simulated state of the three tanks and of the
// drip line conductivity, and ages it over time.
type TankGenerator struct {
	mu          sync.Mutex
	last        time.Time
	levels      map[model.TankSlot]float64
	ec          float64
	decayPerMin float64 // fraction of excess EC lost per minute
}

func NewTankGenerator(decayPerMin float64) *TankGenerator {
	g := &TankGenerator{
		levels:      make(map[model.TankSlot]float64, len(model.Slots)),
		ec:          baselineEC,
		decayPerMin: math.Max(0, decayPerMin),
	}
	for _, s := range model.Slots {
		g.levels[s] = tankCapacity
	}
	return g
}

// Release drains quantity from slot and raises EC when the slot held
// fertilizer. An empty slot drains nothing.
func (g *TankGenerator) Release(slot model.TankSlot, quantity float64, fertilizer bool) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	level, ok := g.levels[slot]
	if !ok || quantity <= 0 {
		return 0
	}
	drained := math.Min(level, quantity)
	g.levels[slot] = level - drained
	if fertilizer {
		g.ec += drained * ecPerUnit
	}
	return drained
}

// Refill sets slot back to full capacity.
func (g *TankGenerator) Refill(slot model.TankSlot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.levels[slot]; ok {
		g.levels[slot] = tankCapacity
	}
}

// Reading is one telemetry value to publish.
type Reading struct {
	Metric string
	Value  float64
}

// Next ages the EC towards baseline and returns the current readings.
func (g *TankGenerator) Next(now time.Time) []Reading {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.last.IsZero() {
		if dtMin := now.Sub(g.last).Minutes(); dtMin > 0 {
			excess := g.ec - baselineEC
			g.ec = baselineEC + excess*math.Exp(-g.decayPerMin*dtMin)
		}
	}
	g.last = now

	out := make([]Reading, 0, len(model.Slots)+1)
	for _, s := range model.Slots {
		out = append(out, Reading{Metric: "tank_level_" + string(s), Value: round2(g.levels[s])})
	}
	return append(out, Reading{Metric: "ec", Value: round2(g.ec)})
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

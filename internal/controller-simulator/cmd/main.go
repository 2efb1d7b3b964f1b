// cmd/controller-sim/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/config"
	simulator "github.com/LeonardoBeccarini/greenhouse_fertigation/internal/controller-simulator"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/rabbitmq"
)

func main() {
	addr := flag.String("device", "ESP-1", "device address (topic prefix)")
	interval := flag.Duration("interval", 10*time.Second, "telemetry interval")
	decay := flag.Float64("ec-decay", 0.02, "fraction of excess EC lost per minute")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("FERTIGATION_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := rabbitmq.NewBus(cfg.BusConfig("sim-"+*addr, nil))
	if err := rabbitmq.ConnectWithRetry(ctx, bus, cfg.MQTT.StartupRetries); err != nil {
		log.Fatal(err)
	}
	defer bus.Disconnect()

	sim := simulator.NewControllerSimulator(*addr, bus, simulator.NewTankGenerator(*decay), nil)
	if err := sim.Start(ctx, *interval); err != nil {
		log.Fatal(err)
	}
}

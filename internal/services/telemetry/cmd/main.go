package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"golang.org/x/sync/errgroup"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/config"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/event"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/telemetry"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/dedup"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/rabbitmq"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("FERTIGATION_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)

	// --- MQTT ---
	bus := rabbitmq.NewBus(cfg.BusConfig("telemetry", logger))
	if err := rabbitmq.ConnectWithRetry(ctx, bus, cfg.MQTT.StartupRetries); err != nil {
		log.Fatalf("mqtt connect failed: %v", err)
	}
	defer bus.Disconnect()
	consumer := rabbitmq.NewConsumer(bus, cfg.Telemetry.Topics, nil)

	// --- InfluxDB ---
	if cfg.Influx.URL == "" {
		log.Fatalf("INFLUX_URL is required")
	}
	influx := influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
	defer influx.Close()
	writer := event.NewWriter(influx.WriteAPIBlocking(cfg.Influx.Org, cfg.Influx.Bucket), config.Ms(cfg.Influx.TimeoutMs))

	dd := dedup.New(config.Sec(cfg.Telemetry.DedupTTLSec), cfg.Telemetry.DedupMax)
	svc := telemetry.NewService(consumer, writer, dd, logger)

	// --- HTTP ---
	mqttCheck := event.Check{Name: "mqtt", OK: bus.IsConnected}
	mux := telemetry.NewHTTPMux(svc)
	mux.Handle("GET /healthz", event.NewHealthHandler(mqttCheck, writer.Check(30*time.Second)))
	mux.Handle("GET /readyz", event.NewReadyHandler(mqttCheck))

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Start(gctx) })
	g.Go(func() error {
		log.Printf("telemetry HTTP listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("telemetry: %v", err)
	}
	log.Println("telemetry: shutdown complete")
}

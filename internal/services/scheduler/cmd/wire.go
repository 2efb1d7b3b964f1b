package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/segmentio/kafka-go"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/config"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/metrics"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/alert"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/dispatcher"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/event"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/publisher"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/release"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/scheduler/app"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/storage"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/tankmap"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/rabbitmq"
)

// engine holds every long-lived part of the scheduler process.
type engine struct {
	cfg    config.Config
	loc    *time.Location
	logger *log.Logger

	db      *storage.DB
	bus     *rabbitmq.Bus
	metrics *metrics.Metrics
	influx  influxdb2.Client
	writer  *event.Writer
	kafka   *kafka.Writer
	alerts  *alert.KafkaReporter

	dispatcher *dispatcher.Dispatcher
	releases   *release.Control
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)
}

func openStore(cfg config.Config) (*storage.DB, error) {
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	return db, nil
}

func newEngine(cfg config.Config) (*engine, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	e := &engine{cfg: cfg, loc: loc, logger: newLogger(), db: db}

	e.bus = rabbitmq.NewBus(cfg.BusConfig("fertigation", e.logger))
	e.metrics = metrics.New(e.bus.IsConnected)
	reporters := dispatcher.Reporters{e.metrics}

	if cfg.Influx.URL != "" {
		e.influx = influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
		e.writer = event.NewWriter(e.influx.WriteAPIBlocking(cfg.Influx.Org, cfg.Influx.Bucket), config.Ms(cfg.Influx.TimeoutMs))
		reporters = append(reporters, event.NewInfluxReporter(e.writer))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		e.kafka = alert.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		e.alerts = alert.NewKafkaReporter(e.kafka, alert.BreakerConfig{
			Fails:      cfg.Kafka.BreakerFails,
			OpenMs:     cfg.Kafka.BreakerOpenMs,
			IntervalMs: cfg.Kafka.BreakerIntervalMs,
		})
		reporters = append(reporters, e.alerts)
	}

	delay := config.Ms(cfg.Publisher.DelayMs)
	resolver := tankmap.NewResolver(db, e.logger)
	pub := publisher.New(e.bus, resolver, publisher.Config{
		Delay:            delay,
		Location:         loc,
		PrefixTankTopics: cfg.Publisher.PrefixTankTopics,
		Logger:           e.logger,
	})
	e.dispatcher = dispatcher.New(db, pub, reporters, dispatcher.Config{Location: loc, Logger: e.logger})
	e.releases = release.New(db, e.bus, release.Config{Delay: delay, Logger: e.logger})
	return e, nil
}

// connect is the startup connection. Later publishes reconnect on their own.
func (e *engine) connect(ctx context.Context) error {
	return rabbitmq.ConnectWithRetry(ctx, e.bus, e.cfg.MQTT.StartupRetries)
}

func (e *engine) handler() http.Handler {
	mqttCheck := event.Check{Name: "mqtt", OK: e.bus.IsConnected}
	dbCheck := event.Check{Name: "database", OK: func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return e.db.Ping(ctx) == nil
	}}
	checks := []event.Check{mqttCheck, dbCheck}
	if e.writer != nil {
		checks = append(checks, e.writer.Check(30*time.Second))
	}
	if e.alerts != nil {
		checks = append(checks, event.Check{Name: "kafka", OK: e.alerts.Healthy})
	}

	cfg := app.Config{
		Location: e.loc,
		Logger:   e.logger,
		Health:   event.NewHealthHandler(checks...),
		Ready:    event.NewReadyHandler(mqttCheck, dbCheck),
		Metrics:  e.metrics.Handler(),
	}
	if e.influx != nil {
		cfg.Recent = event.NewRecentPublishHandler(e.influx, e.cfg.Influx.Org, e.cfg.Influx.Bucket)
	}
	return app.New(e.dispatcher, e.releases, e.db, e.metrics, cfg).Handler()
}

func (e *engine) Close() {
	e.bus.Disconnect()
	if e.kafka != nil {
		if err := e.kafka.Close(); err != nil {
			e.logger.Printf("kafka close: %v", err)
		}
	}
	if e.influx != nil {
		e.influx.Close()
	}
	if err := e.db.Close(); err != nil {
		e.logger.Printf("database close: %v", err)
	}
}

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/pkg/rabbitmq"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the fertigation.yaml structure. Durations are plain integers in
// the unit named by their key.
type Config struct {
	MQTT struct {
		Host             string `yaml:"host"`
		Port             int    `yaml:"port"`
		User             string `yaml:"user"`
		Password         string `yaml:"password"`
		ClientID         string `yaml:"client_id"`
		QoS              int    `yaml:"qos"`
		ConnectTimeoutMs int    `yaml:"connect_timeout_ms"`
		PublishTimeoutMs int    `yaml:"publish_timeout_ms"`
		StartupRetries   int    `yaml:"startup_retries"`
	} `yaml:"mqtt"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Publisher struct {
		DelayMs int `yaml:"delay_ms"`

		// Tank topics are bare fertilizer_N unless set.
		PrefixTankTopics bool `yaml:"prefix_tank_topics"`
	} `yaml:"publisher"`

	Dispatcher struct {
		Timezone string `yaml:"timezone"`
		DailyAt  string `yaml:"daily_at"` // HH:MM, empty disables the in-process trigger
	} `yaml:"dispatcher"`

	HTTP struct {
		Port int `yaml:"port"`
	} `yaml:"http"`

	Influx struct {
		URL       string `yaml:"url"`
		Token     string `yaml:"token"`
		Org       string `yaml:"org"`
		Bucket    string `yaml:"bucket"`
		TimeoutMs int    `yaml:"timeout_ms"`
	} `yaml:"influx"`

	Kafka struct {
		Brokers           []string `yaml:"brokers"`
		Topic             string   `yaml:"topic"`
		BreakerFails      int      `yaml:"breaker_fails"`
		BreakerOpenMs     int      `yaml:"breaker_open_ms"`
		BreakerIntervalMs int      `yaml:"breaker_interval_ms"`
	} `yaml:"kafka"`

	Telemetry struct {
		Topics      []string `yaml:"topics"`
		DedupTTLSec int      `yaml:"dedup_ttl_sec"`
		DedupMax    int      `yaml:"dedup_max"`
	} `yaml:"telemetry"`
}

func Default() Config {
	var c Config
	c.MQTT.Host = "localhost"
	c.MQTT.Port = 1883
	c.MQTT.User = "guest"
	c.MQTT.Password = "guest"
	c.MQTT.QoS = 1
	c.MQTT.ConnectTimeoutMs = 5000
	c.MQTT.PublishTimeoutMs = 3000
	c.MQTT.StartupRetries = 5
	c.Database.Path = "fertigation.db"
	c.Publisher.DelayMs = 100
	c.HTTP.Port = 8080
	c.Influx.Org = "greenhouse"
	c.Influx.Bucket = "fertigation"
	c.Influx.TimeoutMs = 2000
	c.Kafka.Topic = "fertigation.alerts"
	c.Kafka.BreakerFails = 3
	c.Kafka.BreakerOpenMs = 30000
	c.Kafka.BreakerIntervalMs = 60000
	c.Telemetry.Topics = []string{"+/telemetry/+"}
	c.Telemetry.DedupTTLSec = 600
	c.Telemetry.DedupMax = 20000
	return c
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envList(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) applyEnv() {
	c.MQTT.Host = envStr("RABBITMQ_HOST", c.MQTT.Host)
	c.MQTT.Port = envInt("RABBITMQ_PORT", c.MQTT.Port)
	c.MQTT.User = envStr("RABBITMQ_USER", c.MQTT.User)
	c.MQTT.Password = envStr("RABBITMQ_PASSWORD", c.MQTT.Password)
	c.MQTT.ClientID = envStr("MQTT_CLIENT_ID", c.MQTT.ClientID)

	c.Database.Path = envStr("DATABASE_PATH", c.Database.Path)
	c.Publisher.DelayMs = envInt("PUBLISH_DELAY_MS", c.Publisher.DelayMs)
	c.Dispatcher.Timezone = envStr("TZ", c.Dispatcher.Timezone)
	c.Dispatcher.DailyAt = envStr("DISPATCH_DAILY_AT", c.Dispatcher.DailyAt)
	c.HTTP.Port = envInt("HTTP_PORT", c.HTTP.Port)

	c.Influx.URL = envStr("INFLUX_URL", c.Influx.URL)
	c.Influx.Token = envStr("INFLUX_TOKEN", c.Influx.Token)
	c.Influx.Org = envStr("INFLUX_ORG", c.Influx.Org)
	c.Influx.Bucket = envStr("INFLUX_BUCKET", c.Influx.Bucket)

	c.Kafka.Brokers = envList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Topic = envStr("KAFKA_TOPIC", c.Kafka.Topic)

	c.Telemetry.Topics = envList("TELEMETRY_TOPICS", c.Telemetry.Topics)
}

func (c Config) Validate() error {
	var errs []error
	if c.MQTT.Port <= 0 {
		errs = append(errs, fmt.Errorf("mqtt.port must be positive"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2"))
	}
	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}
	if c.Publisher.DelayMs < 0 {
		errs = append(errs, fmt.Errorf("publisher.delay_ms must not be negative"))
	}
	if c.Dispatcher.DailyAt != "" {
		if _, err := time.Parse("15:04", c.Dispatcher.DailyAt); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher.daily_at %q is not HH:MM", c.Dispatcher.DailyAt))
		}
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location resolves the dispatcher time zone.
func (c Config) Location() (*time.Location, error) {
	if c.Dispatcher.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Dispatcher.Timezone)
	if err != nil {
		return nil, fmt.Errorf("dispatcher.timezone: %w", err)
	}
	return loc, nil
}

func Ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func Sec(n int) time.Duration { return time.Duration(n) * time.Second }

// BusConfig builds the broker settings. Without a configured client id, one
// is derived from prefix so that two processes never share a session.
func (c Config) BusConfig(prefix string, logger *log.Logger) rabbitmq.RabbitMQConfig {
	id := c.MQTT.ClientID
	if id == "" {
		id = prefix + "-" + uuid.NewString()[:8]
	}
	return rabbitmq.RabbitMQConfig{
		Host:           c.MQTT.Host,
		Port:           c.MQTT.Port,
		User:           c.MQTT.User,
		Password:       c.MQTT.Password,
		ClientID:       id,
		QoS:            byte(c.MQTT.QoS),
		ConnectTimeout: Ms(c.MQTT.ConnectTimeoutMs),
		PublishTimeout: Ms(c.MQTT.PublishTimeoutMs),
		Logger:         logger,
	}
}

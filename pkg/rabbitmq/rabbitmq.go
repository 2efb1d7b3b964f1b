package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by Send when no broker session is open.
var ErrNotConnected = errors.New("mqtt client not connected")

type RabbitMQConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string

	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	Logger *log.Logger
}

// MessageHandler receives the topic and raw payload of an inbound message.
type MessageHandler func(topic string, payload []byte)

// ClientFactory builds a paho client from options. Tests swap it for a fake.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Bus owns the single broker session shared by every publisher in the process.
// Connection loss is not retried here: callers check IsConnected and call
// Connect again before publishing.
type Bus struct {
	cfg     RabbitMQConfig
	factory ClientFactory
	logger  *log.Logger

	mu     sync.Mutex // guards client replacement and subs
	client mqtt.Client
	subs   map[string]MessageHandler
}

func NewBus(cfg RabbitMQConfig) *Bus {
	return NewBusWithFactory(cfg, mqtt.NewClient)
}

func NewBusWithFactory(cfg RabbitMQConfig, factory ClientFactory) *Bus {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 3 * time.Second
	}
	if cfg.QoS > 2 {
		cfg.QoS = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		subs:    make(map[string]MessageHandler),
	}
}

func (b *Bus) brokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", b.cfg.Host, b.cfg.Port)
}

func (b *Bus) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.brokerURL())
	opts.SetUsername(b.cfg.User)
	opts.SetPassword(b.cfg.Password)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(b.cfg.ConnectTimeout)
	// reconnects are the caller's job
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	// handlers run on their own goroutines
	opts.SetOrderMatters(false)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		b.logger.Printf("bus: connection lost: %v", err)
	}
	return opts
}

// Connect opens a broker session unless one is already open. It makes a
// single attempt and reports whether the bus is connected afterwards.
func (b *Bus) Connect() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil && b.client.IsConnectionOpen() {
		return true
	}
	if b.client != nil {
		// drop the stale session before building a new one
		b.client.Disconnect(0)
		b.client = nil
	}

	client := b.factory(b.options())
	token := client.Connect()
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		client.Disconnect(0)
		b.logger.Printf("bus: connect to %s timed out after %s", b.brokerURL(), b.cfg.ConnectTimeout)
		return false
	}
	if err := token.Error(); err != nil {
		b.logger.Printf("bus: connect to %s failed: %v", b.brokerURL(), err)
		return false
	}
	b.client = client
	b.logger.Printf("bus: connected to %s as %s", b.brokerURL(), b.cfg.ClientID)

	for topic, h := range b.subs {
		if err := b.subscribeLocked(topic, h); err != nil {
			b.logger.Printf("bus: resubscribe %s: %v", topic, err)
		}
	}
	return true
}

// Disconnect closes the broker session, if any.
func (b *Bus) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return
	}
	b.client.Disconnect(250)
	b.client = nil
	b.logger.Println("bus: disconnected")
}

// IsConnected reports the current session state without blocking on I/O.
func (b *Bus) IsConnected() bool {
	c := b.current()
	return c != nil && c.IsConnectionOpen()
}

func (b *Bus) current() mqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// ConnectWithRetry is the startup path: it retries Connect with exponential
// backoff, at most retries extra times, and gives up when ctx is done.
func ConnectWithRetry(ctx context.Context, b *Bus, retries int) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if retries < 0 {
		retries = 0
	}

	err := backoff.Retry(func() error {
		if b.Connect() {
			return nil
		}
		return fmt.Errorf("connect to %s: %w", b.brokerURL(), ErrNotConnected)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx))
	if err != nil {
		return fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}
	return nil
}

package rabbitmq

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe registers h for topic. The registration survives reconnects: it
// is replayed by the next successful Connect.
func (b *Bus) Subscribe(topic string, h MessageHandler) error {
	if h == nil {
		return fmt.Errorf("nil handler for topic %s", topic)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[topic] = h
	if b.client == nil || !b.client.IsConnectionOpen() {
		return nil
	}
	return b.subscribeLocked(topic, h)
}

func (b *Bus) subscribeLocked(topic string, h MessageHandler) error {
	token := b.client.Subscribe(topic, b.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("timeout subscribing to %s", topic)
	}
	return token.Error()
}

// Unsubscribe removes the handler for topic.
func (b *Bus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs, topic)
	if b.client == nil || !b.client.IsConnectionOpen() {
		return nil
	}
	token := b.client.Unsubscribe(topic)
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("timeout unsubscribing from %s", topic)
	}
	return token.Error()
}

// Consumer subscribes a set of topics on a Bus for as long as a context lives.
type Consumer struct {
	bus     *Bus
	topics  []string
	handler MessageHandler
}

func NewConsumer(bus *Bus, topics []string, handler MessageHandler) *Consumer {
	return &Consumer{bus: bus, topics: topics, handler: handler}
}

func (c *Consumer) SetHandler(handler MessageHandler) {
	c.handler = handler
}

// ConsumeMessage subscribes every topic and blocks until ctx is cancelled,
// then unsubscribes.
func (c *Consumer) ConsumeMessage(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("no handler set for topics %v", c.topics)
	}
	for _, topic := range c.topics {
		if err := c.bus.Subscribe(topic, c.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		c.bus.logger.Printf("bus: subscribed to %s", topic)
	}

	<-ctx.Done()

	for _, topic := range c.topics {
		if err := c.bus.Unsubscribe(topic); err != nil {
			c.bus.logger.Printf("bus: unsubscribe %s: %v", topic, err)
		}
	}
	return nil
}

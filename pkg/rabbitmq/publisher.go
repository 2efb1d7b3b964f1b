package rabbitmq

import (
	"fmt"
)

// Publisher is what the schedule publisher and release control need from the bus.
type Publisher interface {
	IsConnected() bool
	Connect() bool
	Send(topic, payload string) error
}

var _ Publisher = (*Bus)(nil)

// Send publishes one plain-text message and waits for the broker to accept
// it. Acceptance says nothing about the device executing the command.
func (b *Bus) Send(topic, payload string) error {
	c := b.current()
	if c == nil || !c.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.Publish(topic, b.cfg.QoS, false, payload)
	if !token.WaitTimeout(b.cfg.PublishTimeout) {
		return fmt.Errorf("timeout publishing to %s after %s", topic, b.cfg.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Publish is Send reduced to a success flag. It never panics.
func (b *Bus) Publish(topic, payload string) bool {
	if err := b.Send(topic, payload); err != nil {
		b.logger.Printf("bus: %v", err)
		return false
	}
	return true
}

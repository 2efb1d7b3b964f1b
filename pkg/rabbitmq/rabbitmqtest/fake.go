// Package rabbitmqtest provides an in-memory bus for tests.
package rabbitmqtest

import (
	"errors"
	"sync"
)

// Message is one send recorded by FakeBus.
type Message struct {
	Topic   string
	Payload string
}

// FakeBus records sends and fails the topics it is told to fail.
type FakeBus struct {
	mu sync.Mutex

	Connected   bool
	CanConnect  bool
	FailTopics  map[string]error
	ConnectHits int
	Attempts    []Message // every Send call, failed or not
}

// NewFakeBus returns a connected bus that accepts everything.
func NewFakeBus() *FakeBus {
	return &FakeBus{Connected: true, CanConnect: true, FailTopics: map[string]error{}}
}

func (b *FakeBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Connected
}

func (b *FakeBus) Connect() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ConnectHits++
	if b.CanConnect {
		b.Connected = true
	}
	return b.Connected
}

func (b *FakeBus) Send(topic, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Attempts = append(b.Attempts, Message{Topic: topic, Payload: payload})
	if !b.Connected {
		return errors.New("not connected")
	}
	if err, ok := b.FailTopics[topic]; ok {
		return err
	}
	return nil
}

// Fail makes every later send to topic fail.
func (b *FakeBus) Fail(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailTopics == nil {
		b.FailTopics = map[string]error{}
	}
	b.FailTopics[topic] = errors.New("broker refused " + topic)
}

func (b *FakeBus) Sent() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.Attempts))
	copy(out, b.Attempts)
	return out
}

func (b *FakeBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Attempts = nil
}

// Down makes the bus unreachable: disconnected and refusing reconnects.
func (b *FakeBus) Down() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Connected, b.CanConnect = false, false
}

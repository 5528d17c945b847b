// Package memory contains an in-memory publisher used by tests and by
// deployments that run without Pub/Sub.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores published job events for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	failErr  error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes all subsequent Publish calls return err. Pass nil to clear.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return "", p.failErr
	}
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// MessagesFor returns the recorded publishes for one topic.
func (p *Publisher) MessagesFor(topic string) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []PublishedMessage
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Package memory records acquisition notifications in process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	err      error
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

// FailWith makes every subsequent Publish return err.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
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

// Acquired returns the recorded acquisition notifications in publish order.
func (p *Publisher) Acquired() []acquire.Acquired {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []acquire.Acquired
	for _, m := range p.messages {
		if a, ok := m.Payload.(acquire.Acquired); ok {
			out = append(out, a)
		}
	}
	return out
}

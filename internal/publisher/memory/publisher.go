// Package memory keeps published article events in process memory, for
// local runs and tests that assert on what the sink announced.
package memory

import (
	"context"
	"slices"
	"strconv"
	"sync"
)

// Event is one recorded publish.
type Event struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher is an in-process event log grouped by topic.
type Publisher struct {
	mu      sync.RWMutex
	seq     int
	log     []Event
	byTopic map[string][]int
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{byTopic: make(map[string][]int)}
}

// Publish appends payload to the log. IDs are sequential per publisher.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := "mem-" + strconv.Itoa(p.seq)
	p.byTopic[topic] = append(p.byTopic[topic], len(p.log))
	p.log = append(p.log, Event{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Events returns a copy of every recorded publish in order.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.log)
}

// Topic returns the payloads published to topic, in order.
func (p *Publisher) Topic(topic string) []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx := p.byTopic[topic]
	out := make([]any, 0, len(idx))
	for _, i := range idx {
		out = append(out, p.log[i].Payload)
	}
	return out
}

// Len reports how many events were published.
func (p *Publisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.log)
}

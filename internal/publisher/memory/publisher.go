// Package memory keeps snapshot commit notifications in process so crawl tests can inspect them.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// PublishedMessage is one recorded notification.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
	Data    []byte
}

// Publisher implements leaderboard.Publisher without a broker.
type Publisher struct {
	mu      sync.RWMutex
	seq     int
	log     []PublishedMessage
	byTopic map[string][]int
	failure error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{byTopic: make(map[string][]int)}
}

// FailWith makes every later Publish return err. Passing nil clears it.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.failure = err
	p.mu.Unlock()
}

// Publish records payload under topic using the same JSON body the Pub/Sub publisher sends.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s notification: %w", topic, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return "", p.failure
	}
	p.seq++
	msg := PublishedMessage{ID: fmt.Sprintf("memory-%d", p.seq), Topic: topic, Payload: payload, Data: data}
	p.byTopic[topic] = append(p.byTopic[topic], len(p.log))
	p.log = append(p.log, msg)
	return msg.ID, nil
}

// Messages returns every recorded notification in publish order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]PublishedMessage(nil), p.log...)
}

// ByTopic returns the notifications sent to topic.
func (p *Publisher) ByTopic(topic string) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx := p.byTopic[topic]
	out := make([]PublishedMessage, 0, len(idx))
	for _, i := range idx {
		out = append(out, p.log[i])
	}
	return out
}

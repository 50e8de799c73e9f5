// Package events publishes purchase and balance events to interested parties.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
)

type Type string

const (
	TypeStatus     Type = "purchase.status"
	TypeHalted     Type = "operator.halted"
	TypeLowBalance Type = "balance.low"
)

type Event struct {
	Type     Type      `json:"type"`
	Ref      string    `json:"ref,omitempty"`
	Operator string    `json:"operator"`
	Status   string    `json:"status,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Func adapts a function to Publisher.
type Func func(ctx context.Context, e Event) error

func (f Func) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NSQPublisher writes events as JSON to an NSQ topic.
type NSQPublisher struct {
	p     *nsq.Producer
	topic string
}

func NewNSQPublisher(addr, topic string) (*NSQPublisher, error) {
	cfg := nsq.NewConfig()
	p, err := nsq.NewProducer(addr, cfg)
	if err != nil {
		return nil, err
	}
	p.SetLoggerLevel(nsq.LogLevelWarning)
	return &NSQPublisher{p: p, topic: topic}, nil
}

func (n *NSQPublisher) Publish(_ context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.p.Publish(n.topic, payload)
}

func (n *NSQPublisher) Close() {
	if n.p != nil {
		n.p.Stop()
	}
}

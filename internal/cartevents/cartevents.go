// Package cartevents publishes cart and download activity to Kafka.
package cartevents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/ral-facilities/datagateway-go/internal/core/model"
	"github.com/ral-facilities/datagateway-go/internal/core/observability"
)

type Type string

const (
	TypeAdd    Type = "cart.add"
	TypeRemove Type = "cart.remove"
	TypeClear  Type = "cart.clear"
	TypeSubmit Type = "cart.submit"
)

type Event struct {
	Type       Type             `json:"type"`
	Facility   string           `json:"facility"`
	Items      []model.EntryKey `json:"items,omitempty"`
	DownloadID int64            `json:"downloadId,omitempty"`
	Transport  string           `json:"transport,omitempty"`
	RequestID  string           `json:"requestId,omitempty"`
	TS         time.Time        `json:"ts"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(ev Event)
	Close() error
}

// Nop is used when cart events are disabled.
type Nop struct{}

func (Nop) Publish(ev Event) { observability.IncCartEvent(string(ev.Type), "disabled") }
func (Nop) Close() error     { return nil }

type Kafka struct {
	logger   *slog.Logger
	topic    string
	events   chan Event
	prod     sarama.AsyncProducer
	stopped  chan struct{}
	errsDone chan struct{}
}

func NewKafka(brokers []string, topic string, queueSize int, logger *slog.Logger) (*Kafka, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("cartevents: create async producer: %w", err)
	}
	return newKafka(prod, topic, queueSize, logger), nil
}

func newKafka(prod sarama.AsyncProducer, topic string, queueSize int, logger *slog.Logger) *Kafka {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Kafka{
		logger:   logger,
		topic:    topic,
		events:   make(chan Event, queueSize),
		prod:     prod,
		stopped:  make(chan struct{}),
		errsDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				observability.IncCartEvent(string(ev.Type), "marshal_error")
				p.logger.Error("cartevents: marshal", "type", ev.Type, "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Facility),
				Value: sarama.ByteEncoder(b),
			}
			observability.IncCartEvent(string(ev.Type), "sent")
		}
	}()

	go func() {
		defer close(p.errsDone)
		for err := range p.prod.Errors() {
			if err != nil {
				observability.IncCartEvent("", "producer_error")
				p.logger.Warn("cartevents: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish drops the event when the queue is full.
func (p *Kafka) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	select {
	case p.events <- ev:
	default:
		observability.IncCartEvent(string(ev.Type), "dropped")
	}
}

func (p *Kafka) Close() error {
	close(p.events)
	<-p.stopped

	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("cartevents: close producer: %w", err)
	}
	<-p.errsDone
	return nil
}

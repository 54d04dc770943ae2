package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/banshee-data/tablepick/internal/cart"
)

// EventKind names what happened to a departed entity's cart.
type EventKind string

const (
	EventSettled  EventKind = "settled"
	EventFailed   EventKind = "failed"
	EventRejected EventKind = "rejected"
	EventUnlinked EventKind = "unlinked"
)

// Event is one checkout audit record.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Key      string          `json:"key,omitempty"`
	EntityID int             `json:"entity_id"`
	UserID   string          `json:"user_id,omitempty"`
	Items    []cart.LineItem `json:"items,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	At       time.Time       `json:"at"`
}

// EventSink records checkout events.
type EventSink interface {
	Record(ctx context.Context, ev Event) error
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []EventSink

func (m MultiSink) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Producer is the subset of *kgo.Client used by KafkaSink.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaSink publishes events as JSON records keyed by entity id so each
// entity's events land on one partition in order.
type KafkaSink struct {
	producer Producer
	topic    string
}

// NewKafkaSink returns a sink producing to topic.
func NewKafkaSink(p Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

// NewKafkaClient connects a producer client to brokers.
func NewKafkaClient(brokers []string, topic string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return client, nil
}

func (k *KafkaSink) Record(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(strconv.Itoa(ev.EntityID)),
		Value: value,
	}
	if err := k.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s event: %w", ev.Kind, err)
	}
	return nil
}

// LogSink writes events to the checkout log streams.
type LogSink struct{}

func (LogSink) Record(_ context.Context, ev Event) error {
	switch ev.Kind {
	case EventFailed, EventRejected, EventUnlinked:
		opsf("checkout %s entity=%d user=%q key=%s items=%v %s", ev.Kind, ev.EntityID, ev.UserID, ev.Key, ev.Items, ev.Detail)
	default:
		diagf("checkout %s entity=%d user=%q key=%s items=%v", ev.Kind, ev.EntityID, ev.UserID, ev.Key, ev.Items)
	}
	return nil
}

package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kstaniek/can-safety-gateway/internal/safety"
)

// KafkaConfig selects brokers and the event topic.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink appends events to a Kafka topic keyed by session id, so one
// session's events stay ordered within a partition.
type KafkaSink struct {
	w       messageWriter
	timeout time.Duration
}

// NewKafkaSink creates a writer for cfg. Connections are opened lazily on
// the first publish.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: no brokers")
	}
	if cfg.Topic == "" {
		cfg.Topic = "safety-events"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &KafkaSink{w: w, timeout: cfg.WriteTimeout}, nil
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, ev safety.Event) error {
	value, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(ev.Session),
		Value:   value,
		Time:    ev.At,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(ev.Kind.String())}},
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error { return k.w.Close() }

// Package kafka implements a sink producing one record per event to a
// Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"go.opentelemetry.io/otel/trace"

	"github.com/eventum-io/eventum/internal/sink"
	"github.com/eventum-io/eventum/internal/tracing"
)

// producer abstracts the kafka client for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Config holds Kafka sink configuration.
type Config struct {
	Brokers []string
	Topic   string
	Format  sink.Format

	// SASL/PLAIN credentials; empty user disables auth.
	User     string
	Password string
}

// Sink produces events to a Kafka topic. Records are keyed by the
// signal sequence number so partitioning preserves per-key order.
type Sink struct {
	client producer
	topic  string
	format sink.Format
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Kafka sink.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	if cfg.User != "" {
		opts = append(opts, kgo.SASL(plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return &Sink{
		client: client,
		topic:  cfg.Topic,
		format: cfg.Format,
		logger: logger,
		tracer: tracing.Noop("kafka-sink"),
	}, nil
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Deliver implements sink.Sink.
func (s *Sink) Deliver(ctx context.Context, e sink.Event) error {
	value, err := sink.Encode(s.format, e)
	if err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaPublish,
		trace.WithAttributes(
			tracing.SeqAttr(e.Seq),
			tracing.TemplateAttr(e.TemplateID),
		),
	)
	defer span.End()

	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(strconv.FormatInt(e.Seq, 10)),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "eventum-template", Value: []byte(e.TemplateID)},
			{Key: "eventum-timestamp", Value: []byte(e.Timestamp.UTC().Format(time.RFC3339Nano))},
		},
	}

	results := s.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		tracing.SetSpanError(span, err)
		return fmt.Errorf("produce to %s: %w", s.topic, err)
	}
	tracing.SetSpanOK(span)
	return nil
}

// Close shuts down the producer.
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// --- Kafka producer for tracking events and alerts ---

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the value written to the events topic.
type Envelope struct {
	Channel   string    `json:"channel"`
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// KafkaPublisher writes tracking events and alerts to Kafka. It implements
// Publisher and AlertSink.
type KafkaPublisher struct {
	writer      messageWriter
	eventsTopic string
	alertsTopic string
	now         func() time.Time
}

// NewKafkaPublisher creates an async publisher. The writer has no fixed topic;
// every message carries its own.
func NewKafkaPublisher(brokers []string, eventsTopic, alertsTopic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Async:                  true,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				slog.Error("kafka write failed",
					"error", fmt.Errorf("%w: %v", ErrTransportUnavailable, err),
					"count", len(msgs))
			}
		},
	}
	return newKafkaPublisher(w, eventsTopic, alertsTopic, UTCClock)
}

func newKafkaPublisher(w messageWriter, eventsTopic, alertsTopic string, now func() time.Time) *KafkaPublisher {
	return &KafkaPublisher{writer: w, eventsTopic: eventsTopic, alertsTopic: alertsTopic, now: now}
}

// Publish writes one envelope keyed by channel. Only event channels are written:
// the global channel repeats the same emissions for in-process observers.
func (p *KafkaPublisher) Publish(ctx context.Context, channel, name string, payload any) error {
	if channel == GlobalChannel {
		return nil
	}
	data, err := json.Marshal(Envelope{
		Channel:   channel,
		Type:      name,
		Data:      payload,
		Timestamp: p.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return p.write(ctx, kafka.Message{
		Topic: p.eventsTopic,
		Key:   []byte(channel),
		Value: data,
	})
}

// RecordAlert writes a to the alerts topic keyed by agent id.
func (p *KafkaPublisher) RecordAlert(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", a.ID, err)
	}
	return p.write(ctx, kafka.Message{
		Topic: p.alertsTopic,
		Key:   []byte(a.AgentID),
		Value: data,
	})
}

func (p *KafkaPublisher) write(ctx context.Context, msg kafka.Message) error {
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransportUnavailable, msg.Topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// --- Kafka consumer for device telemetry ---

// OnBatch is called when a batch of requests is ready.
type OnBatch func(ctx context.Context, reqs []Request)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumerConfig holds configuration for the telemetry consumer.
type KafkaConsumerConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	BatchSize    int
	BatchTimeout time.Duration
}

// TelemetryConsumer reads position reports from Kafka and hands them over in batches.
// Offsets are committed once their batch has been handled.
type TelemetryConsumer struct {
	reader       messageReader
	cfg          KafkaConsumerConfig
	onBatch      OnBatch
	batch        []Request
	pending      []kafka.Message
	timer        *time.Timer
	fetchTimeout time.Duration
}

func NewTelemetryConsumer(cfg KafkaConsumerConfig, onBatch OnBatch) *TelemetryConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})
	return newTelemetryConsumer(reader, cfg, onBatch)
}

func newTelemetryConsumer(r messageReader, cfg KafkaConsumerConfig, onBatch OnBatch) *TelemetryConsumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	return &TelemetryConsumer{
		reader:       r,
		cfg:          cfg,
		onBatch:      onBatch,
		batch:        make([]Request, 0, cfg.BatchSize),
		fetchTimeout: 100 * time.Millisecond,
	}
}

// Run consumes until ctx is cancelled, then hands over what is batched.
func (c *TelemetryConsumer) Run(ctx context.Context) {
	slog.Info("starting telemetry consumer",
		"brokers", c.cfg.Brokers,
		"topic", c.cfg.Topic,
		"group_id", c.cfg.GroupID,
	)
	c.timer = time.NewTimer(c.cfg.BatchTimeout)
	defer c.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush(context.WithoutCancel(ctx))
			return
		case <-c.timer.C:
			c.flush(ctx)
			c.timer.Reset(c.cfg.BatchTimeout)
		default:
			readCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
			msg, err := c.reader.FetchMessage(readCtx)
			cancel()

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				if ctx.Err() != nil {
					continue
				}
				slog.Error("fetch message failed", "error", err)
				continue
			}

			c.pending = append(c.pending, msg)

			var req Request
			if err := json.Unmarshal(msg.Value, &req); err != nil {
				slog.Warn("invalid message", "error", err, "offset", msg.Offset)
				continue
			}
			c.batch = append(c.batch, req)

			if len(c.batch) >= c.cfg.BatchSize {
				c.flush(ctx)
				c.timer.Reset(c.cfg.BatchTimeout)
			}
		}
	}
}

func (c *TelemetryConsumer) flush(ctx context.Context) {
	if len(c.batch) > 0 {
		toFlush := c.batch
		c.batch = make([]Request, 0, c.cfg.BatchSize)
		c.onBatch(ctx, toFlush)
	}
	if len(c.pending) > 0 {
		if err := c.reader.CommitMessages(ctx, c.pending...); err != nil {
			slog.Error("commit failed", "error", err, "count", len(c.pending))
		}
		c.pending = nil
	}
}

// Close closes the Kafka reader.
func (c *TelemetryConsumer) Close() error {
	return c.reader.Close()
}

// IngestBatch feeds every request of a batch through in, one at a time.
func IngestBatch(in *Ingester) OnBatch {
	return func(ctx context.Context, reqs []Request) {
		accepted := 0
		for _, req := range reqs {
			err := in.Ingest(ctx, req)
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrNotTracking), errors.Is(err, ErrOutsideWindow):
				slog.Debug("telemetry dropped", "error", err, "agent_id", req.AgentID, "event_id", req.EventID)
			default:
				slog.Warn("telemetry rejected", "error", err, "agent_id", req.AgentID, "event_id", req.EventID)
			}
		}
		slog.Info("telemetry batch ingested", "count", len(reqs), "accepted", accepted)
	}
}

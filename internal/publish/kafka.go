// Package publish forwards canonical trade records to the output stream.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/finbase/tradefeed/pkg/metrics"
	"github.com/finbase/tradefeed/pkg/models"
)

// Config contains configuration for the Kafka producer.
type Config struct {
	Brokers      []string      `json:"brokers"`
	Topic        string        `json:"topic"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BatchTimeout time.Duration `json:"batch_timeout"`
	RequiredAcks int           `json:"required_acks"`
	Compression  string        `json:"compression"`
	MaxAttempts  int           `json:"max_attempts"`
}

// DefaultConfig returns producer defaults suitable for a single-instrument
// trade feed.
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "trades",
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: 1,
		Compression:  "snappy",
		MaxAttempts:  3,
	}
}

// PublishError represents a failure to hand a trade to the output stream.
type PublishError struct {
	Topic string
	Key   string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s (key=%s): %v", e.Topic, e.Key, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// messageWriter is the part of kafka.Writer the producer uses. Tests
// substitute a recording writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes trades to a single Kafka topic, keyed by instrument
// identifier so all trades for one instrument land on one partition.
type Producer struct {
	cfg    Config
	writer messageWriter
	logger *zap.Logger
}

// NewProducer creates a Kafka producer for the configured topic.
func NewProducer(cfg Config, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.CRC32Balancer{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.MaxAttempts,
		Compression:  compressionCodec(cfg.Compression),
	}
	return &Producer{
		cfg:    cfg,
		writer: writer,
		logger: logger.Named("publish"),
	}
}

func compressionCodec(name string) kafka.Compression {
	switch name {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Snappy
	}
}

// Publish serializes one trade and writes it to the topic with the
// instrument identifier as the message key. The call is synchronous with
// respect to the writer's own batching; a write failure surfaces as a
// PublishError.
func (p *Producer) Publish(ctx context.Context, trade models.Trade) error {
	value, err := json.Marshal(trade)
	if err != nil {
		return &PublishError{Topic: p.cfg.Topic, Key: trade.InstrumentID, Err: err}
	}

	msg := kafka.Message{
		Key:   []byte(trade.InstrumentID),
		Value: value,
		Time:  time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.PublishErrors.Inc()
		return &PublishError{Topic: p.cfg.Topic, Key: trade.InstrumentID, Err: err}
	}

	metrics.TradesPublished.WithLabelValues(trade.InstrumentID).Inc()
	p.logger.Debug("trade published",
		zap.String("instrument", trade.InstrumentID),
		zap.Float64("price", trade.Price),
		zap.Float64("quantity", trade.Quantity),
		zap.Int64("timestamp_ms", trade.TimestampMs))
	return nil
}

// Close flushes and shuts down the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

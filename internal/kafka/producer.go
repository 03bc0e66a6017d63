package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tickerwatch/screener-service/internal/models"
)

// Producer handles publishing screener events to Kafka
type Producer struct {
	writer *kafka.Writer
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{
		writer: writer,
		topic:  topic,
	}
}

// PublishScreenMatch publishes a screen match event for a newly matching symbol
func (p *Producer) PublishScreenMatch(ctx context.Context, result *models.ScreenResult) error {
	event := models.ScreenerEvent{
		EventType: models.EventScreenMatch,
		Symbol:    result.Symbol,
		Result:    result,
		Timestamp: time.Now(),
	}
	return p.publish(ctx, result.Symbol, event)
}

// PublishSymbolQuarantined publishes a quarantine transition event
func (p *Producer) PublishSymbolQuarantined(ctx context.Context, symbol string, reason models.FailureReason) error {
	event := models.ScreenerEvent{
		EventType: models.EventSymbolQuarantined,
		Symbol:    symbol,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	return p.publish(ctx, symbol, event)
}

// PublishSymbolRecovered publishes a recovery event for a symbol leaving quarantine
func (p *Producer) PublishSymbolRecovered(ctx context.Context, symbol string) error {
	event := models.ScreenerEvent{
		EventType: models.EventSymbolRecovered,
		Symbol:    symbol,
		Timestamp: time.Now(),
	}
	return p.publish(ctx, symbol, event)
}

func (p *Producer) publish(ctx context.Context, key string, event models.ScreenerEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	return nil
}

// Close closes the Kafka producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

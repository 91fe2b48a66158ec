package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// StockEventMessage is the wire form of a ledger event on the stock topic.
type StockEventMessage struct {
	ProductID     string    `json:"product_id"`
	Seq           uint64    `json:"seq"`
	Kind          string    `json:"kind"`
	Quantity      int       `json:"quantity"`
	ReservationID string    `json:"reservation_id,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
	Available     int       `json:"available"`
	Reserved      int       `json:"reserved"`
	Committed     int       `json:"committed"`
}

func NewStockEventMessage(ev domain.StockEvent, snap domain.Availability) StockEventMessage {
	return StockEventMessage{
		ProductID:     ev.ProductID,
		Seq:           ev.Seq,
		Kind:          string(ev.Kind),
		Quantity:      ev.Quantity,
		ReservationID: ev.ReservationID,
		RecordedAt:    ev.RecordedAt,
		Available:     snap.Available,
		Reserved:      snap.Reserved,
		Committed:     snap.Committed,
	}
}

// NewKafkaWriter hashes on the message key so one product's events stay in one partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes appended ledger events for downstream consumers.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Name() string {
	return "kafka-stock-events"
}

func (p *KafkaPublisher) Deliver(ctx context.Context, ev domain.StockEvent, snap domain.Availability) error {
	payload, err := json.Marshal(NewStockEventMessage(ev, snap))
	if err != nil {
		return fmt.Errorf("marshal stock event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ProductID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-kind", Value: []byte(ev.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("write stock event: %w", err)
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

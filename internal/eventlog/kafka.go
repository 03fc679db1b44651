package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sync-service/internal/party"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaStream publishes party events for analytics consumers. Messages are
// keyed by party id, so one party's events stay ordered within a partition.
type KafkaStream struct {
	writer messageWriter
	topic  string
}

type streamRecord struct {
	ID        string          `json:"id"`
	PartyID   string          `json:"party_id"`
	Type      string          `json:"type"`
	SenderID  string          `json:"sender_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func NewKafkaStream(brokers, topic string) *KafkaStream {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaStream{writer: writer, topic: topic}
}

func (k *KafkaStream) Record(ctx context.Context, rec party.EventRecord) error {
	payload := json.RawMessage(rec.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	value, err := json.Marshal(streamRecord{
		ID:        rec.ID,
		PartyID:   rec.PartyID,
		Type:      rec.Type,
		SenderID:  rec.SenderID,
		Payload:   payload,
		CreatedAt: rec.CreatedAt,
	})
	if err != nil {
		return err
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(rec.PartyID),
		Value: value,
		Time:  rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("publish party event %s: %w", rec.ID, err)
	}
	return nil
}

func (k *KafkaStream) Close() error {
	return k.writer.Close()
}

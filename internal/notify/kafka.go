package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// NotificationRequested is the event published for every request.
type NotificationRequested struct {
	UserID   string `json:"userId"`
	WagerID  string `json:"wagerId"`
	Message  string `json:"message"`
	TsUnixMs int64  `json:"tsUnixMs"`
}

// messageWriter is the subset of *kafka.Writer the emitter needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaEmitter publishes requests for an external delivery service. Messages
// are keyed by user so one user's notifications stay ordered on a partition.
type KafkaEmitter struct {
	writer messageWriter
}

// NewKafkaWriter builds a writer for the notification topic. brokers is a
// comma-separated list.
func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaEmitter creates an emitter over w.
func NewKafkaEmitter(w messageWriter) *KafkaEmitter {
	return &KafkaEmitter{writer: w}
}

func (e *KafkaEmitter) Emit(ctx context.Context, userID, wagerID, message string) error {
	now := time.Now()
	b, err := json.Marshal(NotificationRequested{
		UserID:   userID,
		WagerID:  wagerID,
		Message:  message,
		TsUnixMs: now.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode notification event: %w", err)
	}
	if err := e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(userID),
		Value: b,
		Time:  now,
	}); err != nil {
		return fmt.Errorf("publish notification event: %w", err)
	}
	return nil
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes events to a single topic keyed by title id, so one
// title's history stays on one partition and keeps its order.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher: empty topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w, log: log}, nil
}

var _ Publisher = (*KafkaPublisher)(nil)

// Publish ignores stream; the topic is fixed at construction.
func (p *KafkaPublisher) Publish(ctx context.Context, stream string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(event.Title),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
			{Key: "stream", Value: []byte(stream)},
		},
		Time: event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", event.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaSubscriber consumes the event topic as part of a consumer group.
// Every process that needs the full stream uses its own group id.
type KafkaSubscriber struct {
	brokers []string
	topic   string
	groupID string
	log     *zap.Logger
}

func NewKafkaSubscriber(brokers []string, topic, groupID string, log *zap.Logger) (*KafkaSubscriber, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka subscriber: no brokers configured")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka subscriber: empty group id")
	}
	return &KafkaSubscriber{brokers: brokers, topic: topic, groupID: groupID, log: log}, nil
}

var _ Subscriber = (*KafkaSubscriber)(nil)

// Subscribe delivers events tagged with stream. New groups start at the
// end of the topic.
func (s *KafkaSubscriber) Subscribe(ctx context.Context, stream string, handler func(Event)) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.brokers,
		Topic:       s.topic,
		GroupID:     s.groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})

	go func() {
		defer r.Close()
		for {
			msg, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Error("kafka read failed", zap.Error(err), zap.String("topic", s.topic))
				time.Sleep(time.Second)
				continue
			}
			if !matchesStream(msg.Headers, stream) {
				continue
			}
			var event Event
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				s.log.Error("failed to unmarshal event", zap.Error(err), zap.String("topic", s.topic))
				continue
			}
			handler(event)
		}
	}()

	return nil
}

func matchesStream(headers []kafka.Header, stream string) bool {
	for _, h := range headers {
		if h.Key == "stream" {
			return string(h.Value) == stream
		}
	}
	return true
}

// README: Kafka producer publishing assignment lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"courierdispatch/internal/config"
	"courierdispatch/internal/modules/assignment"
	"courierdispatch/internal/types"
)

type Producer struct {
	producer sarama.SyncProducer
	log      logrus.FieldLogger
	topic    string
	now      func() time.Time
}

func NewProducer(cfg config.KafkaConfig, log logrus.FieldLogger) (*Producer, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = true
	sc.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	log.Info("kafka producer created")
	return NewProducerWith(producer, cfg.AssignmentsTopic, log), nil
}

// NewProducerWith wraps an existing sync producer.
func NewProducerWith(producer sarama.SyncProducer, topic string, log logrus.FieldLogger) *Producer {
	return &Producer{producer: producer, log: log, topic: topic, now: time.Now}
}

func (p *Producer) Close() error {
	return p.producer.Close()
}

func (p *Producer) AssignmentBroadcast(ctx context.Context, a *assignment.Assignment) error {
	return p.publish(ctx, TypeAssignmentBroadcast, a.OrderID, AssignmentEvent{
		AssignmentID: a.ID,
		OrderID:      a.OrderID,
		LineID:       a.LineID,
		ShopID:       a.ShopID,
		Candidates:   a.Candidates,
		Timestamp:    a.CreatedAt,
	})
}

func (p *Producer) NoCandidates(ctx context.Context, orderID, lineID types.ID) error {
	return p.publish(ctx, TypeAssignmentNoCandidates, orderID, AssignmentEvent{
		OrderID:   orderID,
		LineID:    lineID,
		Timestamp: p.now(),
	})
}

func (p *Producer) AssignmentAccepted(ctx context.Context, a *assignment.Assignment) error {
	ev := AssignmentEvent{
		AssignmentID: a.ID,
		OrderID:      a.OrderID,
		LineID:       a.LineID,
		ShopID:       a.ShopID,
		Timestamp:    p.now(),
	}
	if a.AssigneeID != nil {
		ev.CourierID = *a.AssigneeID
	}
	if a.AcceptedAt != nil {
		ev.Timestamp = *a.AcceptedAt
	}
	return p.publish(ctx, TypeAssignmentAccepted, a.OrderID, ev)
}

func (p *Producer) AssignmentCompleted(ctx context.Context, orderID, lineID, courierID types.ID) error {
	return p.publish(ctx, TypeAssignmentCompleted, orderID, AssignmentEvent{
		OrderID:   orderID,
		LineID:    lineID,
		CourierID: courierID,
		Timestamp: p.now(),
	})
}

// publish keys messages by order id so one order's events stay ordered.
func (p *Producer) publish(_ context.Context, typ Type, key types.ID, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s data: %w", typ, err)
	}
	event := Event{ID: uuid.New(), Type: typ, Timestamp: p.now(), Data: raw}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(typ)},
			{Key: []byte("timestamp"), Value: []byte(event.Timestamp.Format(time.RFC3339))},
		},
	}
	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("send message to topic %s: %w", p.topic, err)
	}

	p.log.WithFields(logrus.Fields{
		"topic":      p.topic,
		"partition":  partition,
		"offset":     offset,
		"event_type": typ,
		"event_id":   event.ID,
	}).Debug("event published")
	return nil
}

// README: Kafka consumer group turning order events into dispatch triggers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"courierdispatch/internal/config"
	"courierdispatch/internal/types"
)

type Handler func(ctx context.Context, event *Event) error

type Consumer struct {
	group    sarama.ConsumerGroup
	log      logrus.FieldLogger
	handlers map[Type]Handler
	topics   []string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewConsumer(cfg config.KafkaConfig, log logrus.FieldLogger) (*Consumer, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Group.Session.Timeout = 10 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	log.Info("kafka consumer created")
	return newConsumer(group, []string{cfg.OrdersTopic}, log), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, log logrus.FieldLogger) *Consumer {
	return &Consumer{
		group:    group,
		log:      log,
		handlers: make(map[Type]Handler),
		topics:   topics,
	}
}

// RegisterHandler must be called before Start.
func (c *Consumer) RegisterHandler(t Type, h Handler) {
	c.handlers[t] = h
	c.log.WithField("event_type", t).Info("event handler registered")
}

func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				c.log.WithError(err).Error("consume failed")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	c.log.WithField("topics", c.topics).Info("kafka consumer started")
}

func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.group.Close()
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.processMessage(session.Context(), message); err != nil {
				c.log.WithError(err).WithFields(logrus.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("failed to process message")
				continue
			}
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// processMessage skips event types nobody registered for.
func (c *Consumer) processMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	var event Event
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	handler, ok := c.handlers[event.Type]
	if !ok {
		c.log.WithField("event_type", event.Type).Debug("no handler registered")
		return nil
	}
	if err := handler(ctx, &event); err != nil {
		return fmt.Errorf("handler for %s: %w", event.Type, err)
	}
	return nil
}

// Triggers is the dispatch entry points reachable from the order topic.
type Triggers interface {
	OnOrderConfirmedForDelivery(ctx context.Context, orderID types.ID) error
	OnPaymentVerified(ctx context.Context, orderID types.ID) error
	OnShopMarkedOutForDelivery(ctx context.Context, orderID, lineID types.ID) error
}

// BindTriggers registers handlers for every inbound order event.
func BindTriggers(c *Consumer, t Triggers) {
	c.RegisterHandler(TypeOrderConfirmed, func(ctx context.Context, e *Event) error {
		p, err := decodeOrderEvent(e, false)
		if err != nil {
			return err
		}
		return t.OnOrderConfirmedForDelivery(ctx, p.OrderID)
	})
	c.RegisterHandler(TypeOrderPaymentVerified, func(ctx context.Context, e *Event) error {
		p, err := decodeOrderEvent(e, false)
		if err != nil {
			return err
		}
		return t.OnPaymentVerified(ctx, p.OrderID)
	})
	c.RegisterHandler(TypeLineOutForDelivery, func(ctx context.Context, e *Event) error {
		p, err := decodeOrderEvent(e, true)
		if err != nil {
			return err
		}
		return t.OnShopMarkedOutForDelivery(ctx, p.OrderID, p.LineID)
	})
}

func decodeOrderEvent(e *Event, needLine bool) (OrderEvent, error) {
	var p OrderEvent
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return p, fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	if p.OrderID == "" || (needLine && p.LineID == "") {
		return p, fmt.Errorf("%s: missing order or line id", e.Type)
	}
	return p, nil
}

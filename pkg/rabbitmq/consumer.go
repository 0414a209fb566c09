package rabbitmq

import (
	"fmt"

	applog "github.com/omoke1/Flowpay-sub000/pkg/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. Returning false requeues the message.
type Handler func(body []byte) bool

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings declares a durable queue, binds it to each routing key
// and dispatches deliveries in a background goroutine.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go dispatch(msgs, handlers)
	return nil
}

func dispatch(msgs <-chan amqp.Delivery, handlers map[string]Handler) {
	logger := applog.Component("rabbitmq_consumer")
	for d := range msgs {
		handler, ok := handlers[d.RoutingKey]
		if !ok {
			logger.Warn().Str("routing_key", d.RoutingKey).Msg("no handler for routing key; acknowledging to drop")
			_ = d.Ack(false)
			continue
		}
		if handler(d.Body) {
			_ = d.Ack(false)
		} else {
			logger.Warn().Str("routing_key", d.RoutingKey).Msg("handler failed; re-queuing")
			_ = d.Nack(false, true)
		}
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	consumerPrefetch  = 16
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// Handler processes one delivery. Returning false re-queues the message.
type Handler func([]byte) bool

// Consumer owns one connection and re-dials it whenever the broker drops it.
type Consumer struct {
	url  string
	conn *amqp.Connection
	ch   *amqp.Channel

	minDelay time.Duration
	maxDelay time.Duration
}

// NewConsumer validates the URL and makes a first connection attempt. A broker that is
// down at boot is not an error; Run keeps dialing until it comes up.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	c := &Consumer{url: cleanURL, minDelay: minReconnectDelay, maxDelay: maxReconnectDelay}
	if err := c.connect(); err != nil {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"broker unreachable; will keep retrying\" err=%v", err)
	}
	return c, nil
}

func (c *Consumer) connect() error {
	c.Close()
	conn, ch, err := dial(c.url)
	if err != nil {
		return err
	}
	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	c.conn, c.ch = conn, ch
	return nil
}

// Run declares the queue, binds every routing key pattern and dispatches deliveries until
// ctx is cancelled. Lost connections are re-dialed with exponential backoff, so Run only
// returns early when it is given nothing to consume.
func (c *Consumer) Run(ctx context.Context, exchange, queueName string, bindings map[string]Handler) error {
	patterns := make(map[string]Handler)
	for pattern, handler := range bindings {
		if handler != nil {
			patterns[pattern] = handler
		}
	}
	if len(patterns) == 0 {
		return errors.New("no bindings provided")
	}

	delay := c.minDelay
	for {
		if c.ch == nil || c.ch.IsClosed() {
			if err := c.connect(); err != nil {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"reconnect failed\" queue=%s retry_in=%s err=%v", queueName, delay, err)
				if !sleepCtx(ctx, delay) {
					return nil
				}
				delay = nextReconnectDelay(delay, c.maxDelay)
				continue
			}
			log.Printf("level=info component=rabbitmq_consumer msg=\"connected\" queue=%s", queueName)
		}

		handled, err := c.consume(ctx, exchange, queueName, patterns)
		if ctx.Err() != nil {
			return nil
		}
		if handled > 0 {
			delay = c.minDelay
		}
		log.Printf("level=warn component=rabbitmq_consumer msg=\"consumer interrupted; reconnecting\" queue=%s retry_in=%s err=%v", queueName, delay, err)
		c.Close()
		if !sleepCtx(ctx, delay) {
			return nil
		}
		delay = nextReconnectDelay(delay, c.maxDelay)
	}
}

// consume runs one session on the current channel and reports how many deliveries it handled.
func (c *Consumer) consume(ctx context.Context, exchange, queueName string, patterns map[string]Handler) (int, error) {
	if err := declareTopicExchange(c.ch, exchange); err != nil {
		return 0, err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	for pattern := range patterns {
		if err := c.ch.QueueBind(q.Name, pattern, exchange, false, nil); err != nil {
			return 0, err
		}
	}
	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return 0, err
	}

	handled := 0
	for {
		select {
		case <-ctx.Done():
			return handled, ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return handled, fmt.Errorf("delivery channel closed for queue %s", q.Name)
			}
			handled++
			dispatch(patterns, d)
		}
	}
}

func dispatch(patterns map[string]Handler, d amqp.Delivery) {
	handler := handlerFor(patterns, d.RoutingKey)
	if handler == nil {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key; dropping\" routing_key=%s", d.RoutingKey)
		d.Ack(false)
		return
	}
	if handler(d.Body) {
		d.Ack(false)
		return
	}
	log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" routing_key=%s", d.RoutingKey)
	d.Nack(false, true)
}

func nextReconnectDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next <= 0 {
		return max
	}
	return next
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func handlerFor(patterns map[string]Handler, routingKey string) Handler {
	if h, ok := patterns[routingKey]; ok {
		return h
	}
	for pattern, h := range patterns {
		if topicMatches(pattern, routingKey) {
			return h
		}
	}
	return nil
}

// topicMatches applies AMQP topic semantics: `*` matches one word, `#` zero or more.
func topicMatches(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

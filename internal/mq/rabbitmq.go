package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Tamnud-ghule/KUINBEE/config"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const rabbitDeadSuffix = ".dead"

// RabbitMQBackend publishes fulfillment jobs as persistent JSON messages on
// a queue named after the channel. Publishes wait for a broker confirm.
// Every subscriber consumes on its own AMQP channel. A failed delivery is
// republished with an attempt header until MaxRetries, then parked on
// "<channel>.dead".
type RabbitMQBackend struct {
	conn *amqp.Connection

	mu      sync.Mutex
	publish *amqp.Channel

	queueDurable    bool
	queueAutoDelete bool
	prefetchCount   int
	maxRetries      int
	retryDelay      time.Duration
}

// NewRabbitMQBackend dials the broker and opens a confirm-mode publishing
// channel.
func NewRabbitMQBackend(cfg config.RabbitMQConfig) (*RabbitMQBackend, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &RabbitMQBackend{
		conn:            conn,
		publish:         ch,
		queueDurable:    cfg.QueueDurable,
		queueAutoDelete: cfg.QueueAutoDelete,
		prefetchCount:   cfg.PrefetchCount,
		maxRetries:      maxRetries,
		retryDelay:      max(cfg.RetryDelay, 0),
	}, nil
}

// Publish sends data to the channel's queue and returns once the broker
// has confirmed it.
func (r *RabbitMQBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}

	msg := newPublishing(data, attrs, 0)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.declareQueue(r.publish, channel); err != nil {
		return "", err
	}
	confirm, err := r.publish.PublishWithDeferredConfirmWithContext(ctx, "", channel, false, false, msg)
	if err != nil {
		return "", err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return "", err
	}
	if !acked {
		return "", fmt.Errorf("rabbitmq: broker rejected message %s", msg.MessageId)
	}
	return msg.MessageId, nil
}

// Subscribe consumes the channel's queue until ctx is done.
func (r *RabbitMQBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if r.prefetchCount > 0 {
		if err := ch.Qos(r.prefetchCount, 0, false); err != nil {
			return err
		}
	}
	if _, err := r.declareQueue(ch, channel); err != nil {
		return err
	}
	if _, err := r.declareQueue(ch, channel+rabbitDeadSuffix); err != nil {
		return err
	}

	consumerTag := fmt.Sprintf("kuinbee-worker-%s", uuid.NewString())
	deliveries, err := ch.Consume(channel, consumerTag, false, false, false, false, nil)
	if err != nil {
		return err
	}
	defer func() { _ = ch.Cancel(consumerTag, false) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			r.handle(ctx, ch, channel, delivery, handler)
		}
	}
}

func (r *RabbitMQBackend) handle(ctx context.Context, ch *amqp.Channel, channel string, delivery amqp.Delivery, handler Handler) {
	attrs := headersToAttributes(delivery.Headers)
	attempts, _ := strconv.Atoi(attrs[fieldAttempts])
	delete(attrs, fieldAttempts)

	err := handler(ctx, Message{
		ID:         delivery.MessageId,
		Data:       delivery.Body,
		Attributes: attrs,
		Attempt:    attempts + 1,
	})
	if err == nil {
		_ = delivery.Ack(false)
		return
	}

	target, attempts := retryTarget(channel, rabbitDeadSuffix, attempts, r.maxRetries)
	if target != channel {
		slog.ErrorContext(ctx, "message moved to dead letter queue",
			slog.String("channel", channel),
			slog.String("message_id", delivery.MessageId),
			slog.Int("attempts", attempts),
			slog.Any("error", err),
		)
	} else if !sleepCtx(ctx, r.retryDelay) {
		_ = delivery.Nack(false, true)
		return
	}

	msg := newPublishing(delivery.Body, attrs, attempts)
	msg.MessageId = delivery.MessageId
	if err := ch.PublishWithContext(context.WithoutCancel(ctx), "", target, false, false, msg); err != nil {
		slog.WarnContext(ctx, "rabbitmq requeue failed",
			slog.String("channel", channel),
			slog.String("message_id", delivery.MessageId),
			slog.Any("error", err),
		)
		_ = delivery.Nack(false, true)
		return
	}
	_ = delivery.Ack(false)
}

// Close closes the publishing channel and the connection. Subscriber
// channels close with the connection.
func (r *RabbitMQBackend) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publish != nil {
		_ = r.publish.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (r *RabbitMQBackend) declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		name,
		r.queueDurable,
		r.queueAutoDelete,
		false,
		false,
		nil,
	)
}

func newPublishing(data []byte, attrs map[string]string, attempts int) amqp.Publishing {
	headers := amqp.Table{}
	for key, value := range attrs {
		headers[key] = value
	}
	if attempts > 0 {
		headers[fieldAttempts] = strconv.Itoa(attempts)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         data,
	}
}

// retryTarget counts a failed delivery and picks where it goes next: back
// to channel, or to the dead letter destination once maxRetries is reached.
func retryTarget(channel, deadSuffix string, attempts, maxRetries int) (string, int) {
	attempts++
	if attempts >= maxRetries {
		return channel + deadSuffix, attempts
	}
	return channel, attempts
}

func headersToAttributes(headers amqp.Table) map[string]string {
	attrs := make(map[string]string, len(headers))
	for key, value := range headers {
		switch typed := value.(type) {
		case string:
			attrs[key] = typed
		case []byte:
			attrs[key] = string(typed)
		default:
			attrs[key] = fmt.Sprint(value)
		}
	}
	return attrs
}

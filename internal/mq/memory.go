package mq

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Tamnud-ghule/KUINBEE/config"
	"github.com/google/uuid"
)

const (
	defaultMemoryBuffer     = 128
	defaultMemoryMaxRetries = 5
	memoryDeadSuffix        = ".dead"
)

// MemoryBackend is an in-process broker for single-instance deployments
// and tests. A nacked message goes to the back of its channel after
// RetryDelay, and is parked on "<channel>.dead" once it has failed
// MaxRetries times.
type MemoryBackend struct {
	mu         sync.Mutex
	buffer     int
	maxRetries int
	retryDelay time.Duration
	channels   map[string]chan Message
	closed     bool
}

// NewMemoryBackend creates a broker from config. Channels hold up to
// cfg.Buffer undelivered messages.
func NewMemoryBackend(cfg config.MemoryMQConfig) *MemoryBackend {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMemoryMaxRetries
	}
	return &MemoryBackend{
		buffer:     buffer,
		maxRetries: maxRetries,
		retryDelay: max(cfg.RetryDelay, 0),
		channels:   make(map[string]chan Message),
	}
}

func (m *MemoryBackend) queue(channel string) (chan Message, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, errors.New("memory channel is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("memory backend closed")
	}
	q, ok := m.channels[channel]
	if !ok {
		q = make(chan Message, m.buffer)
		m.channels[channel] = q
	}
	return q, nil
}

// Publish enqueues a copy of data. It blocks while the channel is full.
func (m *MemoryBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	q, err := m.queue(channel)
	if err != nil {
		return "", err
	}

	msg := Message{
		ID:         uuid.NewString(),
		Data:       append([]byte(nil), data...),
		Attributes: make(map[string]string, len(attrs)),
	}
	for k, v := range attrs {
		msg.Attributes[k] = v
	}

	select {
	case q <- msg:
		return msg.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Subscribe delivers messages to handler until ctx is done.
func (m *MemoryBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	q, err := m.queue(channel)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-q:
			attempts, _ := strconv.Atoi(msg.Attributes[fieldAttempts])
			delivery := msg
			delivery.Attributes = withoutAttempts(msg.Attributes)
			delivery.Attempt = attempts + 1
			if err := handler(ctx, delivery); err != nil {
				if err := m.retry(ctx, channel, q, msg, attempts, err); err != nil {
					return err
				}
			}
		}
	}
}

func (m *MemoryBackend) retry(ctx context.Context, channel string, q chan Message, msg Message, attempts int, cause error) error {
	target, attempts := retryTarget(channel, memoryDeadSuffix, attempts, m.maxRetries)
	msg.Attributes = withoutAttempts(msg.Attributes)
	msg.Attributes[fieldAttempts] = strconv.Itoa(attempts)

	if target != channel {
		slog.ErrorContext(ctx, "message moved to dead letter queue",
			slog.String("channel", channel),
			slog.String("message_id", msg.ID),
			slog.Int("attempts", attempts),
			slog.Any("error", cause),
		)
		dead, err := m.queue(target)
		if err != nil {
			return err
		}
		select {
		case dead <- msg:
		default:
			slog.ErrorContext(ctx, "dead letter queue full, message dropped",
				slog.String("channel", target),
				slog.String("message_id", msg.ID),
			)
		}
		return nil
	}

	if !sleepCtx(ctx, m.retryDelay) {
		return ctx.Err()
	}
	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func withoutAttempts(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if k != fieldAttempts {
			out[k] = v
		}
	}
	return out
}

// Pending returns the number of undelivered messages on channel.
func (m *MemoryBackend) Pending(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels[channel])
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Tamnud-ghule/KUINBEE/config"
)

const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendRabbitMQ = "rabbitmq"
	BackendPubSub   = "pubsub"
)

// ErrDisabled is returned by FromConfig when no broker is configured.
var ErrDisabled = errors.New("mq: no backend configured")

// Message is a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
	// Attempt counts deliveries of this message starting at 1. Zero means
	// the backend does not track redeliveries.
	Attempt int
}

// Handler processes a message. Returning an error nacks the message so the
// broker redelivers it.
type Handler func(ctx context.Context, msg Message) error

// Backend defines the broker operations used by the ledger and the worker.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// MQ wraps a backend with a stable API.
type MQ struct {
	backend Backend
	name    string
}

func New(backend Backend) *MQ {
	return &MQ{backend: backend}
}

// FromConfig connects to the broker selected by cfg.MQ.Backend. It returns
// ErrDisabled for "none" so callers can run without a queue.
func FromConfig(ctx context.Context, cfg config.Config) (*MQ, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.MQ.Backend))
	var (
		backend Backend
		err     error
	)
	switch name {
	case "", BackendNone:
		return nil, ErrDisabled
	case BackendMemory:
		backend = NewMemoryBackend(cfg.MQ.Memory)
	case BackendRedis:
		backend, err = NewRedisStreamsBackend(cfg.Redis.Addr, cfg.Redis.Password, cfg.MQ.Streams)
	case BackendRabbitMQ:
		backend, err = NewRabbitMQBackend(cfg.MQ.RabbitMQ)
	case BackendPubSub:
		backend, err = NewPubSubBackend(ctx, cfg.MQ.PubSub)
	default:
		return nil, fmt.Errorf("mq: unknown backend %q", cfg.MQ.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("mq: connect %s: %w", name, err)
	}
	return &MQ{backend: backend, name: name}, nil
}

// Name returns the configured backend name.
func (m *MQ) Name() string {
	return m.name
}

func (m *MQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	return m.backend.Publish(ctx, channel, data, attrs)
}

// Subscribe consumes messages from the named channel until ctx is done.
func (m *MQ) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return m.backend.Subscribe(ctx, channel, handler)
}

func (m *MQ) Close() error {
	return m.backend.Close()
}

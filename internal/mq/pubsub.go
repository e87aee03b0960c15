package mq

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/Tamnud-ghule/KUINBEE/config"
	"google.golang.org/api/option"
)

const (
	// Fulfillment encrypts whole datasets, so leave the worker time before
	// Pub/Sub redelivers.
	subscriptionAckDeadline = 5 * time.Minute
	pubsubDeadSuffix        = ".dead"
	minRetryBackoff         = 10 * time.Second
	maxRetryBackoff         = 10 * time.Minute
)

// PubSubBackend delivers jobs through Google Cloud Pub/Sub. Topics are
// resolved once and reused for publishing. When MaxDeliveryAttempts is set
// the subscription forwards exhausted messages to "<channel>.dead", which
// gets its own subscription so parked jobs are kept.
type PubSubBackend struct {
	client             *pubsub.Client
	subscriptionSuffix string
	maxAttempts        int

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSubBackend constructs a Pub/Sub backend from config.
func NewPubSubBackend(ctx context.Context, cfg config.PubSubConfig) (*PubSubBackend, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("pubsub project id is required")
	}

	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, err
	}

	suffix := cfg.SubscriptionSuffix
	if suffix == "" {
		suffix = "-sub"
	}

	return &PubSubBackend{
		client:             client,
		subscriptionSuffix: suffix,
		maxAttempts:        clampDeliveryAttempts(cfg.MaxDeliveryAttempts),
		topics:             make(map[string]*pubsub.Topic),
	}, nil
}

// Publish sends a message to the named topic and waits for the server id.
func (p *PubSubBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("pubsub channel is required")
	}

	topic, err := p.topic(ctx, channel)
	if err != nil {
		return "", err
	}
	result := topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	return result.Get(ctx)
}

// Subscribe consumes messages from the channel's subscription. Each call
// holds its own subscription handle and works on one job at a time, so
// concurrency comes from the number of subscribers.
func (p *PubSubBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("pubsub channel is required")
	}

	topic, err := p.topic(ctx, channel)
	if err != nil {
		return err
	}

	subCfg := pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: subscriptionAckDeadline,
		RetryPolicy: &pubsub.RetryPolicy{
			MinimumBackoff: minRetryBackoff,
			MaximumBackoff: maxRetryBackoff,
		},
	}
	if p.maxAttempts > 0 {
		dead, err := p.topic(ctx, channel+pubsubDeadSuffix)
		if err != nil {
			return err
		}
		if _, err := p.ensureSubscription(ctx, p.subscriptionName(dead.ID()), pubsub.SubscriptionConfig{Topic: dead}); err != nil {
			return err
		}
		subCfg.DeadLetterPolicy = &pubsub.DeadLetterPolicy{
			DeadLetterTopic:     dead.String(),
			MaxDeliveryAttempts: p.maxAttempts,
		}
	}

	sub, err := p.ensureSubscription(ctx, p.subscriptionName(channel), subCfg)
	if err != nil {
		return err
	}

	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		message := Message{
			ID:         msg.ID,
			Data:       msg.Data,
			Attributes: msg.Attributes,
		}
		if msg.DeliveryAttempt != nil {
			message.Attempt = *msg.DeliveryAttempt
		}
		if err := handler(ctx, message); err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// Close flushes pending publishes and closes the client.
func (p *PubSubBackend) Close() error {
	p.mu.Lock()
	for name, topic := range p.topics {
		topic.Stop()
		delete(p.topics, name)
	}
	p.mu.Unlock()
	return p.client.Close()
}

func (p *PubSubBackend) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic, ok := p.topics[name]; ok {
		return topic, nil
	}

	topic := p.client.Topic(name)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		if topic, err = p.client.CreateTopic(ctx, name); err != nil {
			return nil, err
		}
	}
	p.topics[name] = topic
	return topic, nil
}

func (p *PubSubBackend) ensureSubscription(ctx context.Context, name string, cfg pubsub.SubscriptionConfig) (*pubsub.Subscription, error) {
	sub := p.client.Subscription(name)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return p.client.CreateSubscription(ctx, name, cfg)
	}
	return sub, nil
}

func (p *PubSubBackend) subscriptionName(channel string) string {
	return channel + p.subscriptionSuffix
}

// clampDeliveryAttempts maps the configured limit into the range Pub/Sub
// accepts. Zero or less disables dead lettering.
func clampDeliveryAttempts(n int) int {
	if n <= 0 {
		return 0
	}
	return min(max(n, 5), 100)
}

package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Tamnud-ghule/KUINBEE/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	fieldData     = "data"
	fieldAttempts = "attempts"
	attrPrefix    = "attr:"
	deadSuffix    = ":dead"
)

// RedisStreamsBackend delivers messages through a Redis stream consumed by
// a consumer group. Failed messages are re-added with an attempt counter;
// once MaxRetries is reached they move to "<channel>:dead".
type RedisStreamsBackend struct {
	client       *redis.Client
	group        string
	consumerBase string
	consumerSeq  atomic.Int64
	maxRetries   int
	retryDelay   time.Duration
	claimIdle    time.Duration
	block        time.Duration
	maxLen       int64
	readCount    int64
}

func NewRedisStreamsBackend(addr, password string, cfg config.StreamsConfig) (*RedisStreamsBackend, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "kuinbee-workers"
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	retryDelay := cfg.RetryDelay
	if retryDelay < 0 {
		retryDelay = 0
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 10 * time.Minute
	}

	return &RedisStreamsBackend{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		group:        group,
		consumerBase: uuid.NewString(),
		maxRetries:   maxRetries,
		retryDelay:   retryDelay,
		claimIdle:    claimIdle,
		block:        5 * time.Second,
		maxLen:       10000,
		readCount:    1,
	}, nil
}

func (b *RedisStreamsBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("redis stream channel is required")
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: channel,
		MaxLen: b.maxLen,
		Approx: true,
		Values: encodeStreamValues(data, attrs, 0),
	}).Result()
}

// Subscribe joins the consumer group as a new consumer and processes one
// message at a time until ctx is done. Messages left pending by a crashed
// consumer are claimed after ClaimIdle.
func (b *RedisStreamsBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("redis stream channel is required")
	}
	if err := b.ensureGroup(ctx, channel); err != nil {
		return err
	}
	consumer := fmt.Sprintf("%s-%d", b.consumerBase, b.consumerSeq.Add(1))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   channel,
			Group:    b.group,
			Consumer: consumer,
			MinIdle:  b.claimIdle,
			Start:    "0-0",
			Count:    b.readCount,
		}).Result()
		if err == nil {
			for _, msg := range claimed {
				b.handle(ctx, channel, msg, handler)
			}
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{channel, ">"},
			Count:    b.readCount,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			slog.WarnContext(ctx, "redis stream read failed",
				slog.String("channel", channel),
				slog.Any("error", err),
			)
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.handle(ctx, channel, msg, handler)
			}
		}
	}
}

func (b *RedisStreamsBackend) Close() error {
	return b.client.Close()
}

func (b *RedisStreamsBackend) ensureGroup(ctx context.Context, channel string) error {
	err := b.client.XGroupCreateMkStream(ctx, channel, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (b *RedisStreamsBackend) handle(ctx context.Context, channel string, msg redis.XMessage, handler Handler) {
	data, attrs, attempts := decodeStreamValues(msg.Values)
	err := handler(ctx, Message{ID: msg.ID, Data: data, Attributes: attrs, Attempt: attempts + 1})
	if err == nil {
		b.ackAndDel(ctx, channel, msg.ID)
		return
	}

	target, attempts := retryTarget(channel, deadSuffix, attempts, b.maxRetries)
	if target != channel {
		slog.ErrorContext(ctx, "message moved to dead letter stream",
			slog.String("channel", channel),
			slog.String("message_id", msg.ID),
			slog.Int("attempts", attempts),
			slog.Any("error", err),
		)
	} else if !sleepCtx(ctx, b.retryDelay) {
		return
	}
	if err := b.requeueAndAck(ctx, channel, target, msg.ID, encodeStreamValues(data, attrs, attempts)); err != nil {
		// The message stays pending and is claimed again after ClaimIdle.
		slog.WarnContext(ctx, "redis stream requeue failed",
			slog.String("channel", channel),
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
	}
}

func (b *RedisStreamsBackend) ackAndDel(ctx context.Context, channel, id string) {
	pipe := b.client.TxPipeline()
	pipe.XAck(ctx, channel, b.group, id)
	pipe.XDel(ctx, channel, id)
	_, _ = pipe.Exec(ctx)
}

func (b *RedisStreamsBackend) requeueAndAck(ctx context.Context, channel, target, id string, values map[string]any) error {
	pipe := b.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: target,
		MaxLen: b.maxLen,
		Approx: true,
		Values: values,
	})
	pipe.XAck(ctx, channel, b.group, id)
	pipe.XDel(ctx, channel, id)
	_, err := pipe.Exec(ctx)
	return err
}

func encodeStreamValues(data []byte, attrs map[string]string, attempts int) map[string]any {
	values := make(map[string]any, len(attrs)+2)
	values[fieldData] = string(data)
	values[fieldAttempts] = strconv.Itoa(attempts)
	for k, v := range attrs {
		values[attrPrefix+k] = v
	}
	return values
}

func decodeStreamValues(values map[string]any) ([]byte, map[string]string, int) {
	var (
		data     []byte
		attempts int
		attrs    = make(map[string]string)
	)
	for k, v := range values {
		s := fmt.Sprint(v)
		switch {
		case k == fieldData:
			data = []byte(s)
		case k == fieldAttempts:
			attempts, _ = strconv.Atoi(s)
		case strings.HasPrefix(k, attrPrefix):
			attrs[strings.TrimPrefix(k, attrPrefix)] = s
		}
	}
	return data, attrs, attempts
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

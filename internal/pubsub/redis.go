package pubsub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/teamchat/internal/logger"
)

// RedisBus — шина на Redis PUBLISH/SUBSCRIBE. Клиент общий с хранилищем присутствия и закрывается им.
type RedisBus struct {
	cli    *redis.Client
	buffer int
}

func NewRedisBus(cli *redis.Client, buffer int) *RedisBus {
	return &RedisBus{cli: cli, buffer: buffer}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, ev Event) error {
	data, err := encode(ev)
	if err != nil {
		return fmt.Errorf("pubsub: encode: %w", err)
	}
	if err := b.cli.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("pubsub: redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	ps := b.cli.Subscribe(ctx, topic)
	// Дожидаемся подтверждения подписки, иначе первые публикации могут потеряться.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("pubsub: redis subscribe %s: %w", topic, err)
	}
	out := make(chan Event, b.buffer)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				ev, err := decode([]byte(msg.Payload))
				if err != nil {
					logger.Errorf("pubsub: decode %s: %v", topic, err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Close() error { return nil }

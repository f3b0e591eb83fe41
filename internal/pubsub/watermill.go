package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"

	"github.com/teamchat/internal/logger"
)

// WatermillBus — Bus поверх пары publisher/subscriber watermill (gochannel или NATS).
type WatermillBus struct {
	pub    message.Publisher
	sub    message.Subscriber
	closer func() error
	buffer int
}

// NewMemoryBus — шина в памяти процесса (gochannel, без персистентности).
// Событие без подписчиков теряется.
func NewMemoryBus(buffer int) *WatermillBus {
	gc := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(buffer),
		Persistent:          false,
	}, NewLoggerAdapter())
	return &WatermillBus{pub: gc, sub: gc, closer: gc.Close, buffer: buffer}
}

// NATSConfig — core NATS без JetStream: события эфемерны, каждый экземпляр API получает все.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	CloseTimeout  time.Duration
	Buffer        int
}

func NewNATSBus(cfg NATSConfig) (*WatermillBus, error) {
	wlog := NewLoggerAdapter()
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	natsOpts := []natsgo.Option{
		natsgo.Name(cfg.Name),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				wlog.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			wlog.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("nats publisher: %w", err)
	}
	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        wmNats.JetStreamConfig{Disabled: true},
	}, wlog)
	if err != nil {
		pub.Close()
		return nil, fmt.Errorf("nats subscriber: %w", err)
	}
	return &WatermillBus{
		pub: pub,
		sub: sub,
		closer: func() error {
			perr := pub.Close()
			serr := sub.Close()
			if perr != nil {
				return perr
			}
			return serr
		},
		buffer: cfg.Buffer,
	}, nil
}

func (b *WatermillBus) Publish(ctx context.Context, topic string, ev Event) error {
	data, err := encode(ev)
	if err != nil {
		return fmt.Errorf("pubsub: encode: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	msg.Metadata.Set("event_type", ev.Type)
	if err := b.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", topic, err)
	}
	return nil
}

func (b *WatermillBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	in, err := b.sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("pubsub: subscribe %s: %w", topic, err)
	}
	out := make(chan Event, b.buffer)
	go func() {
		defer close(out)
		for msg := range in {
			ev, err := decode(msg.Payload)
			msg.Ack()
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
	}()
	return out, nil
}

func (b *WatermillBus) Close() error {
	return b.closer()
}

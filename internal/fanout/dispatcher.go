// Package fanout рассылает события о сообщениях участникам канала и упомянутым пользователям.
//
// Рассылка выполняется в фоновой очереди с ключом по каналу: задачи одного канала
// идут в порядке сохранения сообщений, номер последовательности не передаётся.
// Доставка at-most-once, без повторов. Ошибки публикации не возвращаются вызывающему,
// они попадают в метрики и лог.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/metrics"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/pubsub"
	"github.com/teamchat/internal/push"
	"github.com/teamchat/internal/tasks"
)

// MemberLister — участники канала читаются внутри задачи, а не в запросе.
type MemberLister interface {
	ListMembers(ctx context.Context, channelID string) ([]model.ChannelMember, error)
}

// Queue — очередь задач (tasks.Queue).
type Queue interface {
	Submit(key, name string, fn tasks.Func) error
}

// Notifier — приёмник push-уведомлений (push.Client).
type Notifier interface {
	Notify(ctx context.Context, req push.NotifyRequest) error
}

type Config struct {
	// BreakerMaxFailures — подряд идущих ошибок до размыкания.
	BreakerMaxFailures uint32
	// BreakerOpenTimeout — сколько предохранитель разомкнут до пробного запроса.
	BreakerOpenTimeout time.Duration
}

type Dispatcher struct {
	bus      pubsub.Publisher
	members  MemberLister
	queue    Queue
	notifier Notifier
	breaker  *gobreaker.CircuitBreaker[struct{}]
	pushCB   *gobreaker.CircuitBreaker[struct{}]
	now      func() time.Time
}

// New: notifier может быть nil (пуши отключены).
func New(bus pubsub.Publisher, members MemberLister, queue Queue, notifier Notifier, cfg Config) *Dispatcher {
	return &Dispatcher{
		bus:      bus,
		members:  members,
		queue:    queue,
		notifier: notifier,
		breaker:  newBreaker("bus-publish", cfg),
		pushCB:   newBreaker("push-notify", cfg),
		now:      time.Now,
	}
}

func newBreaker(name string, cfg Config) *gobreaker.CircuitBreaker[struct{}] {
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warnf("fanout: breaker %s %s -> %s", name, from, to)
		},
	})
}

// SetClock подменяет часы (для тестов).
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

func (d *Dispatcher) submit(channelID, name string, fn tasks.Func) {
	if err := d.queue.Submit(channelID, name, fn); err != nil {
		logger.L().Error().Err(err).Str("channel_id", channelID).Str("task", name).Msg("fanout: dispatch dropped")
	}
}

func (d *Dispatcher) publish(ctx context.Context, topic, eventType string, payload any) error {
	ev, err := pubsub.NewEvent(uuid.NewString(), eventType, payload, d.now())
	if err != nil {
		metrics.FanoutPublishes.WithLabelValues(eventType, "error").Inc()
		return err
	}
	_, err = d.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, d.bus.Publish(ctx, topic, ev)
	})
	switch {
	case err == nil:
		metrics.FanoutPublishes.WithLabelValues(eventType, "ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.FanoutPublishes.WithLabelValues(eventType, "breaker_open").Inc()
	default:
		metrics.FanoutPublishes.WithLabelValues(eventType, "error").Inc()
	}
	if err != nil {
		return fmt.Errorf("%s -> %s: %w", eventType, topic, err)
	}
	return nil
}

// broadcast публикует в тему канала и в тему каждого участника, кроме exclude.
func (d *Dispatcher) broadcast(ctx context.Context, channelID, exclude, eventType string, payload any) error {
	members, err := d.members.ListMembers(ctx, channelID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	errs := []error{d.publish(ctx, pubsub.ChannelTopic(channelID), eventType, payload)}
	for _, m := range members {
		if m.UserID == exclude {
			continue
		}
		errs = append(errs, d.publish(ctx, pubsub.UserTopic(m.UserID), eventType, payload))
	}
	return errors.Join(errs...)
}

// MessageCreated рассылает новое сообщение участникам (кроме отправителя),
// отдельное событие mention упомянутым участникам и push по настройкам уведомлений.
func (d *Dispatcher) MessageCreated(msg *model.Message) {
	m := *msg
	d.submit(m.ChannelID, EventMessageCreated, func(ctx context.Context) error {
		members, err := d.members.ListMembers(ctx, m.ChannelID)
		if err != nil {
			return fmt.Errorf("list members: %w", err)
		}
		mentioned := make(map[string]bool, len(m.MentionedUserIDs))
		for _, id := range m.MentionedUserIDs {
			mentioned[id] = true
		}

		errs := []error{d.publish(ctx, pubsub.ChannelTopic(m.ChannelID), EventMessageCreated, m)}
		for _, mem := range members {
			if mem.UserID == m.SenderID {
				continue
			}
			errs = append(errs, d.publish(ctx, pubsub.UserTopic(mem.UserID), EventMessageCreated, m))
		}

		preview := Preview(m.Content)
		for _, mem := range members {
			if mem.UserID == m.SenderID || !mentioned[mem.UserID] {
				continue
			}
			errs = append(errs, d.publish(ctx, pubsub.UserTopic(mem.UserID), EventMention, MentionPayload{
				MessageID:  m.ID,
				ChannelID:  m.ChannelID,
				SenderID:   m.SenderID,
				SenderName: m.SenderName,
				Preview:    preview,
				CreatedAt:  m.CreatedAt,
			}))
		}

		if d.notifier != nil {
			for _, mem := range members {
				if mem.UserID == m.SenderID || !wantsPush(mem, mentioned[mem.UserID]) {
					continue
				}
				d.notify(ctx, mem.UserID, &m, preview, mentioned[mem.UserID])
			}
		}
		return errors.Join(errs...)
	})
}

// wantsPush: muted и "none" — без push; "mentions" — только при упоминании.
func wantsPush(m model.ChannelMember, mentioned bool) bool {
	if m.Muted || m.NotificationPref == model.NotifyNone {
		return false
	}
	if m.NotificationPref == model.NotifyMentions {
		return mentioned
	}
	return true
}

func (d *Dispatcher) notify(ctx context.Context, userID string, m *model.Message, preview string, mention bool) {
	kind := EventMessageCreated
	if mention {
		kind = EventMention
	}
	req := push.NotifyRequest{
		UserID: userID,
		Title:  m.SenderName,
		Body:   preview,
		Data:   map[string]string{"type": kind, "channel_id": m.ChannelID, "message_id": m.ID},
	}
	_, err := d.pushCB.Execute(func() (struct{}, error) {
		return struct{}{}, d.notifier.Notify(ctx, req)
	})
	if err != nil {
		metrics.PushNotifications.WithLabelValues("error").Inc()
		logger.L().Warn().Err(err).Str("user_id", userID).Msg("fanout: push notify")
		return
	}
	metrics.PushNotifications.WithLabelValues("ok").Inc()
}

// Broadcast ставит в очередь канала произвольное событие для всех участников, кроме exclude.
func (d *Dispatcher) Broadcast(channelID, exclude, eventType string, payload any) {
	d.submit(channelID, eventType, func(ctx context.Context) error {
		return d.broadcast(ctx, channelID, exclude, eventType, payload)
	})
}

// NotifyUsers публикует событие в темы указанных пользователей (состав уже известен).
func (d *Dispatcher) NotifyUsers(key string, userIDs []string, eventType string, payload any) {
	ids := append([]string(nil), userIDs...)
	d.submit(key, eventType, func(ctx context.Context) error {
		errs := make([]error, 0, len(ids))
		for _, id := range ids {
			errs = append(errs, d.publish(ctx, pubsub.UserTopic(id), eventType, payload))
		}
		return errors.Join(errs...)
	})
}

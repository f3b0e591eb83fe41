// Package pubsub — шина событий рассылки: темы каналов и пользователей.
// Доставка at-most-once, без подтверждений для отправителя.
package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

const (
	channelTopicPrefix = "chat.channel."
	userTopicPrefix    = "chat.user."
)

func ChannelTopic(channelID string) string { return channelTopicPrefix + channelID }

func UserTopic(userID string) string { return userTopicPrefix + userID }

// Event — конверт события на шине. Payload уже сериализован.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// NewEvent сериализует payload.
func NewEvent(id, eventType string, payload any, at time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("pubsub: marshal %s: %w", eventType, err)
	}
	return Event{ID: id, Type: eventType, Payload: raw, At: at}, nil
}

// DecodePayload разбирает Payload в v.
func (e Event) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

type Subscriber interface {
	// Subscribe возвращает канал событий темы; канал закрывается после отмены ctx.
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

func encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decode(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

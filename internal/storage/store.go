package storage

import (
	"context"
	"time"
)

// TypingTTL — сколько живёт отметка "печатает" без повторного события.
const TypingTTL = 6 * time.Second

// PresenceStore — эфемерное состояние каналов (кто сейчас печатает).
// Реализации: redis.Client, memory.Client (для -dev и тестов без Redis).
type PresenceStore interface {
	SetTyping(ctx context.Context, channelID, userID string, ttl time.Duration) error
	TypingUsers(ctx context.Context, channelID string) ([]string, error)
	Close() error
}

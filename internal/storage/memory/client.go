package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

type item struct {
	exp time.Time
}

// Client — PresenceStore в памяти процесса.
type Client struct {
	mu     sync.RWMutex
	typing map[string]map[string]item // channel -> user
	now    func() time.Time
}

func New() *Client {
	return &Client{
		typing: make(map[string]map[string]item),
		now:    time.Now,
	}
}

// SetClock подменяет часы (для тестов TTL).
func (c *Client) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Client) Close() error { return nil }

func (c *Client) SetTyping(ctx context.Context, channelID, userID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := c.typing[channelID]
	if users == nil {
		users = make(map[string]item)
		c.typing[channelID] = users
	}
	users[userID] = item{exp: c.now().Add(ttl)}
	return nil
}

func (c *Client) TypingUsers(ctx context.Context, channelID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]string, 0, len(c.typing[channelID]))
	for u, it := range c.typing[channelID] {
		if now.After(it.exp) {
			delete(c.typing[channelID], u)
			continue
		}
		out = append(out, u)
	}
	if len(c.typing[channelID]) == 0 {
		delete(c.typing, channelID)
	}
	sort.Strings(out)
	return out, nil
}

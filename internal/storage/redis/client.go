package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Wrap оборачивает готовый клиент (общий пул с шиной событий).
func Wrap(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

// Redis отдаёт исходный клиент для шины PUBLISH/SUBSCRIBE.
func (c *Client) Redis() *redis.Client { return c.cli }

// Ping — для /health.
func (c *Client) Ping(ctx context.Context) error { return c.cli.Ping(ctx).Err() }

func (c *Client) Close() error {
	return c.cli.Close()
}

func typingKey(channelID, userID string) string { return "typing:" + channelID + ":" + userID }

func typingSetKey(channelID string) string { return "typing_users:" + channelID }

// SetTyping ставит typing:{channel}:{user} с TTL и запоминает пользователя в индексе канала.
func (c *Client) SetTyping(ctx context.Context, channelID, userID string, ttl time.Duration) error {
	pipe := c.cli.TxPipeline()
	pipe.Set(ctx, typingKey(channelID, userID), "1", ttl)
	pipe.SAdd(ctx, typingSetKey(channelID), userID)
	pipe.Expire(ctx, typingSetKey(channelID), ttl*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis SetTyping: %w", err)
	}
	return nil
}

// TypingUsers возвращает пользователей с живым ключом; протухшие убираются из индекса.
func (c *Client) TypingUsers(ctx context.Context, channelID string) ([]string, error) {
	users, err := c.cli.SMembers(ctx, typingSetKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis TypingUsers: %w", err)
	}
	if len(users) == 0 {
		return []string{}, nil
	}
	keys := make([]string, len(users))
	for i, u := range users {
		keys[i] = typingKey(channelID, u)
	}
	vals, err := c.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis TypingUsers mget: %w", err)
	}
	active := make([]string, 0, len(users))
	var stale []any
	for i, v := range vals {
		if v == nil {
			stale = append(stale, users[i])
			continue
		}
		active = append(active, users[i])
	}
	if len(stale) > 0 {
		c.cli.SRem(ctx, typingSetKey(channelID), stale...)
	}
	sort.Strings(active)
	return active, nil
}

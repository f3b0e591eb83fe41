package startup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teamchat/internal/logger"
	redisstorage "github.com/teamchat/internal/storage/redis"
)

const (
	firstBackoff = 2 * time.Second
	maxBackoff   = 30 * time.Second
)

// withRetry повторяет connect с экспоненциальной паузой, пока не истечёт maxWait.
func withRetry[T any](what string, maxWait time.Duration, connect func(ctx context.Context) (T, error)) (T, error) {
	deadline := time.Now().Add(maxWait)
	backoff := firstBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		v, err := connect(ctx)
		cancel()
		if err == nil {
			if attempt > 1 {
				logger.Infof("%s connected after %d attempts", what, attempt)
			}
			return v, nil
		}
		if time.Now().Add(backoff).After(deadline) {
			return v, fmt.Errorf("%s: gave up after %v: %w", what, maxWait, err)
		}
		logger.L().Warn().Err(err).Dur("retry_in", backoff).Int("attempt", attempt).Msg(what + ": connect failed")
		time.Sleep(backoff)
		backoff = min(backoff*2, maxBackoff)
	}
}

// ConnectDBWithRetry открывает пул и проверяет его ping; при недоступности БД до maxWait завершает процесс.
func ConnectDBWithRetry(poolCfg *pgxpool.Config, maxWait time.Duration, logPrefix string) *pgxpool.Pool {
	pool, err := withRetry(logPrefix+"postgres", maxWait, func(ctx context.Context) (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	})
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	return pool
}

// ConnectRedisWithRetry — то же для Redis (индикатор набора, шина, подписки push).
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redisstorage.Client {
	client, err := withRetry(logPrefix+"redis", maxWait, func(ctx context.Context) (*redisstorage.Client, error) {
		return redisstorage.New(ctx, redisURL)
	})
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	return client
}

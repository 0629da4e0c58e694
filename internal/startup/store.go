package startup

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/hays/internal/config"
	"github.com/hays/internal/logger"
	"github.com/hays/internal/storage"
	filestorage "github.com/hays/internal/storage/file"
	"github.com/hays/internal/storage/memory"
	pebblestorage "github.com/hays/internal/storage/pebble"
	redisstorage "github.com/hays/internal/storage/redis"
)

// OpenSessionStore открывает хранилище сессии, выбранное в конфиге.
func OpenSessionStore(ctx context.Context, cfg *config.Config) (storage.SessionStore, error) {
	switch cfg.SessionStore {
	case config.StoreMemory:
		return memory.New(), nil
	case config.StoreRedis:
		return ConnectRedisWithRetry(ctx, cfg.RedisURL, Namespace(cfg.APIBaseURL), 30*time.Second)
	case config.StorePebble:
		return pebblestorage.New(cfg.SessionDir)
	default:
		return filestorage.New(cfg.SessionFile)
	}
}

// Namespace - ключ изоляции сессий разных бэкендов в одном Redis (host:port API).
func Namespace(apiBaseURL string) string {
	u, err := url.Parse(apiBaseURL)
	if err != nil || u.Host == "" {
		return "default"
	}
	return u.Host
}

// ConnectRedisWithRetry подключается к Redis с повторами до maxWait.
func ConnectRedisWithRetry(ctx context.Context, redisURL, namespace string, maxWait time.Duration) (*redisstorage.Client, error) {
	deadline := time.Now().Add(maxWait)
	backoff := 500 * time.Millisecond
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := redisstorage.New(pingCtx, redisURL, namespace)
		cancel()
		if err == nil {
			return client, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("redis (gave up after %v): %w", maxWait, err)
		}
		logger.Errorf("redis connect failed, retry in %v: %v", backoff, err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

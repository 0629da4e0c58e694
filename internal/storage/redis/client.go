package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hays/internal/storage"
)

// Ключи: session:token:{namespace} - строка, pins:{namespace}:{userID} - список id в порядке закрепления.
const (
	tokenKeyPrefix = "session:token:"
	pinsKeyPrefix  = "pins:"
)

type Client struct {
	cli       *redis.Client
	namespace string
}

// New подключается к Redis. namespace разделяет сессии нескольких клиентов на одном сервере.
func New(ctx context.Context, url, namespace string) (*Client, error) {
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
	if namespace == "" {
		namespace = "default"
	}
	return &Client{cli: cli, namespace: namespace}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) tokenKey() string { return tokenKeyPrefix + c.namespace }

func (c *Client) pinsKey(userID string) string { return pinsKeyPrefix + c.namespace + ":" + userID }

// Token возвращает сохранённый токен; отсутствие ключа - пустая строка без ошибки.
func (c *Client) Token(ctx context.Context) (string, error) {
	val, err := c.cli.Get(ctx, c.tokenKey()).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *Client) SetToken(ctx context.Context, token string) error {
	return c.cli.Set(ctx, c.tokenKey(), token, 0).Err()
}

func (c *Client) ClearToken(ctx context.Context) error {
	return c.cli.Del(ctx, c.tokenKey()).Err()
}

func (c *Client) PinnedPosts(ctx context.Context, userID string) ([]string, error) {
	return c.cli.LRange(ctx, c.pinsKey(userID), 0, -1).Result()
}

// TogglePin: LREM удаляет пост, если он был закреплён, иначе RPUSH добавляет его в конец.
func (c *Client) TogglePin(ctx context.Context, userID, postID string) ([]string, error) {
	if userID == "" || postID == "" {
		return nil, storage.ErrEmptyID
	}
	key := c.pinsKey(userID)
	removed, err := c.cli.LRem(ctx, key, 0, postID).Result()
	if err != nil {
		return nil, fmt.Errorf("redis pins lrem: %w", err)
	}
	if removed == 0 {
		if err := c.cli.RPush(ctx, key, postID).Err(); err != nil {
			return nil, fmt.Errorf("redis pins rpush: %w", err)
		}
	}
	return c.PinnedPosts(ctx, userID)
}

// FlushNamespace удаляет токен и все списки закреплённых постов пространства имён (для тестов/выхода).
func (c *Client) FlushNamespace(ctx context.Context) error {
	keys, err := c.cli.Keys(ctx, c.pinsKey("*")).Result()
	if err != nil {
		return err
	}
	keys = append(keys, c.tokenKey())
	return c.cli.Del(ctx, keys...).Err()
}

package memory

import (
	"context"
	"sync"

	"github.com/hays/internal/storage"
)

// Client - SessionStore в памяти процесса (тесты и session_store: memory).
type Client struct {
	mu    sync.RWMutex
	token string
	pins  map[string][]string
}

func New() *Client {
	return &Client{pins: make(map[string][]string)}
}

func (c *Client) Close() error { return nil }

func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, nil
}

func (c *Client) SetToken(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	return nil
}

func (c *Client) ClearToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	return nil
}

func (c *Client) PinnedPosts(ctx context.Context, userID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.pins[userID]...), nil
}

func (c *Client) TogglePin(ctx context.Context, userID, postID string) ([]string, error) {
	if userID == "" || postID == "" {
		return nil, storage.ErrEmptyID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	next := storage.Toggle(c.pins[userID], postID)
	c.pins[userID] = next
	return append([]string(nil), next...), nil
}

// Package pebble - SessionStore во встроенном KV-хранилище Pebble (каталог на диске).
// Ключи: "token" и "pins:<userID>" (JSON-массив id в порядке закрепления).
package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/hays/internal/storage"
)

var tokenKey = []byte("token")

func pinsKey(userID string) []byte { return []byte("pins:" + userID) }

type Client struct {
	// mu сериализует read-modify-write в TogglePin.
	mu sync.Mutex
	db *pebble.DB
}

// New открывает (или создаёт) базу в каталоге dir.
func New(dir string) (*Client, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
		return nil, fmt.Errorf("pebble session dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", dir, err)
	}
	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// get копирует значение: срез Pebble действителен только до closer.Close.
func (c *Client) get(key []byte) ([]byte, error) {
	v, closer, err := c.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (c *Client) Token(ctx context.Context) (string, error) {
	v, err := c.get(tokenKey)
	if err != nil {
		return "", fmt.Errorf("pebble token: %w", err)
	}
	return string(v), nil
}

func (c *Client) SetToken(ctx context.Context, token string) error {
	return c.db.Set(tokenKey, []byte(token), pebble.Sync)
}

func (c *Client) ClearToken(ctx context.Context) error {
	return c.db.Delete(tokenKey, pebble.Sync)
}

func (c *Client) pins(userID string) ([]string, error) {
	v, err := c.get(pinsKey(userID))
	if err != nil || v == nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(v, &out); err != nil {
		return nil, fmt.Errorf("pebble pins %s: %w", userID, err)
	}
	return out, nil
}

func (c *Client) PinnedPosts(ctx context.Context, userID string) ([]string, error) {
	return c.pins(userID)
}

func (c *Client) TogglePin(ctx context.Context, userID, postID string) ([]string, error) {
	if userID == "" || postID == "" {
		return nil, storage.ErrEmptyID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, err := c.pins(userID)
	if err != nil {
		return nil, err
	}
	next := storage.Toggle(cur, postID)
	data, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	if err := c.db.Set(pinsKey(userID), data, pebble.Sync); err != nil {
		return nil, fmt.Errorf("pebble pins write: %w", err)
	}
	return next, nil
}

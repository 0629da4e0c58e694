package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hays/internal/storage"
)

// document - формат файла сессии.
type document struct {
	Token       string              `yaml:"token,omitempty"`
	PinnedPosts map[string][]string `yaml:"pinned_posts,omitempty"`
}

// Client - SessionStore в YAML-файле; переживает перезапуск клиента.
// Каждое изменение перезаписывает файл целиком через временный файл + rename.
type Client struct {
	mu   sync.Mutex
	path string
	doc  document
}

// New открывает файл сессии; отсутствующий файл - пустая сессия.
func New(path string) (*Client, error) {
	c := &Client{path: path, doc: document{PinnedPosts: make(map[string][]string)}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("session file read: %w", err)
	}
	if err := yaml.Unmarshal(data, &c.doc); err != nil {
		return nil, fmt.Errorf("session file parse %s: %w", path, err)
	}
	if c.doc.PinnedPosts == nil {
		c.doc.PinnedPosts = make(map[string][]string)
	}
	return c, nil
}

func (c *Client) Close() error { return nil }

func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Token, nil
}

func (c *Client) SetToken(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc.Token = token
	return c.flush()
}

func (c *Client) ClearToken(ctx context.Context) error {
	return c.SetToken(ctx, "")
}

func (c *Client) PinnedPosts(ctx context.Context, userID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.doc.PinnedPosts[userID]...), nil
}

func (c *Client) TogglePin(ctx context.Context, userID, postID string) ([]string, error) {
	if userID == "" || postID == "" {
		return nil, storage.ErrEmptyID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.doc.PinnedPosts[userID]
	next := storage.Toggle(prev, postID)
	c.doc.PinnedPosts[userID] = next
	if err := c.flush(); err != nil {
		c.doc.PinnedPosts[userID] = prev
		return nil, err
	}
	return append([]string(nil), next...), nil
}

// flush вызывается под c.mu.
func (c *Client) flush() error {
	data, err := yaml.Marshal(&c.doc)
	if err != nil {
		return fmt.Errorf("session file encode: %w", err)
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("session file mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*.yaml")
	if err != nil {
		return fmt.Errorf("session file temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("session file write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("session file close: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("session file rename: %w", err)
	}
	return nil
}

package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/hays/internal/storage"
	"github.com/hays/internal/storage/storagetest"
)

// Тесты идут только при заданном REDIS_URL; каждый получает свой namespace.
func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.SessionStore {
		ctx := context.Background()
		c, err := New(ctx, url, "test-"+uuid.NewString())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() {
			if err := c.FlushNamespace(ctx); err != nil {
				t.Errorf("FlushNamespace: %v", err)
			}
			c.Close()
		})
		return c
	})
}

func TestRedisBadURL(t *testing.T) {
	if _, err := New(context.Background(), "not a url", "x"); err == nil {
		t.Fatalf("expected parse error")
	}
}

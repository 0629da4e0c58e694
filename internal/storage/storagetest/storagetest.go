// Package storagetest проверяет контракт storage.SessionStore одинаково для всех реализаций.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/hays/internal/storage"
)

// Run прогоняет общий набор проверок; newStore должен возвращать пустое хранилище.
func Run(t *testing.T, newStore func(t *testing.T) storage.SessionStore) {
	ctx := context.Background()

	t.Run("Token", func(t *testing.T) {
		s := newStore(t)
		if tok, err := s.Token(ctx); err != nil || tok != "" {
			t.Fatalf("empty store token = %q, %v", tok, err)
		}
		if err := s.SetToken(ctx, "abc"); err != nil {
			t.Fatalf("SetToken: %v", err)
		}
		if tok, _ := s.Token(ctx); tok != "abc" {
			t.Fatalf("Token = %q", tok)
		}
		if err := s.ClearToken(ctx); err != nil {
			t.Fatalf("ClearToken: %v", err)
		}
		if tok, _ := s.Token(ctx); tok != "" {
			t.Fatalf("Token after clear = %q", tok)
		}
	})

	t.Run("PinsKeepOrderAndToggle", func(t *testing.T) {
		s := newStore(t)
		for _, p := range []string{"p1", "p2", "p3"} {
			if _, err := s.TogglePin(ctx, "u1", p); err != nil {
				t.Fatalf("TogglePin %s: %v", p, err)
			}
		}
		pins, err := s.TogglePin(ctx, "u1", "p2")
		if err != nil {
			t.Fatalf("unpin: %v", err)
		}
		if len(pins) != 2 || pins[0] != "p1" || pins[1] != "p3" {
			t.Fatalf("pins after unpin = %v", pins)
		}
		got, _ := s.PinnedPosts(ctx, "u1")
		if len(got) != 2 || got[0] != "p1" || got[1] != "p3" {
			t.Fatalf("PinnedPosts = %v", got)
		}
		if ok, _ := storage.IsPinned(ctx, s, "u1", "p3"); !ok {
			t.Fatalf("IsPinned(p3) = false")
		}
		if ok, _ := storage.IsPinned(ctx, s, "u1", "p2"); ok {
			t.Fatalf("IsPinned(p2) = true")
		}
	})

	t.Run("PinsArePerUser", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.TogglePin(ctx, "u1", "p1"); err != nil {
			t.Fatal(err)
		}
		if other, _ := s.PinnedPosts(ctx, "u2"); len(other) != 0 {
			t.Fatalf("pins leaked to another user: %v", other)
		}
	})

	t.Run("EmptyIDs", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.TogglePin(ctx, "", "p"); !errors.Is(err, storage.ErrEmptyID) {
			t.Fatalf("empty user: %v", err)
		}
		if _, err := s.TogglePin(ctx, "u", ""); !errors.Is(err, storage.ErrEmptyID) {
			t.Fatalf("empty post: %v", err)
		}
	})
}

// Package session владеет учётными данными клиента: bearer-токен в SessionStore,
// кэш текущего пользователя и закреплённые посты.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hays/internal/api"
	"github.com/hays/internal/logger"
	"github.com/hays/internal/metrics"
	"github.com/hays/internal/model"
	"github.com/hays/internal/storage"
)

var ErrNotLoggedIn = errors.New("session: not logged in")

// Backend - эндпоинты /auth и /users/me.
type Backend interface {
	Login(ctx context.Context, identifier, password string) (string, error)
	Register(ctx context.Context, username, email, password string) (string, error)
	Me(ctx context.Context) (*model.User, error)
}

type Options struct {
	Store   storage.SessionStore
	Backend Backend
	// CacheTTL - сколько живёт кэш /users/me (по умолчанию 60s).
	CacheTTL   time.Duration
	Retries    int
	RetryDelay time.Duration
	// OnInvalidated вызывается после сброса сессии (точка входа повторной авторизации).
	OnInvalidated func()
}

// Manager реализует api.Session.
type Manager struct {
	store      storage.SessionStore
	backend    Backend
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
	onInvalid  func()

	flight singleflight.Group

	mu        sync.Mutex
	user      *model.User
	fetchedAt time.Time
	// epoch растёт при каждом сбросе: ответ /users/me, начатый до сброса, не кэшируется.
	epoch uint64
}

func New(opts Options) *Manager {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 60 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 800 * time.Millisecond
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Manager{
		store:      opts.Store,
		backend:    opts.Backend,
		ttl:        opts.CacheTTL,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		onInvalid:  opts.OnInvalidated,
	}
}

// Token возвращает сохранённый токен. Истёкший JWT сбрасывается сразу,
// не дожидаясь 401 от сервера.
func (m *Manager) Token(ctx context.Context) (string, error) {
	token, err := m.store.Token(ctx)
	if err != nil || token == "" {
		return token, err
	}
	if exp, ok := tokenExpiry(token); ok && !time.Now().Before(exp) {
		logger.Info("session: token expired")
		m.Invalidate(ctx)
		return "", nil
	}
	return token, nil
}

func (m *Manager) LoggedIn(ctx context.Context) bool {
	t, err := m.Token(ctx)
	return err == nil && t != ""
}

// Invalidate сбрасывает токен и кэш пользователя. OnInvalidated вызывается
// только если было что сбрасывать, поэтому повторные 401 не дублируют его.
func (m *Manager) Invalidate(ctx context.Context) {
	token, _ := m.store.Token(ctx)
	m.mu.Lock()
	hadUser := m.user != nil
	m.user = nil
	m.fetchedAt = time.Time{}
	m.epoch++
	m.mu.Unlock()

	if token == "" && !hadUser {
		return
	}
	if err := m.store.ClearToken(ctx); err != nil {
		logger.Errorf("session: clear token: %v", err)
	}
	logger.Info("session: credentials cleared")
	metrics.SessionInvalidated()
	if m.onInvalid != nil {
		m.onInvalid()
	}
}

// Logout - явный выход пользователя.
func (m *Manager) Logout(ctx context.Context) {
	m.Invalidate(ctx)
}

// Login сохраняет токен и сбрасывает кэш пользователя.
func (m *Manager) Login(ctx context.Context, identifier, password string) error {
	token, err := m.backend.Login(ctx, identifier, password)
	if err != nil {
		return fmt.Errorf("session.Login: %w", err)
	}
	return m.adopt(ctx, token)
}

// Register создаёт аккаунт; если бэкенд сразу выдал токен, сессия открыта.
func (m *Manager) Register(ctx context.Context, username, email, password string) (loggedIn bool, err error) {
	token, err := m.backend.Register(ctx, username, email, password)
	if err != nil {
		return false, fmt.Errorf("session.Register: %w", err)
	}
	if token == "" {
		return false, nil
	}
	return true, m.adopt(ctx, token)
}

func (m *Manager) adopt(ctx context.Context, token string) error {
	if err := m.store.SetToken(ctx, token); err != nil {
		return fmt.Errorf("session: store token: %w", err)
	}
	m.mu.Lock()
	m.user = nil
	m.fetchedAt = time.Time{}
	m.epoch++
	m.mu.Unlock()
	return nil
}

// CurrentUser возвращает /users/me из кэша (TTL) или с сервера.
// При отсутствии ответа сервера делается Retries повторов с паузой RetryDelay.
func (m *Manager) CurrentUser(ctx context.Context) (*model.User, error) {
	if !m.LoggedIn(ctx) {
		return nil, ErrNotLoggedIn
	}
	m.mu.Lock()
	if m.user != nil && time.Since(m.fetchedAt) < m.ttl {
		u := *m.user
		m.mu.Unlock()
		return &u, nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	v, err, _ := m.flight.Do("me", func() (any, error) {
		var u *model.User
		err := api.Retry(ctx, "session.CurrentUser", m.retries, m.retryDelay, func(ctx context.Context) error {
			var err error
			u, err = m.backend.Me(ctx)
			return err
		})
		return u, err
	})
	if err != nil {
		if api.IsAuth(err) {
			// Клиент API уже сбросил токен; здесь покрываем Backend без Session-хука.
			m.Invalidate(ctx)
		}
		return nil, fmt.Errorf("session.CurrentUser: %w", err)
	}
	u, _ := v.(*model.User)
	if u == nil {
		return nil, ErrNotLoggedIn
	}
	m.mu.Lock()
	if m.epoch == epoch {
		cached := *u
		m.user = &cached
		m.fetchedAt = time.Now()
	}
	m.mu.Unlock()
	out := *u
	return &out, nil
}

// PinnedPosts возвращает закреплённые посты текущего пользователя.
func (m *Manager) PinnedPosts(ctx context.Context) ([]string, error) {
	u, err := m.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	return m.store.PinnedPosts(ctx, string(u.ID))
}

func (m *Manager) TogglePin(ctx context.Context, postID string) ([]string, error) {
	u, err := m.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	return m.store.TogglePin(ctx, string(u.ID), postID)
}

func (m *Manager) IsPinned(ctx context.Context, postID string) (bool, error) {
	u, err := m.CurrentUser(ctx)
	if err != nil {
		return false, err
	}
	return storage.IsPinned(ctx, m.store, string(u.ID), postID)
}

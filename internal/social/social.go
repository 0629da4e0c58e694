// Package social держит показываемые лайки и подписки и меняет их
// оптимистично, откатывая, если бэкенд отказал.
package social

import (
	"context"
	"sync"

	"github.com/hays/internal/api"
	"github.com/hays/internal/optimistic"
)

type Backend interface {
	LikePost(ctx context.Context, postID string) (*api.LikeResult, error)
	DeletePost(ctx context.Context, postID string) error
	FollowUser(ctx context.Context, userID string) error
	UnfollowUser(ctx context.Context, userID string) error
}

type Service struct {
	api Backend

	mu        sync.Mutex
	likes     map[string]int
	liked     map[string]bool
	following map[string]bool
	deleted   map[string]bool
}

func New(b Backend) *Service {
	return &Service{
		api:       b,
		likes:     make(map[string]int),
		liked:     make(map[string]bool),
		following: make(map[string]bool),
		deleted:   make(map[string]bool),
	}
}

// SeedPost запоминает счётчики, с которыми показана лента.
func (s *Service) SeedPost(postID string, likes int, liked bool) {
	s.mu.Lock()
	s.likes[postID] = likes
	s.liked[postID] = liked
	s.mu.Unlock()
}

// SeedFollowing запоминает, подписан ли текущий пользователь на userID.
func (s *Service) SeedFollowing(userID string, following bool) {
	s.mu.Lock()
	s.following[userID] = following
	s.mu.Unlock()
}

func (s *Service) Likes(postID string) (count int, liked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.likes[postID], s.liked[postID]
}

func (s *Service) Following(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.following[userID]
}

// Like показывает лайк сразу; при успехе счётчик сервера заменяет локальную оценку.
func (s *Service) Like(ctx context.Context, postID string) (int, error) {
	res, err := optimistic.Do(ctx, optimistic.Mutation[*api.LikeResult]{
		Name: "social.Like",
		Apply: func() func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			prevCount, prevLiked := s.likes[postID], s.liked[postID]
			if !prevLiked {
				s.likes[postID] = prevCount + 1
			}
			s.liked[postID] = true
			return func() {
				s.mu.Lock()
				s.likes[postID], s.liked[postID] = prevCount, prevLiked
				s.mu.Unlock()
			}
		},
		Remote: func(ctx context.Context) (*api.LikeResult, error) {
			return s.api.LikePost(ctx, postID)
		},
		Confirm: func(r *api.LikeResult) {
			if r == nil {
				return
			}
			s.mu.Lock()
			s.likes[postID] = r.Likes
			s.mu.Unlock()
		},
	})
	if err != nil {
		return 0, err
	}
	return res.Likes, nil
}

func (s *Service) Follow(ctx context.Context, userID string) error {
	return s.setFollowing(ctx, userID, true)
}

func (s *Service) Unfollow(ctx context.Context, userID string) error {
	return s.setFollowing(ctx, userID, false)
}

func (s *Service) setFollowing(ctx context.Context, userID string, on bool) error {
	name, call := "social.Follow", s.api.FollowUser
	if !on {
		name, call = "social.Unfollow", s.api.UnfollowUser
	}
	_, err := optimistic.Do(ctx, optimistic.Mutation[struct{}]{
		Name: name,
		Apply: func() func() {
			s.mu.Lock()
			prev := s.following[userID]
			s.following[userID] = on
			s.mu.Unlock()
			return func() {
				s.mu.Lock()
				s.following[userID] = prev
				s.mu.Unlock()
			}
		},
		Remote: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, call(ctx, userID)
		},
	})
	return err
}

// DeletePost необратим: сначала спрашивается confirm, при false ничего не
// отправляется. Локально пост убирается только после ответа сервера.
func (s *Service) DeletePost(ctx context.Context, postID string, confirm func() bool) (bool, error) {
	if confirm == nil || !confirm() {
		return false, nil
	}
	_, err := optimistic.Do(ctx, optimistic.Mutation[struct{}]{
		Name: "social.DeletePost",
		Remote: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.api.DeletePost(ctx, postID)
		},
		Confirm: func(struct{}) {
			s.mu.Lock()
			delete(s.likes, postID)
			delete(s.liked, postID)
			s.deleted[postID] = true
			s.mu.Unlock()
		},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) Deleted(postID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted[postID]
}

package chat

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/hays/internal/api"
	"github.com/hays/internal/convid"
	"github.com/hays/internal/logger"
	"github.com/hays/internal/model"
)

// ResolveAPI - часть REST-границы, нужная Resolver.
type ResolveAPI interface {
	FindConversationWith(ctx context.Context, userID string) (*api.ConversationRef, error)
	StartConversation(ctx context.Context, userID string) (*api.ConversationRef, error)
}

// localIndex - взгляд Resolver на локальный список бесед.
type localIndex interface {
	hasConversation(id string) bool
	conversationWith(userID string) (string, bool)
	upsertConversation(c model.Conversation)
}

// Resolver превращает цель навигации в id беседы и создаёт беседу на
// сервере, если её нет.
type Resolver struct {
	api  ResolveAPI
	norm convid.Normalizer

	// flight склеивает одновременные создания беседы с одним пользователем;
	// creating пропускает один запрос создания за раз.
	flight   singleflight.Group
	creating chan struct{}
}

func NewResolver(a ResolveAPI, norm convid.Normalizer) *Resolver {
	return &Resolver{api: a, norm: norm, creating: make(chan struct{}, 1)}
}

// Resolve не возвращает ошибок: при сбое сети или сервера откатывается к
// нормализованной исходной цели, остальное решит следующая загрузка.
func (r *Resolver) Resolve(ctx context.Context, raw string, local localIndex) string {
	fallback := r.norm.Normalize(raw)
	if local.hasConversation(fallback) {
		return fallback
	}

	var user convid.UserTarget
	switch t := r.norm.ParseTarget(raw).(type) {
	case convid.ConversationTarget:
		return t.ID
	case convid.UserTarget:
		user = t
	}
	if user.UserID == "" {
		return fallback
	}

	if id, ok := local.conversationWith(user.UserID); ok {
		return id
	}

	ref, err := r.api.FindConversationWith(ctx, user.UserID)
	if err != nil {
		logger.Warnf("resolve %s: find existing: %v", user.UserID, err)
	}
	if ref != nil && ref.Resolved() != "" {
		return r.adopt(ref, user.UserID, local)
	}

	ref, err = r.start(ctx, user.UserID)
	if err != nil {
		logger.Warnf("resolve %s: start conversation: %v (falling back to raw id)", user.UserID, err)
		return fallback
	}
	if ref == nil || ref.Resolved() == "" {
		return fallback
	}
	// новая беседа не попадает в список до первого сообщения
	ref.LastMessage = nil
	return r.adopt(ref, user.UserID, local)
}

func (r *Resolver) start(ctx context.Context, userID string) (*api.ConversationRef, error) {
	ch := r.flight.DoChan("start:"+userID, func() (any, error) {
		select {
		case r.creating <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() { <-r.creating }()
		return r.api.StartConversation(ctx, userID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		ref, _ := res.Val.(*api.ConversationRef)
		return ref, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// adopt запоминает разрешённую беседу локально: у заголовка есть данные
// ещё до первого сообщения.
func (r *Resolver) adopt(ref *api.ConversationRef, userID string, local localIndex) string {
	id := r.norm.Normalize(ref.Resolved())
	conv := model.Conversation{ID: model.ID(id), LastMessage: ref.LastMessage}
	if ref.User != nil {
		conv.User = *ref.User
	}
	if conv.User.ID == "" {
		conv.User.ID = model.ID(userID)
	}
	local.upsertConversation(conv)
	return id
}

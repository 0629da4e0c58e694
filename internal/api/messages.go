package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hays/internal/model"
)

// ConversationRef - ответ /messages/start и /messages/conversation/with/:userId.
// Бэкенд отдаёт id беседы то в conversation_id, то в id.
type ConversationRef struct {
	ConversationID model.ID          `json:"conversation_id"`
	ID             model.ID          `json:"id"`
	User           *model.UserPublic `json:"user,omitempty"`
	LastMessage    *model.Message    `json:"last_message,omitempty"`
}

// Resolved возвращает id беседы или "" если беседы нет.
func (r *ConversationRef) Resolved() string {
	if r == nil {
		return ""
	}
	if r.ConversationID != "" {
		return string(r.ConversationID)
	}
	return string(r.ID)
}

// SendResult - ответ POST /messages/send.
type SendResult struct {
	ConversationID string
	Message        model.Message
}

func (c *Client) ListConversations(ctx context.Context, limit, offset int) ([]model.Conversation, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out []model.Conversation
	err := c.do(ctx, request{op: "api.ListConversations", method: http.MethodGet, path: "/messages/conversations", query: q}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// History возвращает сообщения беседы по возрастанию времени создания.
func (c *Client) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	q := url.Values{}
	q.Set("conversation_id", conversationID)
	var out []model.Message
	err := c.do(ctx, request{op: "api.History", method: http.MethodGet, path: "/messages", query: q}, &out)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].ConversationID == "" {
			out[i].ConversationID = model.ID(conversationID)
		}
	}
	return out, nil
}

func (c *Client) Send(ctx context.Context, conversationID, content string) (*SendResult, error) {
	body := map[string]string{"conversation_id": conversationID, "content": content}
	var raw json.RawMessage
	err := c.do(ctx, request{op: "api.Send", method: http.MethodPost, path: "/messages/send", body: body}, &raw)
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		ConversationID model.ID       `json:"conversation_id"`
		Message        *model.Message `json:"message"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("api.Send: decode: %w", err)
	}
	res := &SendResult{ConversationID: string(wrapped.ConversationID)}
	if wrapped.Message != nil {
		res.Message = *wrapped.Message
	} else if err := json.Unmarshal(raw, &res.Message); err != nil {
		// Старые версии бэкенда отдают само сообщение без обёртки.
		return nil, fmt.Errorf("api.Send: decode message: %w", err)
	}
	if res.ConversationID == "" {
		res.ConversationID = conversationID
	}
	if res.Message.ConversationID == "" {
		res.Message.ConversationID = model.ID(res.ConversationID)
	}
	return res, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	body := map[string]string{"conversation_id": conversationID}
	return c.do(ctx, request{op: "api.MarkRead", method: http.MethodPost, path: "/messages/mark_read", body: body}, nil)
}

// StartConversation создаёт беседу с userID (или возвращает существующую).
func (c *Client) StartConversation(ctx context.Context, userID string) (*ConversationRef, error) {
	body := map[string]string{"user_id": userID}
	var out ConversationRef
	err := c.do(ctx, request{op: "api.StartConversation", method: http.MethodPost, path: "/messages/start", body: body}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FindConversationWith ищет существующую беседу без создания; (nil, nil) - беседы нет.
func (c *Client) FindConversationWith(ctx context.Context, userID string) (*ConversationRef, error) {
	var out ConversationRef
	err := c.do(ctx, request{
		op:     "api.FindConversationWith",
		method: http.MethodGet,
		path:   "/messages/conversation/with/" + url.PathEscape(userID),
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Resolved() == "" {
		return nil, nil
	}
	return &out, nil
}

package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/hays/internal/model"
)

// LikeResult - число лайков поста после запроса.
type LikeResult struct {
	PostID model.ID `json:"post_id"`
	Likes  int      `json:"likes"`
}

// LikePost ставит лайк от текущего пользователя.
func (c *Client) LikePost(ctx context.Context, postID string) (*LikeResult, error) {
	var out LikeResult
	err := c.do(ctx, request{op: "api.LikePost", method: http.MethodPost, path: "/posts/" + url.PathEscape(postID) + "/like"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeletePost(ctx context.Context, postID string) error {
	return c.do(ctx, request{op: "api.DeletePost", method: http.MethodDelete, path: "/posts/" + url.PathEscape(postID)}, nil)
}

func (c *Client) FollowUser(ctx context.Context, userID string) error {
	return c.do(ctx, request{op: "api.FollowUser", method: http.MethodPost, path: "/users/" + url.PathEscape(userID) + "/follow"}, nil)
}

func (c *Client) UnfollowUser(ctx context.Context, userID string) error {
	return c.do(ctx, request{op: "api.UnfollowUser", method: http.MethodPost, path: "/users/" + url.PathEscape(userID) + "/unfollow"}, nil)
}

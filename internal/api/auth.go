package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/hays/internal/model"
)

var ErrNoToken = errors.New("api: no token received from server")

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login - OAuth2 password form: бэкенд принимает email или username в поле username.
func (c *Client) Login(ctx context.Context, identifier, password string) (string, error) {
	form := url.Values{}
	form.Set("username", identifier)
	form.Set("password", password)
	var out tokenResponse
	if err := c.do(ctx, request{op: "api.Login", method: http.MethodPost, path: "/auth/login", form: form}, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", ErrNoToken
	}
	return out.AccessToken, nil
}

// Register возвращает токен, если бэкенд сразу авторизует, иначе "".
func (c *Client) Register(ctx context.Context, username, email, password string) (string, error) {
	body := map[string]string{"username": username, "email": email, "password": password}
	var out tokenResponse
	if err := c.do(ctx, request{op: "api.Register", method: http.MethodPost, path: "/auth/register", body: body}, &out); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var out model.User
	if err := c.do(ctx, request{op: "api.Me", method: http.MethodGet, path: "/users/me"}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Package api - REST-граница чат-клиента: тонкая типизированная обёртка над
// эндпоинтами бэкенда /auth, /users, /posts и /messages.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hays/internal/logger"
	"github.com/hays/internal/metrics"
)

// maxResponseBody - ответы крупнее обрезаются и не разбираются.
const maxResponseBody = 4 << 20

// Session даёт bearer-токен и узнаёт, когда бэкенд его отверг.
type Session interface {
	Token(ctx context.Context) (string, error)
	Invalidate(ctx context.Context)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	session    Session
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetSession подключает источник токена. Без него запросы анонимные.
func (c *Client) SetSession(s Session) {
	c.session = s
}

func (c *Client) BaseURL() string { return c.baseURL }

// errorBody покрывает и {"detail": "..."}, и FastAPI-вариант {"detail": [{"msg": "..."}]}.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
	Error  string          `json:"error"`
}

func parseDetail(data []byte) string {
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err != nil {
		return strings.TrimSpace(string(data))
	}
	if len(eb.Detail) > 0 {
		var s string
		if json.Unmarshal(eb.Detail, &s) == nil {
			return s
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal(eb.Detail, &items) == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			return strings.Join(msgs, "; ")
		}
	}
	return eb.Error
}

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	form   url.Values
}

func (c *Client) do(ctx context.Context, r request, out any) (err error) {
	start := time.Now()
	defer logger.DeferLogDuration(r.op, start)()
	defer func() { metrics.ObserveAPI(r.op, outcome(err), start) }()

	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case r.form != nil:
		body = strings.NewReader(r.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.body != nil:
		data, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", r.op, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return fmt.Errorf("%s: %w", r.op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.session != nil {
		token, err := c.session.Token(ctx)
		if err != nil {
			logger.Errorf("%s: read token: %v", r.op, err)
		} else if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", r.op, ctx.Err())
		}
		logger.Warnf("cannot connect to server at %s: %v", c.baseURL, err)
		return &ConnectivityError{Op: r.op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &ConnectivityError{Op: r.op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if c.session != nil {
			c.session.Invalidate(ctx)
		}
		return &AuthError{Op: r.op, Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return &ServerError{Op: r.op, Status: resp.StatusCode, Detail: parseDetail(data)}
	case resp.StatusCode >= 400:
		return &ValidationError{Op: r.op, Status: resp.StatusCode, Detail: parseDetail(data)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode: %w", r.op, err)
	}
	return nil
}

// Package farm talks to the farm management API for the things the photo
// pipeline consumes: cultural-work task identity and the session token.
package farm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrTaskNotFound = errors.New("farm: cultural-work task not found")

// Task is a cultural-work task as the calling screen knows it.
type Task struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	TypeLabel string `json:"typeLabel"`
}

type TaskProvider interface {
	Task(ctx context.Context, id int64) (Task, error)
}

// Credentials supplies the session token of the signed-in user.
type Credentials interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a token configured up front.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", errors.New("farm: no session token configured")
	}
	return string(t), nil
}

// NewHTTP returns the resty client shared by every farm API caller.
func NewHTTP(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}

type Client struct {
	http  *resty.Client
	creds Credentials
}

func NewClient(http *resty.Client, creds Credentials) *Client {
	return &Client{http: http, creds: creds}
}

type taskEnvelope struct {
	Status  json.RawMessage `json:"status"`
	Message string          `json:"message"`
	Data    *Task           `json:"data"`
}

func (c *Client) Task(ctx context.Context, id int64) (Task, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return Task{}, err
	}

	var out taskEnvelope
	res, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("id", fmt.Sprint(id)).
		SetResult(&out).
		Get("/api/v1/cultural-works/{id}")
	if err != nil {
		return Task{}, fmt.Errorf("farm: load task %d: %w", id, err)
	}
	if res.StatusCode() == 404 {
		return Task{}, ErrTaskNotFound
	}
	if !res.IsSuccess() {
		return Task{}, fmt.Errorf("farm: load task %d: status %d: %s", id, res.StatusCode(), res.String())
	}
	if out.Data == nil || out.Data.ID == 0 {
		return Task{}, ErrTaskNotFound
	}
	return *out.Data, nil
}

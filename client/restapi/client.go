// Package restapi is the HTTP client for the chat server's REST
// endpoints. It is built on fasthttp.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	domain "github.com/example/chat-sync/domain/chat"
)

// DefaultTimeout bounds calls whose context carries no deadline.
const DefaultTimeout = 10 * time.Second

// ErrStatus is wrapped by every non-2xx response error.
var ErrStatus = errors.New("unexpected response status")

// StatusError describes a non-2xx response.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Client talks to one chat server.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *fasthttp.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying fasthttp client.
func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a Client for baseURL, e.g. "http://localhost:3000".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		http: &fasthttp.Client{
			Name:                "chat-sync",
			MaxIdleConnDuration: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) { c.token = token }

// Token returns the bearer token in use.
func (c *Client) Token() string { return c.token }

type query map[string]string

// do performs one JSON round trip. in and out may be nil.
func (c *Client) do(ctx context.Context, method, path string, q query, in, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	for k, v := range q {
		if v != "" {
			req.URI().QueryArgs().Add(k, v)
		}
	}
	if c.token != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.token)
	}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			release()
			return fmt.Errorf("failed to encode %s %s: %w", method, path, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	// fasthttp has no context support: the call runs on its own
	// goroutine and req and resp are released only once it returns.
	result := make(chan error, 1)
	go func() { result <- c.http.DoDeadline(req, resp, deadline) }()
	select {
	case err := <-result:
		defer release()
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
	case <-ctx.Done():
		go func() {
			<-result
			release()
		}()
		return fmt.Errorf("%s %s: %w", method, path, ctx.Err())
	}

	code := resp.StatusCode()
	if code < 200 || code > 299 {
		return &StatusError{Method: method, Path: path, Code: code, Message: errorMessage(resp.Body())}
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) != nil {
		return strings.TrimSpace(string(body))
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// ListRooms returns the caller's rooms. Every room's active_users is
// non-nil and deduplicated.
func (c *Client) ListRooms(ctx context.Context) ([]domain.Room, error) {
	var rooms []domain.Room
	if err := c.do(ctx, fasthttp.MethodGet, "/rooms", nil, nil, &rooms); err != nil {
		return nil, err
	}
	out := make([]domain.Room, len(rooms))
	for i, r := range rooms {
		out[i] = r.Normalize()
	}
	return out, nil
}

// RoomUsers hydrates the member ids of a room.
func (c *Client) RoomUsers(ctx context.Context, userIDs []string) ([]domain.User, error) {
	var resp usersResponse
	err := c.do(ctx, fasthttp.MethodPost, "/rooms", nil, roomUsersRequest{UserIDs: userIDs}, &resp)
	return resp.Users, err
}

// FetchMessages returns up to limit messages of roomID older than the
// message with id before, or the newest page when before is empty.
func (c *Client) FetchMessages(ctx context.Context, roomID string, limit int, before string) ([]domain.Message, error) {
	var msgs []domain.Message
	q := query{"roomId": roomID, "before": before}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	if err := c.do(ctx, fasthttp.MethodGet, "/messages", q, nil, &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// LookupUsers resolves user ids in one batch. Unknown ids are omitted.
func (c *Client) LookupUsers(ctx context.Context, ids []string) ([]domain.User, error) {
	var resp usersResponse
	if err := c.do(ctx, fasthttp.MethodPost, "/users", nil, lookupUsersRequest{UserIDs: ids}, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// ListUsers searches the user directory.
func (c *Client) ListUsers(ctx context.Context, f UserFilter) (UserPage, error) {
	q := query{"search": f.Search, "role": f.Role}
	if f.Limit > 0 {
		q["limit"] = strconv.Itoa(f.Limit)
	}
	if f.Offset > 0 {
		q["offset"] = strconv.Itoa(f.Offset)
	}
	var page UserPage
	err := c.do(ctx, fasthttp.MethodGet, "/users", q, nil, &page)
	return page, err
}

// UpdateActiveRooms adds or removes roomID from the caller's active
// rooms. Both actions are idempotent.
func (c *Client) UpdateActiveRooms(ctx context.Context, roomID string, action ActiveRoomAction) error {
	return c.do(ctx, fasthttp.MethodPost, "/active_rooms", nil, activeRoomsRequest{RoomID: roomID, Action: action}, nil)
}

// CreateRoom creates a room named name with the caller and userIDs as
// members.
func (c *Client) CreateRoom(ctx context.Context, name string, userIDs []string) (domain.Room, error) {
	var room domain.Room
	err := c.do(ctx, fasthttp.MethodPost, "/rooms/create", nil, createRoomRequest{Name: name, UserIDs: userIDs}, &room)
	return room.Normalize(), err
}

// RenameRoom changes a room's name.
func (c *Client) RenameRoom(ctx context.Context, roomID, name string) (domain.Room, error) {
	var room domain.Room
	err := c.do(ctx, fasthttp.MethodPut, "/rooms/"+url.PathEscape(roomID), nil, renameRoomRequest{Name: name}, &room)
	return room.Normalize(), err
}

// DeleteMessages deletes one message, a room's messages or everything,
// depending on which field of sel is set.
func (c *Client) DeleteMessages(ctx context.Context, sel DeleteSelector) (int64, error) {
	var resp deleteResponse
	err := c.do(ctx, fasthttp.MethodDelete, "/messages", nil, sel, &resp)
	return resp.Deleted, err
}

// IssueToken exchanges an identity for a bearer token. It is meant for
// development logins.
func (c *Client) IssueToken(ctx context.Context, user domain.User) (string, error) {
	var resp tokenResponse
	if err := c.do(ctx, fasthttp.MethodPost, "/auth/token", nil, user, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

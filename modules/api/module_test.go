package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"github.com/example/chat-sync/auth"
	domain "github.com/example/chat-sync/domain/chat"
	"github.com/example/chat-sync/modules/broadcast"
	"github.com/example/chat-sync/modules/chat"
)

// mockLogger implements types.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(_ string, _ ...any) {}
func (m *mockLogger) Info(_ string, _ ...any)  {}
func (m *mockLogger) Warn(_ string, _ ...any)  {}
func (m *mockLogger) Error(_ string, _ ...any) {}
func (m *mockLogger) With(_ ...any) types.Logger {
	return m
}
func (m *mockLogger) WithModule(_ string) types.Logger {
	return m
}
func (m *mockLogger) WithError(_ error) types.Logger {
	return m
}

// mockChat records calls and returns canned results.
type mockChat struct {
	mu    sync.Mutex
	calls []string
	err   error

	rooms     []domain.Room
	users     []domain.User
	messages  []domain.Message
	lastMsg   domain.Message
	lastNote  domain.Notification
	lastDel   chat.DeleteMessagesRequest
	lastQuery chat.ListUsersRequest
	origin    string
}

var _ chat.ChatPort = (*mockChat)(nil)

func (c *mockChat) record(format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
	return c.err
}

func (c *mockChat) called() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *mockChat) UpsertUser(_ context.Context, u domain.User) (domain.User, error) {
	return u, c.record("upsert %s", u.Username)
}

func (c *mockChat) LookupUsers(_ context.Context, ids []string) ([]domain.User, error) {
	return c.users, c.record("lookup %s", strings.Join(ids, ","))
}

func (c *mockChat) ListUsers(_ context.Context, req chat.ListUsersRequest) (chat.ListUsersResponse, error) {
	c.lastQuery = req
	return chat.ListUsersResponse{Users: c.users, Total: int64(len(c.users)), Limit: 50}, c.record("list-users")
}

func (c *mockChat) ListRooms(_ context.Context, userID string) ([]domain.Room, error) {
	return c.rooms, c.record("list-rooms %s", userID)
}

func (c *mockChat) CreateRoom(_ context.Context, name, createdBy string, userIDs []string) (domain.Room, error) {
	return domain.Room{ID: "r-new", Name: name}, c.record("create %s by %s with %s", name, createdBy, strings.Join(userIDs, ","))
}

func (c *mockChat) RenameRoom(_ context.Context, roomID, name string) (domain.Room, error) {
	return domain.Room{ID: roomID, Name: name}, c.record("rename %s %s", roomID, name)
}

func (c *mockChat) JoinRoom(_ context.Context, roomID, userID string) (chat.MembershipResponse, error) {
	return chat.MembershipResponse{}, c.record("join %s %s", roomID, userID)
}

func (c *mockChat) LeaveRoom(_ context.Context, roomID, userID string) (domain.Room, error) {
	return domain.Room{}, c.record("leave %s %s", roomID, userID)
}

func (c *mockChat) Invite(_ context.Context, roomID string, userIDs []string) (chat.MembershipResponse, error) {
	return chat.MembershipResponse{}, c.record("invite %s %s", roomID, strings.Join(userIDs, ","))
}

func (c *mockChat) SendMessage(_ context.Context, m domain.Message, origin string) (chat.SendMessageResponse, error) {
	c.lastMsg, c.origin = m, origin
	return chat.SendMessageResponse{Message: m, Created: true}, c.record("send %s", m.ID)
}

func (c *mockChat) GetMessages(_ context.Context, roomID string, limit int, before string) ([]domain.Message, error) {
	return c.messages, c.record("messages %s %d %s", roomID, limit, before)
}

func (c *mockChat) DeleteMessages(_ context.Context, req chat.DeleteMessagesRequest) (chat.DeleteMessagesResponse, error) {
	c.lastDel = req
	return chat.DeleteMessagesResponse{Deleted: 3, Message: "deleted"}, c.record("delete")
}

func (c *mockChat) UpdateActiveRooms(_ context.Context, userID, roomID, action string) error {
	return c.record("active %s %s %s", userID, roomID, action)
}

func (c *mockChat) SendNotification(_ context.Context, n domain.Notification) (domain.Notification, error) {
	c.lastNote = n
	return n, c.record("notify")
}

var alice = domain.User{UserID: "u-1", Username: "alice", Role: domain.RoleUser}

func setupTestModule(t *testing.T) (*APIModule, *mockChat, *fiber.App, string) {
	t.Helper()
	tokens := auth.NewManager(auth.Config{SecretKey: "test-secret", TokenDuration: time.Hour})
	m := NewModule(Config{}, tokens, &mockLogger{})
	mc := &mockChat{}
	m.chatAdapter = mc
	m.hub = broadcast.NewHub()

	token, err := tokens.Sign(alice)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return m, mc, m.newApp(), token
}

func doJSON(t *testing.T, app *fiber.App, method, target, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func TestAPI_Health(t *testing.T) {
	_, _, app, _ := setupTestModule(t)

	code, body := doJSON(t, app, http.MethodGet, "/health", "", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Status = %q", resp.Status)
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	_, _, app, _ := setupTestModule(t)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := doJSON(t, app, http.MethodGet, "/rooms", tt.token, nil)
			if code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", code)
			}
			var resp ErrorResponse
			_ = json.Unmarshal(body, &resp)
			if resp.Error != "unauthorized" {
				t.Errorf("Error = %q, want unauthorized", resp.Error)
			}
		})
	}
}

func TestAPI_IssueToken(t *testing.T) {
	m, mc, app, _ := setupTestModule(t)

	code, body := doJSON(t, app, http.MethodPost, "/auth/token", "", domain.User{UserID: "u-7", Username: "grace"})
	if code != http.StatusOK {
		t.Fatalf("status = %d, body %s", code, body)
	}
	var resp TokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", resp.ExpiresIn)
	}
	user, err := m.tokens.Verify(resp.Token)
	if err != nil || user.UserID != "u-7" {
		t.Errorf("Verify() = %+v, %v", user, err)
	}
	if got := mc.called(); len(got) != 1 || got[0] != "upsert grace" {
		t.Errorf("calls = %v", got)
	}

	mc.err = fmt.Errorf("remote: %w", chat.ErrUsernameEmpty)
	code, _ = doJSON(t, app, http.MethodPost, "/auth/token", "", domain.User{UserID: "u-8"})
	if code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an invalid identity", code)
	}
}

func TestAPI_Routes(t *testing.T) {
	_, mc, app, token := setupTestModule(t)
	mc.rooms = []domain.Room{{ID: "r-1", Name: "general", ActiveUsers: []domain.UserRef{domain.Ref("u-1")}}}
	mc.users = []domain.User{alice}
	mc.messages = []domain.Message{{ID: "m1", RoomID: "r-1", Sender: domain.Ref("u-1"), Content: "hi"}}

	tests := []struct {
		name     string
		method   string
		target   string
		body     any
		wantCode int
		wantCall string
	}{
		{"list rooms", http.MethodGet, "/rooms", nil, 200, "list-rooms u-1"},
		{"room users", http.MethodPost, "/rooms", RoomUsersRequest{UserIDs: []string{"u-1", "u-2"}}, 200, "lookup u-1,u-2"},
		{"create room", http.MethodPost, "/rooms/create", CreateRoomRequest{Name: "ops", UserIDs: []string{"u-2"}}, 201, "create ops by u-1 with u-2"},
		{"rename room", http.MethodPut, "/rooms/r-1", RenameRoomRequest{Name: "ops-2"}, 200, "rename r-1 ops-2"},
		{"messages", http.MethodGet, "/messages?roomId=r-1&limit=20&before=m9", nil, 200, "messages r-1 20 m9"},
		{"lookup users", http.MethodPost, "/users", LookupUsersRequest{UserIDs: []string{"u-1"}}, 200, "lookup u-1"},
		{"list users", http.MethodGet, "/users?search=al&limit=5", nil, 200, "list-users"},
		{"active rooms", http.MethodPost, "/active_rooms", ActiveRoomsRequest{RoomID: "r-1", Action: "remove"}, 200, "active u-1 r-1 remove"},
		{"delete", http.MethodDelete, "/messages", DeleteMessagesRequest{RoomID: "r-1"}, 200, "delete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(mc.called())
			code, body := doJSON(t, app, tt.method, tt.target, token, tt.body)
			if code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", code, tt.wantCode, body)
			}
			calls := mc.called()
			if len(calls) != before+1 || calls[before] != tt.wantCall {
				t.Errorf("calls = %v, want last %q", calls[before:], tt.wantCall)
			}
		})
	}

	if mc.lastDel.RequestedBy != "u-1" || mc.lastDel.RoomID != "r-1" {
		t.Errorf("delete request = %+v", mc.lastDel)
	}
	if mc.lastQuery.Search != "al" || mc.lastQuery.Limit != 5 {
		t.Errorf("list users query = %+v", mc.lastQuery)
	}
}

func TestAPI_ResponseShapes(t *testing.T) {
	_, mc, app, token := setupTestModule(t)
	mc.users = []domain.User{alice}

	_, body := doJSON(t, app, http.MethodGet, "/users", token, nil)
	var page UserPageResponse
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Users) != 1 || page.Pagination.Total != 1 || page.Pagination.Limit != 50 {
		t.Errorf("page = %+v", page)
	}

	_, body = doJSON(t, app, http.MethodDelete, "/messages", token, DeleteMessagesRequest{All: true})
	var del DeleteMessagesResponse
	if err := json.Unmarshal(body, &del); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !del.Success || del.Deleted != 3 {
		t.Errorf("delete response = %+v", del)
	}
}

func TestAPI_ErrorMapping(t *testing.T) {
	_, mc, app, token := setupTestModule(t)

	tests := []struct {
		name     string
		err      error
		method   string
		target   string
		body     any
		wantCode int
	}{
		{"not found", chat.ErrNotFound, http.MethodPut, "/rooms/missing", RenameRoomRequest{Name: "x"}, 404},
		{"forbidden", chat.ErrForbidden, http.MethodDelete, "/messages", DeleteMessagesRequest{ID: "m1"}, 403},
		{"validation", chat.ErrInvalidAction, http.MethodPost, "/active_rooms", ActiveRoomsRequest{RoomID: "r", Action: "x"}, 400},
		{"no selector", chat.ErrNoSelector, http.MethodDelete, "/messages", DeleteMessagesRequest{}, 400},
		{"internal", errors.New("db down"), http.MethodGet, "/rooms", nil, 500},
		{"missing room id", nil, http.MethodGet, "/messages", nil, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err != nil {
				mc.err = fmt.Errorf("service call failed: %w", tt.err)
			} else {
				mc.err = nil
			}
			code, _ := doJSON(t, app, tt.method, tt.target, token, tt.body)
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
		})
	}
}

func TestAPI_ActiveRoomsOnlyForSelf(t *testing.T) {
	_, mc, app, token := setupTestModule(t)

	code, _ := doJSON(t, app, http.MethodPost, "/active_rooms", token, ActiveRoomsRequest{RoomID: "r-1", Action: "add", UserID: "u-2"})
	if code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", code)
	}
	if len(mc.called()) != 0 {
		t.Errorf("service should not be called, got %v", mc.called())
	}
}

func TestAPI_WebSocketRequiresUpgrade(t *testing.T) {
	_, _, app, token := setupTestModule(t)

	code, _ := doJSON(t, app, http.MethodGet, "/ws?token="+token, "", nil)
	if code != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", code)
	}
}

func TestAPI_WebSocketHandshakeAuth(t *testing.T) {
	_, _, app, token := setupTestModule(t)
	identity := func(u domain.User) string {
		data, _ := json.Marshal(u)
		return url.QueryEscape(string(data))
	}
	mallory := domain.User{UserID: "u-9", Username: "mallory"}

	tests := []struct {
		name   string
		target string
		bearer string
		want   int
	}{
		{"no token", "/ws", "", http.StatusUnauthorized},
		{"auth identity alone", "/ws?auth=" + identity(alice), "", http.StatusUnauthorized},
		{"garbage token", "/ws?token=not-a-jwt", "", http.StatusUnauthorized},
		{"garbage bearer", "/ws", "not-a-jwt", http.StatusUnauthorized},
		{"identity mismatch", "/ws?token=" + token + "&auth=" + identity(mallory), "", http.StatusUnauthorized},
		{"malformed identity", "/ws?auth=%7Bnope", token, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			req.Header.Set("Connection", "Upgrade")
			req.Header.Set("Upgrade", "websocket")
			req.Header.Set("Sec-WebSocket-Version", "13")
			req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}
			resp, err := app.Test(req, -1)
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

// recordingConn captures frames written to a socket.
type recordingConn struct {
	mu     sync.Mutex
	frames []broadcast.Frame
}

func (c *recordingConn) WriteMessage(_ int, data []byte) error {
	var f broadcast.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		if f.Event == broadcast.EventError {
			data, _ := json.Marshal(f.Data)
			out = append(out, string(data))
		}
	}
	return out
}

func newTestSession(m *APIModule, burst int) (*socketSession, *recordingConn) {
	conn := &recordingConn{}
	s := &socketSession{
		client:  broadcast.NewClient("conn-1", alice.UserID, conn),
		user:    alice,
		limiter: rate.NewLimiter(rate.Limit(1), burst),
	}
	m.hub.Register(s.client)
	return s, conn
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	out, err := json.Marshal(InboundFrame{Event: event, Data: raw})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return out
}

func TestSocket_Dispatch(t *testing.T) {
	m, mc, _, _ := setupTestModule(t)
	s, conn := newTestSession(m, 100)

	stringEncoded, _ := json.Marshal(domain.Message{ID: "m2", RoomID: "r-1", Content: "again"})

	tests := []struct {
		name     string
		raw      []byte
		wantCall string
	}{
		{"join", frame(t, EventJoinRoom, "r-1"), "join r-1 u-1"},
		{"invite", frame(t, EventInviteToRoom, InvitePayload{RoomID: "r-1", UserIDs: []string{"u-2"}}), "invite r-1 u-2"},
		{"message", frame(t, EventMessage, domain.Message{ID: "m1", RoomID: "r-1", Sender: domain.Ref("u-9"), Content: "hi"}), "send m1"},
		{"string encoded message", frame(t, EventMessage, string(stringEncoded)), "send m2"},
		{"notification", frame(t, EventNotification, domain.Notification{Message: "ping", RoomID: "r-1"}), "notify"},
		{"quit", frame(t, EventQuitRoom, "r-1"), "leave r-1 u-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(mc.called())
			m.dispatch(s, tt.raw)
			calls := mc.called()
			if len(calls) != before+1 || calls[before] != tt.wantCall {
				t.Errorf("calls = %v, want %q", calls[before:], tt.wantCall)
			}
		})
	}

	if errs := conn.errors(); len(errs) != 0 {
		t.Errorf("unexpected error frames: %v", errs)
	}
	if mc.origin != "conn-1" {
		t.Errorf("origin = %q, want conn-1", mc.origin)
	}
	if !mc.lastMsg.Sender.Matches("u-1") || !mc.lastMsg.Sender.Resolved() {
		t.Errorf("sender = %+v, want the authenticated user", mc.lastMsg.Sender)
	}
	if !mc.lastNote.Sender.Matches("u-1") {
		t.Errorf("notification sender = %+v", mc.lastNote.Sender)
	}
	if got := m.hub.RoomClientCount("r-1"); got != 0 {
		t.Errorf("RoomClientCount() = %d after quit, want 0", got)
	}
}

func TestSocket_DispatchErrors(t *testing.T) {
	m, mc, _, _ := setupTestModule(t)
	s, conn := newTestSession(m, 100)

	m.dispatch(s, []byte("{not json"))
	m.dispatch(s, frame(t, "shout", "x"))
	m.dispatch(s, frame(t, EventJoinRoom, ""))
	m.dispatch(s, frame(t, EventInviteToRoom, InvitePayload{RoomID: "r-1"}))
	mc.err = chat.ErrNotFound
	m.dispatch(s, frame(t, EventJoinRoom, "missing"))

	errs := conn.errors()
	if len(errs) != 5 {
		t.Fatalf("got %d error frames, want 5: %v", len(errs), errs)
	}
	if !strings.Contains(errs[1], "unknown event") {
		t.Errorf("unknown event frame = %s", errs[1])
	}
	if !strings.Contains(errs[4], "not found") {
		t.Errorf("service error frame = %s", errs[4])
	}
	if m.hub.RoomClientCount("missing") != 0 {
		t.Error("failed join should not subscribe")
	}
}

func TestSocket_RateLimit(t *testing.T) {
	m, mc, _, _ := setupTestModule(t)
	s, conn := newTestSession(m, 2)

	for i := range 3 {
		m.dispatch(s, frame(t, EventJoinRoom, fmt.Sprintf("r-%d", i)))
	}

	if got := len(mc.called()); got != 2 {
		t.Errorf("service calls = %d, want 2", got)
	}
	errs := conn.errors()
	if len(errs) != 1 || !strings.Contains(errs[0], "Rate limit") {
		t.Errorf("error frames = %v", errs)
	}
}

func TestSocket_SubscribesUserRooms(t *testing.T) {
	m, mc, _, _ := setupTestModule(t)
	mc.rooms = []domain.Room{{ID: "r-1"}, {ID: "r-2"}}
	s, _ := newTestSession(m, 10)

	m.subscribeRooms(s)

	if m.hub.RoomClientCount("r-1") != 1 || m.hub.RoomClientCount("r-2") != 1 {
		t.Error("connection should be subscribed to every listed room")
	}
}

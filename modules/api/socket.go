package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	domain "github.com/example/chat-sync/domain/chat"
	"github.com/example/chat-sync/modules/broadcast"
)

const socketCallTimeout = 10 * time.Second

// authenticateSocket verifies the handshake token, carried as a bearer
// header or a token query parameter. An auth query identity, when sent,
// must name the same user as the token.
func (m *APIModule) authenticateSocket(c *fiber.Ctx) error {
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok || token == "" {
		token = c.Query("token")
	}
	if token == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing token")
	}
	user, err := m.tokens.Verify(token)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}

	if raw := c.Query("auth"); raw != "" {
		var claimed domain.User
		if err := json.Unmarshal([]byte(raw), &claimed); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid auth identity")
		}
		if claimed.UserID != "" && claimed.UserID != user.UserID {
			return fiber.NewError(fiber.StatusUnauthorized, "identity does not match token")
		}
	}

	c.Locals(userLocal, user)
	return c.Next()
}

// socketSession is the server side of one socket connection.
type socketSession struct {
	client  *broadcast.Client
	user    domain.User
	limiter *rate.Limiter
}

// handleWebSocket handles connections at /ws.
func (m *APIModule) handleWebSocket(c *websocket.Conn) {
	user, _ := c.Locals(userLocal).(domain.User)
	s := &socketSession{
		client:  broadcast.NewClient(uuid.NewString(), user.UserID, c),
		user:    user,
		limiter: rate.NewLimiter(rate.Limit(m.cfg.MessagesPerSecond), m.cfg.Burst),
	}

	m.hub.Register(s.client)
	defer func() {
		m.hub.Unregister(s.client)
		_ = c.Close()
		m.logger.Info("WebSocket disconnected", "client", s.client.ID, "user", user.UserID)
	}()
	m.logger.Info("WebSocket connected", "client", s.client.ID, "user", user.UserID)

	m.subscribeRooms(s)

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn("WebSocket read error", "client", s.client.ID, "error", err)
			}
			return
		}
		m.dispatch(s, data)
	}
}

// subscribeRooms joins a new connection to every room on the user's list.
func (m *APIModule) subscribeRooms(s *socketSession) {
	ctx, cancel := context.WithTimeout(context.Background(), socketCallTimeout)
	defer cancel()

	rooms, err := m.chatAdapter.ListRooms(ctx, s.user.UserID)
	if err != nil {
		m.logger.Warn("Failed to load rooms for socket", "user", s.user.UserID, "error", err)
		return
	}
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	m.hub.Subscribe(s.client.ID, ids...)
}

// dispatch handles one inbound frame. Failures are answered with an
// error frame on the same connection.
func (m *APIModule) dispatch(s *socketSession, data []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.sendError(s, "", "Invalid message format")
		return
	}
	if !s.limiter.Allow() {
		m.sendError(s, frame.Event, "Rate limit exceeded, please slow down")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), socketCallTimeout)
	defer cancel()

	var err error
	switch frame.Event {
	case EventJoinRoom:
		err = m.onJoinRoom(ctx, s, frame.Data)
	case EventQuitRoom:
		err = m.onQuitRoom(ctx, s, frame.Data)
	case EventInviteToRoom:
		err = m.onInvite(ctx, s, frame.Data)
	case EventMessage:
		err = m.onMessage(ctx, s, frame.Data)
	case EventNotification:
		err = m.onNotification(ctx, s, frame.Data)
	default:
		err = fmt.Errorf("unknown event: %q", frame.Event)
	}
	if err != nil {
		m.sendError(s, frame.Event, err.Error())
	}
}

func (m *APIModule) onJoinRoom(ctx context.Context, s *socketSession, data json.RawMessage) error {
	var roomID string
	if err := json.Unmarshal(data, &roomID); err != nil || roomID == "" {
		return errors.New("room id is required")
	}
	if _, err := m.chatAdapter.JoinRoom(ctx, roomID, s.user.UserID); err != nil {
		return err
	}
	m.hub.Subscribe(s.client.ID, roomID)
	return nil
}

func (m *APIModule) onQuitRoom(ctx context.Context, s *socketSession, data json.RawMessage) error {
	var roomID string
	if err := json.Unmarshal(data, &roomID); err != nil || roomID == "" {
		return errors.New("room id is required")
	}
	m.hub.Unsubscribe(s.client.ID, roomID)
	_, err := m.chatAdapter.LeaveRoom(ctx, roomID, s.user.UserID)
	return err
}

func (m *APIModule) onInvite(ctx context.Context, s *socketSession, data json.RawMessage) error {
	var p InvitePayload
	if err := decodePayload(data, &p); err != nil {
		return errors.New("invalid invite payload")
	}
	if p.RoomID == "" || len(p.UserIDs) == 0 {
		return errors.New("roomId and userIds are required")
	}
	_, err := m.chatAdapter.Invite(ctx, p.RoomID, p.UserIDs)
	return err
}

// onMessage stores a message sent by the connection's user. The sender is
// always the authenticated identity.
func (m *APIModule) onMessage(ctx context.Context, s *socketSession, data json.RawMessage) error {
	var msg domain.Message
	if err := decodePayload(data, &msg); err != nil {
		return errors.New("invalid message payload")
	}
	msg.Sender = domain.Embed(s.user)
	_, err := m.chatAdapter.SendMessage(ctx, msg, s.client.ID)
	return err
}

func (m *APIModule) onNotification(ctx context.Context, s *socketSession, data json.RawMessage) error {
	var n domain.Notification
	if err := decodePayload(data, &n); err != nil {
		return errors.New("invalid notification payload")
	}
	n.Sender = domain.Embed(s.user)
	_, err := m.chatAdapter.SendNotification(ctx, n)
	return err
}

func (m *APIModule) sendError(s *socketSession, event, message string) {
	if err := s.client.Send(broadcast.EventError, SocketError{Event: event, Message: message}); err != nil {
		m.logger.Warn("Failed to send error frame", "client", s.client.ID, "error", err)
	}
}

// decodePayload decodes data into dest. data may be the JSON value itself
// or a JSON string holding it.
func decodePayload(data json.RawMessage, dest any) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		data = []byte(inner)
	}
	return json.Unmarshal(data, dest)
}

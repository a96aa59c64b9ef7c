// Package transport is the chat socket client. It keeps one live
// connection per identity, reconnects under a bounded policy and
// exposes single-slot handlers for inbound events.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/chat-sync/client/notice"
	"github.com/fasthttp/websocket"
)

// Socket event names.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	EventError        = "error"
	EventMessage      = "message"
	EventNotification = "notification"
	EventRoomUpdate   = "room_update"
	EventJoinRoom     = "join_room"
	EventQuitRoom     = "quit_room"
	EventInviteToRoom = "invite_to_room"
)

// Disconnect reasons passed to the disconnect handler.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
)

// ErrNotConnected is returned by sends while no connection is established.
var ErrNotConnected = errors.New("transport: not connected")

// Frame is the envelope of every socket frame.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// InvitePayload is the invite_to_room payload.
type InvitePayload struct {
	RoomID  string   `json:"roomId"`
	UserIDs []string `json:"userIds"`
}

// Conn is a message-oriented socket connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with fasthttp/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options configures a Client.
type Options struct {
	URL string
	// Token is the session token from POST /auth/token. The server
	// rejects handshakes without one, so a client with no token never
	// connects.
	Token string
	// Header is sent with every handshake.
	Header http.Header

	Reconnection         bool
	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	// ReconnectionDelayMax enables doubling backoff capped at this value.
	// Zero keeps the delay fixed.
	ReconnectionDelayMax time.Duration
	// Timeout bounds each connection attempt.
	Timeout time.Duration

	Dialer   Dialer
	Notifier notice.Notifier
	Logger   *slog.Logger
}

// DefaultOptions returns the standard policy: five attempts, one second
// apart, twenty seconds per attempt.
func DefaultOptions(url string) Options {
	return Options{
		URL:                  url,
		Reconnection:         true,
		ReconnectionAttempts: 5,
		ReconnectionDelay:    time.Second,
		Timeout:              20 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.ReconnectionAttempts < 0 {
		o.ReconnectionAttempts = 0
	}
	if o.ReconnectionDelay <= 0 {
		o.ReconnectionDelay = time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 20 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{HandshakeTimeout: o.Timeout}
	}
	if o.Notifier == nil {
		o.Notifier = notice.Discard
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// backoff returns the wait before reconnection attempt n (1-based).
func (o Options) backoff(n int) time.Duration {
	d := o.ReconnectionDelay
	if o.ReconnectionDelayMax <= 0 {
		return d
	}
	for i := 1; i < n && d < o.ReconnectionDelayMax; i++ {
		d *= 2
	}
	return min(d, o.ReconnectionDelayMax)
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/example/chat-sync/client/notice"
	domain "github.com/example/chat-sync/domain/chat"
	"github.com/fasthttp/websocket"
)

// inboundEvents are re-attached on every connect.
var inboundEvents = []string{EventMessage, EventNotification, EventRoomUpdate, EventError, EventConnectError}

type handlers struct {
	connect      func()
	disconnect   func(reason string)
	message      func(domain.Message)
	notification func(domain.Notification)
	roomUpdate   func(domain.Room)
}

// Client is the socket client. Handlers run on the client's read
// goroutine, one event at a time.
type Client struct {
	opts Options

	mu         sync.Mutex
	user       domain.User
	conn       Conn
	ch         *channel
	connected  bool
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	handlers   handlers
	reconnects int

	writeMu sync.Mutex
}

// New creates a client. No connection is opened until Initialize.
func New(opts Options) *Client {
	return &Client{opts: opts.withDefaults()}
}

// Initialize opens a connection for user. It does nothing when the
// identity has no username or when the client is already running.
func (c *Client) Initialize(user domain.User) {
	if user.IsAnonymous() {
		return
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.user = user
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(ctx, done)
}

// Disconnect closes the connection and stops reconnecting until the
// next Initialize. It blocks until the client goroutine exits, so it
// must not be called from a handler.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Connected reports whether a connection is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Running reports whether the client is connected or trying to be.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Reconnects returns how many times the client connected after the first.
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// ListenerCount returns the listeners attached for event on the live
// connection.
func (c *Client) ListenerCount(event string) int {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return 0
	}
	return ch.count(event)
}

// OnConnect sets the connect handler.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.handlers.connect = fn
	c.mu.Unlock()
}

// OnDisconnect sets the disconnect handler.
func (c *Client) OnDisconnect(fn func(reason string)) {
	c.mu.Lock()
	c.handlers.disconnect = fn
	c.mu.Unlock()
}

// OnMessage sets the message handler, replacing any previous one.
func (c *Client) OnMessage(fn func(domain.Message)) {
	c.mu.Lock()
	c.handlers.message = fn
	c.mu.Unlock()
	c.reattach(EventMessage)
}

// OnNotification sets the notification handler, replacing any previous one.
func (c *Client) OnNotification(fn func(domain.Notification)) {
	c.mu.Lock()
	c.handlers.notification = fn
	c.mu.Unlock()
	c.reattach(EventNotification)
}

// OnRoomUpdate sets the room update handler, replacing any previous one.
func (c *Client) OnRoomUpdate(fn func(domain.Room)) {
	c.mu.Lock()
	c.handlers.roomUpdate = fn
	c.mu.Unlock()
	c.reattach(EventRoomUpdate)
}

// JoinRoom asks the server to subscribe this connection to roomID.
// Dropped silently while disconnected.
func (c *Client) JoinRoom(roomID string) {
	c.emitDroppable(EventJoinRoom, roomID)
}

// QuitRoom unsubscribes from roomID. Dropped silently while disconnected.
func (c *Client) QuitRoom(roomID string) {
	c.emitDroppable(EventQuitRoom, roomID)
}

// InviteToRoom adds users to roomID. Dropped silently while disconnected.
func (c *Client) InviteToRoom(roomID string, userIDs []string) {
	c.emitDroppable(EventInviteToRoom, InvitePayload{RoomID: roomID, UserIDs: userIDs})
}

// SendMessage emits m. It fails with ErrNotConnected while disconnected
// and the failure is reported to the user.
func (c *Client) SendMessage(m domain.Message) error {
	if err := c.emit(EventMessage, m); err != nil {
		c.notifySendFailure("Message not sent", err)
		return err
	}
	return nil
}

// SendNotification emits n with the same contract as SendMessage.
func (c *Client) SendNotification(n domain.Notification) error {
	if err := c.emit(EventNotification, n); err != nil {
		c.notifySendFailure("Notification not sent", err)
		return err
	}
	return nil
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		cancel := c.cancel
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()

	attempt := 0
	everConnected := false
	for {
		if attempt > 0 {
			if !c.opts.Reconnection || attempt > c.opts.ReconnectionAttempts {
				c.opts.Logger.Error("giving up on socket connection", "attempts", attempt-1)
				c.opts.Notifier.Notify(notice.Notice{
					Level:       notice.Error,
					Title:       "Connection lost",
					Description: "Could not reach the chat server. Reconnect to try again.",
				})
				return
			}
			wait := c.opts.backoff(attempt)
			c.opts.Logger.Info("reconnecting", "attempt", attempt, "delay", wait)
			if !sleep(ctx, wait) {
				return
			}
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.reportError(EventConnectError, err.Error())
			attempt++
			continue
		}

		if everConnected {
			c.mu.Lock()
			c.reconnects++
			c.mu.Unlock()
		}
		everConnected = true
		attempt = 0

		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		attempt = 1
	}
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	user := c.user
	c.mu.Unlock()

	target, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse url: %w", err)
	}
	header := http.Header{}
	for k, v := range c.opts.Header {
		header[k] = append([]string(nil), v...)
	}
	// Without a token the server answers 401 and the attempt fails.
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	identity, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("transport: encode identity: %w", err)
	}
	q := target.Query()
	q.Set("auth", string(identity))
	target.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	conn, err := c.opts.Dialer.Dial(dialCtx, target.String(), header)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	return conn, nil
}

// serve owns conn until it drops and returns the disconnect reason.
func (c *Client) serve(ctx context.Context, conn Conn) string {
	ch := newChannel()
	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.connected = true
	onConnect := c.handlers.connect
	c.mu.Unlock()

	c.attach(ch)
	c.opts.Logger.Info("socket connected", "url", c.opts.URL)
	if onConnect != nil {
		onConnect()
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	reason := ReasonTransportClose
read:
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				reason = ReasonClientDisconnect
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				reason = ReasonServerDisconnect
			default:
				c.opts.Logger.Warn("socket read failed", "error", err)
			}
			break read
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			c.opts.Logger.Warn("discarding undecodable frame", "error", err)
			continue
		}
		ch.emit(f.Event, f.Data)
	}

	c.mu.Lock()
	c.conn = nil
	c.ch = nil
	c.connected = false
	onDisconnect := c.handlers.disconnect
	c.mu.Unlock()
	_ = conn.Close()

	c.opts.Logger.Info("socket disconnected", "reason", reason)
	if onDisconnect != nil {
		onDisconnect(reason)
	}
	return reason
}

// attach wires every inbound event on ch, removing any earlier
// registration first.
func (c *Client) attach(ch *channel) {
	for _, event := range inboundEvents {
		ch.off(event)
		ch.on(event, c.listener(event))
	}
}

func (c *Client) reattach(event string) {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return
	}
	ch.off(event)
	ch.on(event, c.listener(event))
}

func (c *Client) listener(event string) func(json.RawMessage) {
	switch event {
	case EventMessage:
		return c.handleMessage
	case EventNotification:
		return c.handleNotification
	case EventRoomUpdate:
		return c.handleRoomUpdate
	default:
		return func(data json.RawMessage) { c.reportError(event, errorText(data)) }
	}
}

func (c *Client) handleMessage(data json.RawMessage) {
	m, err := DecodeMessage(data)
	if err != nil {
		c.discard(EventMessage, err)
		return
	}
	c.mu.Lock()
	fn := c.handlers.message
	c.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (c *Client) handleNotification(data json.RawMessage) {
	n, err := DecodeNotification(data)
	if err != nil {
		c.discard(EventNotification, err)
		return
	}
	c.mu.Lock()
	fn := c.handlers.notification
	c.mu.Unlock()
	if fn != nil {
		fn(n)
	}
	if n.HasMention() {
		c.opts.Notifier.Notify(notice.Notice{
			Level:       notice.Info,
			Title:       "You were mentioned",
			Description: n.Message,
			Interrupt:   true,
		})
	}
}

func (c *Client) handleRoomUpdate(data json.RawMessage) {
	r, err := DecodeRoom(data)
	if err != nil {
		c.discard(EventRoomUpdate, err)
		return
	}
	c.mu.Lock()
	fn := c.handlers.roomUpdate
	c.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func (c *Client) discard(event string, err error) {
	c.opts.Logger.Warn("discarding inbound payload", "event", event, "error", err)
	c.opts.Notifier.Notify(notice.Notice{
		Level:       notice.Warning,
		Title:       "Ignored invalid " + event,
		Description: err.Error(),
	})
}

func (c *Client) reportError(event, detail string) {
	c.opts.Logger.Error("socket error", "event", event, "detail", detail)
	title := "Socket error"
	if event == EventConnectError {
		title = "Connection error"
	}
	c.opts.Notifier.Notify(notice.Notice{
		Level:       notice.Error,
		Title:       title,
		Description: detail,
	})
}

func (c *Client) notifySendFailure(title string, err error) {
	desc := err.Error()
	if errors.Is(err, ErrNotConnected) {
		desc = "You are offline. Reconnect and send again."
	}
	c.opts.Notifier.Notify(notice.Notice{
		Level:       notice.Error,
		Title:       title,
		Description: desc,
	})
}

func (c *Client) emitDroppable(event string, payload any) {
	if err := c.emit(event, payload); err != nil {
		c.opts.Logger.Debug("dropped outbound intent", "event", event, "error", err)
	}
}

func (c *Client) emit(event string, payload any) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", event, err)
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("transport: write %s: %w", event, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Package reconciler is the store middleware that owns the socket
// client. It turns intents into transport calls and inbound socket
// events into store actions.
package reconciler

import (
	"log/slog"
	"sync"

	"github.com/example/chat-sync/client/notice"
	"github.com/example/chat-sync/client/store"
	"github.com/example/chat-sync/client/transport"
	domain "github.com/example/chat-sync/domain/chat"
)

// Transport is the socket client surface the reconciler drives.
type Transport interface {
	Initialize(user domain.User)
	Disconnect()
	Connected() bool

	OnConnect(fn func())
	OnDisconnect(fn func(reason string))
	OnMessage(fn func(domain.Message))
	OnNotification(fn func(domain.Notification))
	OnRoomUpdate(fn func(domain.Room))

	JoinRoom(roomID string)
	QuitRoom(roomID string)
	InviteToRoom(roomID string, userIDs []string)
	SendMessage(m domain.Message) error
	SendNotification(n domain.Notification) error
}

// Factory builds a fresh transport for every initialize intent.
type Factory func() Transport

// TransportFactory returns a Factory producing transport clients with opts.
func TransportFactory(opts transport.Options) Factory {
	return func() Transport { return transport.New(opts) }
}

// Reconciler owns the single live Transport.
type Reconciler struct {
	factory  Factory
	notifier notice.Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	client  Transport
	failure sendFailure
}

type sendFailure struct {
	id  string
	err error
}

// New creates a Reconciler.
func New(factory Factory, notifier notice.Notifier, logger *slog.Logger) *Reconciler {
	if notifier == nil {
		notifier = notice.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		factory:  factory,
		notifier: notifier,
		logger:   logger,
	}
}

// Active reports whether a transport instance exists.
func (r *Reconciler) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client != nil
}

// Middleware returns the store middleware.
func (r *Reconciler) Middleware() store.Middleware {
	return func(api store.API, next store.Dispatcher) store.Dispatcher {
		return func(a store.Action) {
			switch a := a.(type) {
			case store.InitializeSocket:
				r.initialize(api, a.User)
			case store.DisconnectSocket:
				r.teardown()
				api.Dispatch(store.SetSocketConnected{Connected: false})
			case store.SendMessage:
				r.deliver(a.Message)
			case store.JoinRoom:
				if c := r.current(); c != nil && api.GetState().Chat.SocketConnected {
					c.JoinRoom(a.RoomID)
				}
			case store.QuitRoom:
				if c := r.current(); c != nil {
					c.QuitRoom(a.RoomID)
				}
			case store.InviteToRoom:
				if c := r.current(); c != nil {
					c.InviteToRoom(a.RoomID, a.UserIDs)
				}
			}
			next(a)
		}
	}
}

// TakeSendError returns the delivery error of the most recent
// SendMessage intent if it was for message id, and forgets it.
func (r *Reconciler) TakeSendError(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure.id != id {
		return nil
	}
	err := r.failure.err
	r.failure = sendFailure{}
	return err
}

func (r *Reconciler) deliver(m domain.Message) {
	var err error
	if c := r.current(); c != nil {
		err = c.SendMessage(m)
	} else {
		r.notifyOffline()
		err = transport.ErrNotConnected
	}
	r.mu.Lock()
	if err != nil {
		r.failure = sendFailure{id: m.ID, err: err}
	} else if r.failure.id == m.ID {
		r.failure = sendFailure{}
	}
	r.mu.Unlock()
}

// SendNotification emits n on the live transport.
func (r *Reconciler) SendNotification(n domain.Notification) error {
	c := r.current()
	if c == nil {
		r.notifyOffline()
		return transport.ErrNotConnected
	}
	return c.SendNotification(n)
}

func (r *Reconciler) initialize(api store.API, user domain.User) {
	if r.teardown() {
		api.Dispatch(store.SetSocketConnected{Connected: false})
	}

	c := r.factory()
	c.OnConnect(func() {
		if r.isCurrent(c) {
			api.Dispatch(store.SetSocketConnected{Connected: true})
		}
	})
	c.OnDisconnect(func(reason string) {
		if !r.isCurrent(c) {
			return
		}
		api.Dispatch(store.SetSocketConnected{Connected: false})
		if reason != transport.ReasonClientDisconnect {
			r.notifier.Notify(notice.Notice{
				Level:       notice.Warning,
				Title:       "Disconnected",
				Description: "Lost connection to the chat server (" + reason + "). Reconnecting.",
			})
		}
	})
	c.OnMessage(func(m domain.Message) {
		if r.isCurrent(c) {
			api.Dispatch(store.ReceiveMessage{Message: m})
		}
	})
	c.OnNotification(func(n domain.Notification) {
		if r.isCurrent(c) {
			api.Dispatch(store.AddNotification{Notification: n})
		}
	})
	c.OnRoomUpdate(func(room domain.Room) {
		if r.isCurrent(c) {
			api.Dispatch(store.UpdateRoom{Room: room.Normalize()})
		}
	})

	r.mu.Lock()
	r.client = c
	r.mu.Unlock()

	r.logger.Info("initializing socket", "user", user.Username)
	c.Initialize(user)
}

// teardown disconnects and forgets the live transport. It reports
// whether there was one.
func (r *Reconciler) teardown() bool {
	r.mu.Lock()
	c := r.client
	r.client = nil
	r.mu.Unlock()
	if c == nil {
		return false
	}
	c.Disconnect()
	return true
}

func (r *Reconciler) current() Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

func (r *Reconciler) isCurrent(c Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client == c
}

func (r *Reconciler) notifyOffline() {
	r.notifier.Notify(notice.Notice{
		Level:       notice.Error,
		Title:       "Message not sent",
		Description: "You are offline. Reconnect and send again.",
	})
}

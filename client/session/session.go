// Package session wires the store, the socket reconciler, the history
// fetcher and the REST client together for one signed-in user.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/chat-sync/client/history"
	"github.com/example/chat-sync/client/notice"
	"github.com/example/chat-sync/client/reconciler"
	"github.com/example/chat-sync/client/restapi"
	"github.com/example/chat-sync/client/store"
	domain "github.com/example/chat-sync/domain/chat"
)

var (
	// ErrNoRoomSelected is returned by room scoped calls without a selection.
	ErrNoRoomSelected = errors.New("no room selected")
	// ErrEmptyMessage is returned by Send for blank content.
	ErrEmptyMessage = errors.New("message is empty")
)

// API is the REST surface a session uses.
type API interface {
	history.API
	ListRooms(ctx context.Context) ([]domain.Room, error)
	RoomUsers(ctx context.Context, userIDs []string) ([]domain.User, error)
	UpdateActiveRooms(ctx context.Context, roomID string, action restapi.ActiveRoomAction) error
	CreateRoom(ctx context.Context, name string, userIDs []string) (domain.Room, error)
}

// Persister saves and restores the whitelisted state slices.
type Persister interface {
	Save(ctx context.Context, owner string, snap store.Snapshot) error
	Load(ctx context.Context, owner string) (store.Snapshot, bool, error)
}

// Options configures a Session. Factory is required.
type Options struct {
	Factory   reconciler.Factory
	Persister Persister
	PageSize  int
	Notifier  notice.Notifier
	Logger    *slog.Logger
}

// Session is the entry point a UI drives.
type Session struct {
	user     domain.User
	api      API
	persist  Persister
	notifier notice.Notifier
	logger   *slog.Logger

	store      *store.Store
	reconciler *reconciler.Reconciler
	fetcher    *history.Fetcher

	mu        sync.Mutex
	roomUsers map[string][]domain.User
}

// New builds a session for user.
func New(user domain.User, api API, opts Options) *Session {
	if opts.Notifier == nil {
		opts.Notifier = notice.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("user", user.UserID)

	r := reconciler.New(opts.Factory, opts.Notifier, logger.With("component", "reconciler"))
	st := store.New(store.NewState(), r.Middleware())
	f := history.New(api, st,
		history.WithPageSize(opts.PageSize),
		history.WithNotifier(opts.Notifier),
		history.WithLogger(logger.With("component", "history")),
	)

	return &Session{
		user:       user,
		api:        api,
		persist:    opts.Persister,
		notifier:   opts.Notifier,
		logger:     logger,
		store:      st,
		reconciler: r,
		fetcher:    f,
		roomUsers:  make(map[string][]domain.User),
	}
}

// User returns the signed-in identity.
func (s *Session) User() domain.User { return s.user }

// Store returns the session store for reading and subscribing.
func (s *Session) Store() *store.Store { return s.store }

// State returns a copy of the current state.
func (s *Session) State() store.State { return s.store.GetState() }

// Start restores persisted state and opens the socket.
func (s *Session) Start(ctx context.Context) error {
	if s.persist != nil {
		snap, ok, err := s.persist.Load(ctx, s.user.UserID)
		if err != nil {
			s.logger.Warn("failed to restore state", "error", err)
		} else if ok {
			s.store.Dispatch(store.Rehydrate{Snapshot: snap})
		}
	}
	s.store.Dispatch(store.InitializeSocket{User: s.user})
	return nil
}

// Close persists the whitelisted slices and closes the socket.
func (s *Session) Close(ctx context.Context) error {
	var err error
	if s.persist != nil {
		if saveErr := s.persist.Save(ctx, s.user.UserID, s.store.GetState().Snapshot()); saveErr != nil {
			err = fmt.Errorf("failed to persist state: %w", saveErr)
		}
	}
	s.store.Dispatch(store.DisconnectSocket{})
	return err
}

// FetchRooms reloads the room list.
func (s *Session) FetchRooms(ctx context.Context) error {
	s.store.Dispatch(store.SetLoadingRooms{Loading: true})
	defer s.store.Dispatch(store.SetLoadingRooms{Loading: false})

	rooms, err := s.api.ListRooms(ctx)
	if err != nil {
		s.fail("Failed to load rooms", err)
		return err
	}
	s.store.Dispatch(store.SetRooms{Rooms: rooms})
	return nil
}

// SelectRoom joins roomID and loads its history on first selection.
func (s *Session) SelectRoom(ctx context.Context, roomID string) error {
	s.store.Dispatch(store.JoinRoom{RoomID: roomID})
	return s.fetcher.LoadInitial(ctx, roomID)
}

// LoadMore backfills the selected room.
func (s *Session) LoadMore(ctx context.Context) error {
	roomID := s.store.GetState().Chat.SelectedRoomID
	if roomID == "" {
		return ErrNoRoomSelected
	}
	return s.fetcher.LoadMore(ctx, roomID)
}

// HasMore reports whether the selected room may have older messages.
func (s *Session) HasMore() bool {
	return s.fetcher.HasMore(s.store.GetState().Chat.SelectedRoomID)
}

// LeaveRoom removes the caller from roomID on the server and locally.
func (s *Session) LeaveRoom(ctx context.Context, roomID string) error {
	if err := s.api.UpdateActiveRooms(ctx, roomID, restapi.ActionRemove); err != nil {
		s.fail("Failed to leave room", err)
		return err
	}
	s.store.Dispatch(store.RemoveUserFromRoom{RoomID: roomID, UserID: s.user.UserID})
	s.store.Dispatch(store.ClearSelectedRoom{})
	s.store.Dispatch(store.QuitRoom{RoomID: roomID})

	s.mu.Lock()
	delete(s.roomUsers, roomID)
	s.mu.Unlock()

	return s.FetchRooms(ctx)
}

// CreateRoom creates a room and invites members into it.
func (s *Session) CreateRoom(ctx context.Context, name string, members []string) (domain.Room, error) {
	name = strings.TrimSpace(name)
	room, err := s.api.CreateRoom(ctx, name, members)
	if err != nil {
		s.fail("Failed to create room", err)
		return domain.Room{}, err
	}
	s.store.Dispatch(store.AddRoom{Room: room})
	if len(members) > 0 {
		s.store.Dispatch(store.InviteToRoom{RoomID: room.ID, UserIDs: members})
	}
	return room, nil
}

// Invite adds userIDs to roomID.
func (s *Session) Invite(roomID string, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	s.store.Dispatch(store.InviteToRoom{RoomID: roomID, UserIDs: userIDs})
	s.mu.Lock()
	delete(s.roomUsers, roomID)
	s.mu.Unlock()
}

// RoomUsers returns the hydrated members of roomID. Results are cached
// until the membership changes through this session.
func (s *Session) RoomUsers(ctx context.Context, roomID string) ([]domain.User, error) {
	s.mu.Lock()
	cached, ok := s.roomUsers[roomID]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	room, found := s.store.GetState().Chat.Room(roomID)
	if !found || len(room.ActiveUsers) == 0 {
		return []domain.User{}, nil
	}
	ids := make([]string, 0, len(room.ActiveUsers))
	for _, ref := range room.ActiveUsers {
		ids = append(ids, ref.Identifier())
	}
	users, err := s.api.RoomUsers(ctx, ids)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.roomUsers[roomID] = users
	s.mu.Unlock()
	return users, nil
}

// Send posts content to the selected room. The message is added to the
// store immediately; a delivery failure is returned but the local copy
// stays.
func (s *Session) Send(ctx context.Context, content string) (domain.Message, error) {
	roomID := s.store.GetState().Chat.SelectedRoomID
	if roomID == "" {
		return domain.Message{}, ErrNoRoomSelected
	}
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, ErrEmptyMessage
	}

	m := domain.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Sender:    domain.Embed(s.user),
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Mentions:  s.mentions(ctx, roomID, content),
	}
	s.store.Dispatch(store.SendMessage{Message: m})
	return m, s.reconciler.TakeSendError(m.ID)
}

// MarkNotificationRead marks one notification read.
func (s *Session) MarkNotificationRead(id string) {
	s.store.Dispatch(store.MarkNotificationRead{ID: id})
}

func (s *Session) mentions(ctx context.Context, roomID, content string) []domain.User {
	names := domain.ParseMentions(content)
	if len(names) == 0 {
		return nil
	}
	users, err := s.RoomUsers(ctx, roomID)
	if err != nil {
		s.logger.Warn("failed to resolve mentions", "room", roomID, "error", err)
		return nil
	}
	byName := make(map[string]domain.User, len(users))
	for _, u := range users {
		byName[strings.ToLower(u.Username)] = u
	}
	var out []domain.User
	for _, name := range names {
		if u, ok := byName[strings.ToLower(name)]; ok {
			out = append(out, u)
		}
	}
	return out
}

func (s *Session) fail(title string, err error) {
	s.logger.Error(strings.ToLower(title), "error", err)
	s.notifier.Notify(notice.Notice{
		Level:       notice.Error,
		Title:       title,
		Description: err.Error(),
	})
}

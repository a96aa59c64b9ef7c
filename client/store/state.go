// Package store holds the client application state: rooms, messages by
// room, unread counters, history flags and notifications. State changes
// only through Dispatch.
package store

import (
	"maps"
	"slices"

	domain "github.com/example/chat-sync/domain/chat"
)

// ChatState is the chat slice.
type ChatState struct {
	SocketConnected bool                        `json:"socketConnected"`
	Rooms           []domain.Room               `json:"rooms"`
	SelectedRoomID  string                      `json:"selectedRoomId,omitempty"`
	Messages        map[string][]domain.Message `json:"messages"`
	UnreadCounts    map[string]int              `json:"unreadCounts"`
	MessagesLoaded  map[string]bool             `json:"messagesLoaded"`
	HasMoreMessages map[string]bool             `json:"hasMoreMessages"`
	LoadingRooms    bool                        `json:"loadingRooms"`
	LoadingMessages bool                        `json:"loadingMessages"`
}

// NotificationState is the notification slice.
type NotificationState struct {
	Notifications []domain.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unreadCount"`
}

// State is the whole client state.
type State struct {
	Chat         ChatState         `json:"chat"`
	Notification NotificationState `json:"notification"`
}

// Snapshot is the persisted subset of State.
type Snapshot struct {
	Messages      map[string][]domain.Message `json:"messages"`
	Notifications []domain.Notification       `json:"notifications"`
}

// NewState returns an empty state with every map allocated.
func NewState() State {
	return State{
		Chat: ChatState{
			Rooms:           []domain.Room{},
			Messages:        make(map[string][]domain.Message),
			UnreadCounts:    make(map[string]int),
			MessagesLoaded:  make(map[string]bool),
			HasMoreMessages: make(map[string]bool),
		},
		Notification: NotificationState{
			Notifications: []domain.Notification{},
		},
	}
}

// Clone returns a deep copy of s. Nothing reachable from the result is
// shared with s.
func (s State) Clone() State {
	out := s.shallow()
	out.Chat.Rooms = cloneRooms(s.Chat.Rooms)
	for id, msgs := range out.Chat.Messages {
		out.Chat.Messages[id] = cloneMessages(msgs)
	}
	out.Notification.Notifications = cloneNotifications(s.Notification.Notifications)
	return out
}

// shallow copies the maps of s. Room, message and notification slices
// stay shared, so callers must copy a slice before writing to it.
func (s State) shallow() State {
	out := s
	if out.Chat.Rooms == nil {
		out.Chat.Rooms = []domain.Room{}
	}
	out.Chat.Messages = cloneMap(s.Chat.Messages)
	out.Chat.UnreadCounts = cloneMap(s.Chat.UnreadCounts)
	out.Chat.MessagesLoaded = cloneMap(s.Chat.MessagesLoaded)
	out.Chat.HasMoreMessages = cloneMap(s.Chat.HasMoreMessages)
	if out.Notification.Notifications == nil {
		out.Notification.Notifications = []domain.Notification{}
	}
	return out
}

// Snapshot returns the persisted subset.
func (s State) Snapshot() Snapshot {
	c := s.Clone()
	return Snapshot{
		Messages:      c.Chat.Messages,
		Notifications: c.Notification.Notifications,
	}
}

// Room returns the room with id.
func (c ChatState) Room(id string) (domain.Room, bool) {
	for _, r := range c.Rooms {
		if r.ID == id {
			return r, true
		}
	}
	return domain.Room{}, false
}

// RoomMessages returns the message list for a room.
func (c ChatState) RoomMessages(roomID string) []domain.Message {
	return c.Messages[roomID]
}

// HasMessage reports whether the room's list holds a message with id.
func (c ChatState) HasMessage(roomID, id string) bool {
	return indexOfMessage(c.Messages[roomID], id) >= 0
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return make(map[K]V)
	}
	return maps.Clone(m)
}

func cloneRef(r domain.UserRef) domain.UserRef {
	if r.User != nil {
		u := *r.User
		r.User = &u
	}
	return r
}

func cloneMessage(m domain.Message) domain.Message {
	m.Sender = cloneRef(m.Sender)
	m.Mentions = slices.Clone(m.Mentions)
	return m
}

func cloneMessages(msgs []domain.Message) []domain.Message {
	if msgs == nil {
		return nil
	}
	out := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return out
}

func cloneRoom(r domain.Room) domain.Room {
	if r.ActiveUsers != nil {
		users := make([]domain.UserRef, len(r.ActiveUsers))
		for i, u := range r.ActiveUsers {
			users[i] = cloneRef(u)
		}
		r.ActiveUsers = users
	}
	return r
}

// cloneRooms never returns nil.
func cloneRooms(rooms []domain.Room) []domain.Room {
	out := make([]domain.Room, len(rooms))
	for i, r := range rooms {
		out[i] = cloneRoom(r)
	}
	return out
}

func cloneNotification(n domain.Notification) domain.Notification {
	n.Sender = cloneRef(n.Sender)
	n.Recipients = slices.Clone(n.Recipients)
	return n
}

// cloneNotifications never returns nil.
func cloneNotifications(ns []domain.Notification) []domain.Notification {
	out := make([]domain.Notification, len(ns))
	for i, n := range ns {
		out[i] = cloneNotification(n)
	}
	return out
}

// appendMessage appends m to a copy of msgs, leaving the backing array
// of msgs untouched.
func appendMessage(msgs []domain.Message, m domain.Message) []domain.Message {
	return append(slices.Clip(msgs), m)
}

// mergeHistory returns the union of existing and page keyed by id.
// Entries in existing win. With prepend the new entries go in front of
// existing, otherwise the union is sorted by creation time.
func mergeHistory(existing, page []domain.Message, prepend bool) []domain.Message {
	seen := make(map[string]struct{}, len(existing)+len(page))
	kept := make([]domain.Message, 0, len(existing))
	for _, m := range existing {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		kept = append(kept, m)
	}
	fresh := make([]domain.Message, 0, len(page)+len(kept))
	for _, m := range page {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		fresh = append(fresh, cloneMessage(m))
	}
	sortByCreatedAt(fresh)
	if prepend {
		return append(fresh, kept...)
	}
	out := append(kept, fresh...)
	sortByCreatedAt(out)
	return out
}

func sortByCreatedAt(msgs []domain.Message) {
	slices.SortStableFunc(msgs, func(a, b domain.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

func indexOfMessage(msgs []domain.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

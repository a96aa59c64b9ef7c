package store

import domain "github.com/example/chat-sync/domain/chat"

// Action is a state change request or an intent.
type Action interface {
	ActionType() string
}

// Chat slice actions.
type (
	SetSocketConnected struct{ Connected bool }
	SetRooms           struct{ Rooms []domain.Room }
	AddRoom            struct{ Room domain.Room }
	UpdateRoom         struct{ Room domain.Room }
	RemoveUserFromRoom struct {
		RoomID string
		UserID string
	}
	SetSelectedRoom   struct{ RoomID string }
	ClearSelectedRoom struct{}
	AddMessage        struct {
		RoomID  string
		Message domain.Message
	}
	// ReceiveMessage is the real-time ingestion path. A known id is
	// replaced in place instead of appended.
	ReceiveMessage struct{ Message domain.Message }
	SetMessages    struct {
		RoomID   string
		Messages []domain.Message
	}
	// MergeHistory folds a fetched page into a room's list. Messages the
	// room already holds win over page entries with the same id. With
	// Prepend the page goes in front of the list, otherwise the union is
	// sorted by creation time. The room is marked loaded.
	MergeHistory struct {
		RoomID  string
		Page    []domain.Message
		Prepend bool
		HasMore bool
	}
	MarkRoomMessagesLoaded struct{ RoomID string }
	SetUnreadCount         struct {
		RoomID string
		Count  int
	}
	SetHasMoreMessages struct {
		RoomID  string
		HasMore bool
	}
	SetLoadingRooms    struct{ Loading bool }
	SetLoadingMessages struct{ Loading bool }
)

// Intents. The reconciler middleware translates these into transport
// calls before they reach the reducer.
type (
	InitializeSocket struct{ User domain.User }
	DisconnectSocket struct{}
	SendMessage      struct{ Message domain.Message }
	JoinRoom         struct{ RoomID string }
	QuitRoom         struct{ RoomID string }
	InviteToRoom     struct {
		RoomID  string
		UserIDs []string
	}
)

// Notification slice actions.
type (
	AddNotification      struct{ Notification domain.Notification }
	MarkNotificationRead struct{ ID string }
	SetNotifications     struct{ Notifications []domain.Notification }
)

// Rehydrate restores a persisted snapshot.
type Rehydrate struct{ Snapshot Snapshot }

func (SetSocketConnected) ActionType() string     { return "chat/setSocketConnected" }
func (SetRooms) ActionType() string               { return "chat/setRooms" }
func (AddRoom) ActionType() string                { return "chat/addRoom" }
func (UpdateRoom) ActionType() string             { return "chat/updateRoom" }
func (RemoveUserFromRoom) ActionType() string     { return "chat/removeUserFromRoom" }
func (SetSelectedRoom) ActionType() string        { return "chat/setSelectedRoom" }
func (ClearSelectedRoom) ActionType() string      { return "chat/clearSelectedRoom" }
func (AddMessage) ActionType() string             { return "chat/addMessage" }
func (ReceiveMessage) ActionType() string         { return "chat/receiveMessage" }
func (SetMessages) ActionType() string            { return "chat/setMessages" }
func (MergeHistory) ActionType() string           { return "chat/mergeHistory" }
func (MarkRoomMessagesLoaded) ActionType() string { return "chat/markRoomMessagesLoaded" }
func (SetUnreadCount) ActionType() string         { return "chat/setUnreadCount" }
func (SetHasMoreMessages) ActionType() string     { return "chat/setHasMoreMessages" }
func (SetLoadingRooms) ActionType() string        { return "chat/setLoadingRooms" }
func (SetLoadingMessages) ActionType() string     { return "chat/setLoadingMessages" }
func (InitializeSocket) ActionType() string       { return "socket/initialize" }
func (DisconnectSocket) ActionType() string       { return "socket/disconnect" }
func (SendMessage) ActionType() string            { return "socket/sendMessage" }
func (JoinRoom) ActionType() string               { return "socket/joinRoom" }
func (QuitRoom) ActionType() string               { return "socket/quitRoom" }
func (InviteToRoom) ActionType() string           { return "socket/inviteToRoom" }
func (AddNotification) ActionType() string        { return "notification/addNotification" }
func (MarkNotificationRead) ActionType() string   { return "notification/markAsRead" }
func (SetNotifications) ActionType() string       { return "notification/setNotifications" }
func (Rehydrate) ActionType() string              { return "persist/rehydrate" }

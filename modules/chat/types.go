package chat

import (
	"errors"
	"strings"
	"unicode/utf8"

	domain "github.com/example/chat-sync/domain/chat"
)

// Validation constants
const (
	MaxUsernameLength = 50
	MaxRoomNameLength = 100
	MaxMessageLength  = 5000

	DefaultMessageLimit = 30
	MaxMessageLimit     = 100
	DefaultUserLimit    = 50
	MaxUserLimit        = 200
)

// Validation errors
var (
	ErrUsernameEmpty   = errors.New("username cannot be empty")
	ErrUsernameTooLong = errors.New("username exceeds maximum length")
	ErrUserIDEmpty     = errors.New("user id cannot be empty")
	ErrRoomNameEmpty   = errors.New("room name cannot be empty")
	ErrRoomNameTooLong = errors.New("room name exceeds maximum length")
	ErrRoomIDEmpty     = errors.New("room id cannot be empty")
	ErrMessageIDEmpty  = errors.New("message id cannot be empty")
	ErrMessageEmpty    = errors.New("message content cannot be empty")
	ErrMessageTooLong  = errors.New("message exceeds maximum length")
	ErrInvalidText     = errors.New("text contains invalid characters")
	ErrInvalidAction   = errors.New("action must be add or remove")
	ErrNoSelector      = errors.New("missing required parameters: id, room_id, or all")
)

// Service names, prefixed by the framework with "services.chat.".
const (
	ServiceUpsertUser        = "upsert-user"
	ServiceLookupUsers       = "lookup-users"
	ServiceListUsers         = "list-users"
	ServiceListRooms         = "list-rooms"
	ServiceCreateRoom        = "create-room"
	ServiceRenameRoom        = "rename-room"
	ServiceJoinRoom          = "join-room"
	ServiceLeaveRoom         = "leave-room"
	ServiceInvite            = "invite"
	ServiceSendMessage       = "send-message"
	ServiceGetMessages       = "get-messages"
	ServiceDeleteMessages    = "delete-messages"
	ServiceUpdateActiveRooms = "update-active-rooms"
	ServiceSendNotification  = "send-notification"
)

// Active room actions.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

type UpsertUserRequest struct {
	User domain.User `json:"user"`
}

type UpsertUserResponse struct {
	User domain.User `json:"user"`
}

type LookupUsersRequest struct {
	UserIDs []string `json:"user_ids"`
}

type LookupUsersResponse struct {
	Users []domain.User `json:"users"`
}

type ListUsersRequest struct {
	Search string `json:"search,omitempty"`
	Role   string `json:"role,omitempty"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type ListUsersResponse struct {
	Users  []domain.User `json:"users"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type ListRoomsRequest struct {
	UserID string `json:"user_id"`
}

type ListRoomsResponse struct {
	Rooms []domain.Room `json:"rooms"`
}

type CreateRoomRequest struct {
	Name      string   `json:"name"`
	CreatedBy string   `json:"created_by"`
	UserIDs   []string `json:"user_ids,omitempty"`
}

type RenameRoomRequest struct {
	RoomID string `json:"room_id"`
	Name   string `json:"name"`
}

// RoomResponse carries a single room.
type RoomResponse struct {
	Room domain.Room `json:"room"`
}

type MembershipRequest struct {
	RoomID  string   `json:"room_id"`
	UserIDs []string `json:"user_ids"`
}

type MembershipResponse struct {
	Room  domain.Room `json:"room"`
	Added []string    `json:"added,omitempty"`
}

type SendMessageRequest struct {
	Message      domain.Message `json:"message"`
	OriginConnID string         `json:"origin_conn_id,omitempty"`
}

type SendMessageResponse struct {
	Message domain.Message `json:"message"`
	Created bool           `json:"created"`
}

type GetMessagesRequest struct {
	RoomID string `json:"room_id"`
	Limit  int    `json:"limit"`
	Before string `json:"before,omitempty"`
}

type GetMessagesResponse struct {
	Messages []domain.Message `json:"messages"`
}

// DeleteMessagesRequest selects messages by id, by room, or all of them.
type DeleteMessagesRequest struct {
	RequestedBy string `json:"requested_by"`
	ID          string `json:"id,omitempty"`
	RoomID      string `json:"room_id,omitempty"`
	All         bool   `json:"all,omitempty"`
}

type DeleteMessagesResponse struct {
	Deleted int64  `json:"deleted"`
	Message string `json:"message"`
}

type UpdateActiveRoomsRequest struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
	Action string `json:"action"`
}

type SendNotificationRequest struct {
	Notification domain.Notification `json:"notification"`
}

type SendNotificationResponse struct {
	Notification domain.Notification `json:"notification"`
}

// AckResponse is returned by services without a payload.
type AckResponse struct {
	Success bool `json:"success"`
}

// ValidateUser validates an identity record.
func ValidateUser(u domain.User) error {
	if strings.TrimSpace(u.UserID) == "" {
		return ErrUserIDEmpty
	}
	if strings.TrimSpace(u.Username) == "" {
		return ErrUsernameEmpty
	}
	if len(u.Username) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	if !utf8.ValidString(u.Username) {
		return ErrInvalidText
	}
	return nil
}

// ValidateRoomName validates a room name.
func ValidateRoomName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrRoomNameEmpty
	}
	if len(name) > MaxRoomNameLength {
		return ErrRoomNameTooLong
	}
	if !utf8.ValidString(name) {
		return ErrInvalidText
	}
	return nil
}

// ValidateMessage validates a message before it is stored.
func ValidateMessage(m domain.Message) error {
	if m.ID == "" {
		return ErrMessageIDEmpty
	}
	if m.RoomID == "" {
		return ErrRoomIDEmpty
	}
	if m.Content == "" && !m.Streaming {
		return ErrMessageEmpty
	}
	if len(m.Content) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if !utf8.ValidString(m.Content) {
		return ErrInvalidText
	}
	return nil
}

// clampLimit returns limit bounded to (0, ceiling], or def when unset.
func clampLimit(limit, def, ceiling int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, ceiling)
}

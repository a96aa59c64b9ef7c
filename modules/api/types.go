package api

import (
	"encoding/json"

	domain "github.com/example/chat-sync/domain/chat"
)

// Socket events read from clients.
const (
	EventJoinRoom     = "join_room"
	EventQuitRoom     = "quit_room"
	EventInviteToRoom = "invite_to_room"
	EventMessage      = "message"
	EventNotification = "notification"
)

// InboundFrame is a socket frame sent by a client.
type InboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// InvitePayload is the data of an invite_to_room frame.
type InvitePayload struct {
	RoomID  string   `json:"roomId"`
	UserIDs []string `json:"userIds"`
}

// SocketError is the data of an error frame.
type SocketError struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// RoomUsersRequest is the body of POST /rooms.
type RoomUsersRequest struct {
	UserIDs []string `json:"userIds"`
}

// LookupUsersRequest is the body of POST /users.
type LookupUsersRequest struct {
	UserIDs []string `json:"user_ids"`
}

// UsersResponse carries hydrated users.
type UsersResponse struct {
	Users []domain.User `json:"users"`
}

// CreateRoomRequest is the body of POST /rooms/create.
type CreateRoomRequest struct {
	Name    string   `json:"name"`
	UserIDs []string `json:"userIds"`
}

// RenameRoomRequest is the body of PUT /rooms/:id.
type RenameRoomRequest struct {
	Name string `json:"name"`
}

// DeleteMessagesRequest is the body of DELETE /messages.
type DeleteMessagesRequest struct {
	ID     string `json:"id"`
	RoomID string `json:"room_id"`
	All    bool   `json:"all"`
}

// DeleteMessagesResponse reports a delete.
type DeleteMessagesResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Deleted int64  `json:"deleted"`
}

// ActiveRoomsRequest is the body of POST /active_rooms.
type ActiveRoomsRequest struct {
	RoomID string `json:"roomId"`
	Action string `json:"action"`
	UserID string `json:"userId,omitempty"`
}

// SuccessResponse acknowledges a side effect.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// Pagination describes a directory page.
type Pagination struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// UserPageResponse is the body of GET /users.
type UserPageResponse struct {
	Users      []domain.User `json:"users"`
	Pagination Pagination    `json:"pagination"`
}

// TokenResponse is the body of POST /auth/token.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// ErrorResponse is the API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the API health check response.
type HealthResponse struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

package restapi

import domain "github.com/example/chat-sync/domain/chat"

// ActiveRoomAction is the membership change sent to /active_rooms.
type ActiveRoomAction string

const (
	ActionAdd    ActiveRoomAction = "add"
	ActionRemove ActiveRoomAction = "remove"
)

// UserFilter narrows ListUsers.
type UserFilter struct {
	Search string
	Role   string
	Limit  int
	Offset int
}

// Pagination describes a directory page.
type Pagination struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// UserPage is a page of the user directory.
type UserPage struct {
	Users      []domain.User `json:"users"`
	Pagination Pagination    `json:"pagination"`
}

// DeleteSelector picks what DeleteMessages removes. Exactly one field
// should be set.
type DeleteSelector struct {
	ID     string `json:"id,omitempty"`
	RoomID string `json:"room_id,omitempty"`
	All    bool   `json:"all,omitempty"`
}

type roomUsersRequest struct {
	UserIDs []string `json:"userIds"`
}

type lookupUsersRequest struct {
	UserIDs []string `json:"user_ids"`
}

type usersResponse struct {
	Users []domain.User `json:"users"`
}

type activeRoomsRequest struct {
	RoomID string           `json:"roomId"`
	Action ActiveRoomAction `json:"action"`
}

type createRoomRequest struct {
	Name    string   `json:"name"`
	UserIDs []string `json:"userIds"`
}

type renameRoomRequest struct {
	Name string `json:"name"`
}

type deleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Deleted int64  `json:"deleted"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

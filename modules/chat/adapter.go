package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"

	domain "github.com/example/chat-sync/domain/chat"
)

// ChatPort defines the chat operations other modules depend on.
type ChatPort interface {
	UpsertUser(ctx context.Context, u domain.User) (domain.User, error)
	LookupUsers(ctx context.Context, ids []string) ([]domain.User, error)
	ListUsers(ctx context.Context, req ListUsersRequest) (ListUsersResponse, error)
	ListRooms(ctx context.Context, userID string) ([]domain.Room, error)
	CreateRoom(ctx context.Context, name, createdBy string, userIDs []string) (domain.Room, error)
	RenameRoom(ctx context.Context, roomID, name string) (domain.Room, error)
	JoinRoom(ctx context.Context, roomID, userID string) (MembershipResponse, error)
	LeaveRoom(ctx context.Context, roomID, userID string) (domain.Room, error)
	Invite(ctx context.Context, roomID string, userIDs []string) (MembershipResponse, error)
	SendMessage(ctx context.Context, m domain.Message, originConnID string) (SendMessageResponse, error)
	GetMessages(ctx context.Context, roomID string, limit int, before string) ([]domain.Message, error)
	DeleteMessages(ctx context.Context, req DeleteMessagesRequest) (DeleteMessagesResponse, error)
	UpdateActiveRooms(ctx context.Context, userID, roomID, action string) error
	SendNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)
}

var (
	_ ChatPort = (*Service)(nil)
	_ ChatPort = (*ChatAdapter)(nil)
)

// remoteErrors are matched by text on replies, most specific first.
var remoteErrors = []error{
	ErrUsernameEmpty, ErrUsernameTooLong, ErrUserIDEmpty,
	ErrRoomNameEmpty, ErrRoomNameTooLong, ErrRoomIDEmpty,
	ErrMessageIDEmpty, ErrMessageEmpty, ErrMessageTooLong,
	ErrInvalidText, ErrInvalidAction, ErrNoSelector,
	ErrForbidden, ErrNotFound,
}

// ChatAdapter implements ChatPort over the chat module's services.
type ChatAdapter struct {
	container mono.ServiceContainer
}

// NewChatAdapter creates a new ChatAdapter.
func NewChatAdapter(container mono.ServiceContainer) *ChatAdapter {
	if container == nil {
		panic("chat: ServiceContainer is nil")
	}
	return &ChatAdapter{container: container}
}

func (a *ChatAdapter) call(ctx context.Context, service string, req, resp any) error {
	err := helper.CallRequestReplyService(ctx, a.container, service, json.Marshal, json.Unmarshal, req, &resp)
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, known := range remoteErrors {
		if strings.Contains(msg, known.Error()) {
			return fmt.Errorf("%s service call failed: %s: %w", service, msg, known)
		}
	}
	return fmt.Errorf("%s service call failed: %w", service, err)
}

// UpsertUser registers or refreshes a directory entry.
func (a *ChatAdapter) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	var resp UpsertUserResponse
	if err := a.call(ctx, ServiceUpsertUser, &UpsertUserRequest{User: u}, &resp); err != nil {
		return domain.User{}, err
	}
	return resp.User, nil
}

// LookupUsers resolves user ids.
func (a *ChatAdapter) LookupUsers(ctx context.Context, ids []string) ([]domain.User, error) {
	var resp LookupUsersResponse
	if err := a.call(ctx, ServiceLookupUsers, &LookupUsersRequest{UserIDs: ids}, &resp); err != nil {
		return nil, err
	}
	if resp.Users == nil {
		resp.Users = []domain.User{}
	}
	return resp.Users, nil
}

// ListUsers returns one page of the directory.
func (a *ChatAdapter) ListUsers(ctx context.Context, req ListUsersRequest) (ListUsersResponse, error) {
	var resp ListUsersResponse
	if err := a.call(ctx, ServiceListUsers, &req, &resp); err != nil {
		return ListUsersResponse{}, err
	}
	if resp.Users == nil {
		resp.Users = []domain.User{}
	}
	return resp, nil
}

// ListRooms returns a user's room list.
func (a *ChatAdapter) ListRooms(ctx context.Context, userID string) ([]domain.Room, error) {
	var resp ListRoomsResponse
	if err := a.call(ctx, ServiceListRooms, &ListRoomsRequest{UserID: userID}, &resp); err != nil {
		return nil, err
	}
	if resp.Rooms == nil {
		resp.Rooms = []domain.Room{}
	}
	return resp.Rooms, nil
}

// CreateRoom creates a room.
func (a *ChatAdapter) CreateRoom(ctx context.Context, name, createdBy string, userIDs []string) (domain.Room, error) {
	var resp RoomResponse
	req := CreateRoomRequest{Name: name, CreatedBy: createdBy, UserIDs: userIDs}
	if err := a.call(ctx, ServiceCreateRoom, &req, &resp); err != nil {
		return domain.Room{}, err
	}
	return resp.Room, nil
}

// RenameRoom renames a room.
func (a *ChatAdapter) RenameRoom(ctx context.Context, roomID, name string) (domain.Room, error) {
	var resp RoomResponse
	if err := a.call(ctx, ServiceRenameRoom, &RenameRoomRequest{RoomID: roomID, Name: name}, &resp); err != nil {
		return domain.Room{}, err
	}
	return resp.Room, nil
}

// JoinRoom makes userID a member of roomID.
func (a *ChatAdapter) JoinRoom(ctx context.Context, roomID, userID string) (MembershipResponse, error) {
	var resp MembershipResponse
	req := MembershipRequest{RoomID: roomID, UserIDs: []string{userID}}
	if err := a.call(ctx, ServiceJoinRoom, &req, &resp); err != nil {
		return MembershipResponse{}, err
	}
	return resp, nil
}

// LeaveRoom drops userID from roomID.
func (a *ChatAdapter) LeaveRoom(ctx context.Context, roomID, userID string) (domain.Room, error) {
	var resp RoomResponse
	req := MembershipRequest{RoomID: roomID, UserIDs: []string{userID}}
	if err := a.call(ctx, ServiceLeaveRoom, &req, &resp); err != nil {
		return domain.Room{}, err
	}
	return resp.Room, nil
}

// Invite adds userIDs to roomID.
func (a *ChatAdapter) Invite(ctx context.Context, roomID string, userIDs []string) (MembershipResponse, error) {
	var resp MembershipResponse
	req := MembershipRequest{RoomID: roomID, UserIDs: userIDs}
	if err := a.call(ctx, ServiceInvite, &req, &resp); err != nil {
		return MembershipResponse{}, err
	}
	return resp, nil
}

// SendMessage stores and announces a message.
func (a *ChatAdapter) SendMessage(ctx context.Context, m domain.Message, originConnID string) (SendMessageResponse, error) {
	var resp SendMessageResponse
	req := SendMessageRequest{Message: m, OriginConnID: originConnID}
	if err := a.call(ctx, ServiceSendMessage, &req, &resp); err != nil {
		return SendMessageResponse{}, err
	}
	return resp, nil
}

// GetMessages returns one page of history.
func (a *ChatAdapter) GetMessages(ctx context.Context, roomID string, limit int, before string) ([]domain.Message, error) {
	var resp GetMessagesResponse
	req := GetMessagesRequest{RoomID: roomID, Limit: limit, Before: before}
	if err := a.call(ctx, ServiceGetMessages, &req, &resp); err != nil {
		return nil, err
	}
	if resp.Messages == nil {
		resp.Messages = []domain.Message{}
	}
	return resp.Messages, nil
}

// DeleteMessages removes the selected messages.
func (a *ChatAdapter) DeleteMessages(ctx context.Context, req DeleteMessagesRequest) (DeleteMessagesResponse, error) {
	var resp DeleteMessagesResponse
	if err := a.call(ctx, ServiceDeleteMessages, &req, &resp); err != nil {
		return DeleteMessagesResponse{}, err
	}
	return resp, nil
}

// UpdateActiveRooms edits a user's room list.
func (a *ChatAdapter) UpdateActiveRooms(ctx context.Context, userID, roomID, action string) error {
	var resp AckResponse
	req := UpdateActiveRoomsRequest{UserID: userID, RoomID: roomID, Action: action}
	if err := a.call(ctx, ServiceUpdateActiveRooms, &req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s service call failed", ServiceUpdateActiveRooms)
	}
	return nil
}

// SendNotification delivers a notification.
func (a *ChatAdapter) SendNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	var resp SendNotificationResponse
	if err := a.call(ctx, ServiceSendNotification, &SendNotificationRequest{Notification: n}, &resp); err != nil {
		return domain.Notification{}, err
	}
	return resp.Notification, nil
}

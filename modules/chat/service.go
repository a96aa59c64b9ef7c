package chat

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	domain "github.com/example/chat-sync/domain/chat"
	"github.com/example/chat-sync/events"
)

// Cache is the cache-aside store used for user lookups.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

// Publisher fans chat events out to the rest of the application.
type Publisher interface {
	MessageSent(ev events.MessageSentEvent)
	RoomUpdated(ev events.RoomUpdatedEvent)
	NotificationSent(ev events.NotificationSentEvent)
}

// Service implements the chat operations on top of the repository.
type Service struct {
	repo      *Repository
	cache     Cache
	publisher Publisher
	sfGroup   singleflight.Group
}

// NewService creates a chat service. cache may be nil.
func NewService(repo *Repository, cache Cache, publisher Publisher) *Service {
	return &Service{
		repo:      repo,
		cache:     cache,
		publisher: publisher,
	}
}

func userCacheKey(id string) string {
	return "user:" + id
}

// UpsertUser registers or refreshes a directory entry.
func (s *Service) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	if err := ValidateUser(u); err != nil {
		return domain.User{}, err
	}
	stored, err := s.repo.UpsertUser(ctx, u)
	if err != nil {
		return domain.User{}, err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, userCacheKey(u.UserID)); err != nil {
			log.Printf("[chat] Warning: failed to invalidate user %s: %v", u.UserID, err)
		}
	}
	return stored, nil
}

// LookupUsers resolves ids to directory entries in request order. Unknown
// ids are left out. Cache misses are loaded from the database in a single
// query shared by concurrent callers asking for the same set.
func (s *Service) LookupUsers(ctx context.Context, ids []string) ([]domain.User, error) {
	ids = dedupe(ids)
	found := make(map[string]domain.User, len(ids))
	var missing []string

	for _, id := range ids {
		if s.cache == nil {
			missing = append(missing, id)
			continue
		}
		var u domain.User
		hit, err := s.cache.Get(ctx, userCacheKey(id), &u)
		if err != nil {
			log.Printf("[chat] Cache error for user %s: %v", id, err)
		}
		if hit {
			found[id] = u
		} else {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		key := slices.Clone(missing)
		slices.Sort(key)
		val, err, _ := s.sfGroup.Do("users:"+strings.Join(key, ","), func() (any, error) {
			return s.repo.FindUsers(ctx, missing)
		})
		if err != nil {
			return nil, err
		}
		for _, u := range val.([]domain.User) {
			found[u.UserID] = u
			if s.cache != nil {
				if err := s.cache.Set(ctx, userCacheKey(u.UserID), u); err != nil {
					log.Printf("[chat] Warning: failed to cache user %s: %v", u.UserID, err)
				}
			}
		}
	}

	users := make([]domain.User, 0, len(found))
	for _, id := range ids {
		if u, ok := found[id]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}

// ListUsers returns one page of the user directory.
func (s *Service) ListUsers(ctx context.Context, req ListUsersRequest) (ListUsersResponse, error) {
	q := UserQuery{
		Search: strings.TrimSpace(req.Search),
		Role:   req.Role,
		Limit:  clampLimit(req.Limit, DefaultUserLimit, MaxUserLimit),
		Offset: max(req.Offset, 0),
	}
	users, total, err := s.repo.ListUsers(ctx, q)
	if err != nil {
		return ListUsersResponse{}, err
	}
	return ListUsersResponse{Users: users, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// ListRooms returns userID's room list.
func (s *Service) ListRooms(ctx context.Context, userID string) ([]domain.Room, error) {
	if userID == "" {
		return nil, ErrUserIDEmpty
	}
	return s.repo.ListRooms(ctx, userID)
}

// CreateRoom creates a room with createdBy and userIDs as members.
func (s *Service) CreateRoom(ctx context.Context, name, createdBy string, userIDs []string) (domain.Room, error) {
	name = strings.TrimSpace(name)
	if err := ValidateRoomName(name); err != nil {
		return domain.Room{}, err
	}
	if createdBy == "" {
		return domain.Room{}, ErrUserIDEmpty
	}
	room, err := s.repo.CreateRoom(ctx, name, createdBy, userIDs)
	if err != nil {
		return domain.Room{}, err
	}
	added := make([]string, 0, len(room.ActiveUsers))
	for _, ref := range room.ActiveUsers {
		added = append(added, ref.Identifier())
	}
	s.publisher.RoomUpdated(events.RoomUpdatedEvent{Room: room, Added: added})
	log.Printf("[chat] Room %s (%s) created by %s", room.ID, room.Name, createdBy)
	return room, nil
}

// RenameRoom changes a room's name.
func (s *Service) RenameRoom(ctx context.Context, roomID, name string) (domain.Room, error) {
	name = strings.TrimSpace(name)
	if err := ValidateRoomName(name); err != nil {
		return domain.Room{}, err
	}
	room, err := s.repo.RenameRoom(ctx, roomID, name)
	if err != nil {
		return domain.Room{}, err
	}
	s.publisher.RoomUpdated(events.RoomUpdatedEvent{Room: room})
	return room, nil
}

// JoinRoom makes userID a member of roomID.
func (s *Service) JoinRoom(ctx context.Context, roomID, userID string) (MembershipResponse, error) {
	if userID == "" {
		return MembershipResponse{}, ErrUserIDEmpty
	}
	return s.addMembers(ctx, roomID, []string{userID})
}

// Invite adds userIDs to roomID.
func (s *Service) Invite(ctx context.Context, roomID string, userIDs []string) (MembershipResponse, error) {
	return s.addMembers(ctx, roomID, userIDs)
}

func (s *Service) addMembers(ctx context.Context, roomID string, userIDs []string) (MembershipResponse, error) {
	if roomID == "" {
		return MembershipResponse{}, ErrRoomIDEmpty
	}
	room, added, err := s.repo.AddMembers(ctx, roomID, userIDs)
	if err != nil {
		return MembershipResponse{}, err
	}
	if len(added) > 0 {
		s.publisher.RoomUpdated(events.RoomUpdatedEvent{Room: room, Added: added})
	}
	return MembershipResponse{Room: room, Added: added}, nil
}

// LeaveRoom drops userID from roomID's members.
func (s *Service) LeaveRoom(ctx context.Context, roomID, userID string) (domain.Room, error) {
	if roomID == "" {
		return domain.Room{}, ErrRoomIDEmpty
	}
	room, removed, err := s.repo.RemoveMember(ctx, roomID, userID)
	if err != nil {
		return domain.Room{}, err
	}
	if removed {
		s.publisher.RoomUpdated(events.RoomUpdatedEvent{Room: room})
	}
	return room, nil
}

// UpdateActiveRooms adds or removes roomID from userID's room list.
func (s *Service) UpdateActiveRooms(ctx context.Context, userID, roomID, action string) error {
	if userID == "" {
		return ErrUserIDEmpty
	}
	if roomID == "" {
		return ErrRoomIDEmpty
	}
	switch action {
	case ActionAdd:
		return s.repo.SetActiveRoom(ctx, userID, roomID, true)
	case ActionRemove:
		return s.repo.SetActiveRoom(ctx, userID, roomID, false)
	default:
		return ErrInvalidAction
	}
}

// SendMessage stores m and announces it. Resending an existing id updates
// the stored content in place. New messages notify the users they
// mention.
func (s *Service) SendMessage(ctx context.Context, m domain.Message, originConnID string) (SendMessageResponse, error) {
	if err := ValidateMessage(m); err != nil {
		return SendMessageResponse{}, err
	}
	if m.Sender.Identifier() == "" {
		return SendMessageResponse{}, ErrUserIDEmpty
	}
	stored, created, err := s.repo.SaveMessage(ctx, m)
	if err != nil {
		return SendMessageResponse{}, err
	}

	out := m
	out.CreatedAt = stored.CreatedAt
	s.publisher.MessageSent(events.MessageSentEvent{Message: out, OriginConnID: originConnID})

	if created && len(m.Mentions) > 0 {
		s.notifyMentions(ctx, out)
	}
	return SendMessageResponse{Message: stored, Created: created}, nil
}

func (s *Service) notifyMentions(ctx context.Context, m domain.Message) {
	senderID := m.Sender.Identifier()
	var recipients []string
	for _, u := range m.Mentions {
		if u.UserID != "" && u.UserID != senderID && !slices.Contains(recipients, u.UserID) {
			recipients = append(recipients, u.UserID)
		}
	}
	if len(recipients) == 0 {
		return
	}

	sender := m.Sender
	if !sender.Resolved() {
		if users, err := s.LookupUsers(ctx, []string{senderID}); err == nil && len(users) == 1 {
			sender = domain.Embed(users[0])
		}
	}
	name := senderID
	if sender.User != nil {
		name = sender.User.Username
	}
	roomName := m.RoomID
	if room, err := s.repo.GetRoom(ctx, m.RoomID); err == nil {
		roomName = room.Name
	}

	n := domain.Notification{
		ID:         uuid.NewString(),
		Message:    fmt.Sprintf("@%s mentioned you in %s", name, roomName),
		Sender:     sender,
		CreatedAt:  time.Now().UTC(),
		RoomID:     m.RoomID,
		Recipients: recipients,
	}
	s.publisher.NotificationSent(events.NotificationSentEvent{Notification: n, Recipients: recipients})
}

// GetMessages returns one page of a room's history, oldest first.
func (s *Service) GetMessages(ctx context.Context, roomID string, limit int, before string) ([]domain.Message, error) {
	if roomID == "" {
		return nil, ErrRoomIDEmpty
	}
	return s.repo.Messages(ctx, roomID, clampLimit(limit, DefaultMessageLimit, MaxMessageLimit), before)
}

// DeleteMessages removes the messages req selects. Room deletes need
// membership and single deletes need authorship.
func (s *Service) DeleteMessages(ctx context.Context, req DeleteMessagesRequest) (DeleteMessagesResponse, error) {
	switch {
	case req.All:
		n, err := s.repo.DeleteAllMessages(ctx)
		if err != nil {
			return DeleteMessagesResponse{}, err
		}
		log.Printf("[chat] %s deleted all messages (%d)", req.RequestedBy, n)
		return DeleteMessagesResponse{
			Deleted: n,
			Message: fmt.Sprintf("All messages deleted successfully. %d messages removed.", n),
		}, nil

	case req.RoomID != "":
		if _, err := s.repo.GetRoom(ctx, req.RoomID); err != nil {
			return DeleteMessagesResponse{}, err
		}
		member, err := s.repo.IsMember(ctx, req.RoomID, req.RequestedBy)
		if err != nil {
			return DeleteMessagesResponse{}, err
		}
		if !member {
			return DeleteMessagesResponse{}, fmt.Errorf("no access to room %s: %w", req.RoomID, ErrForbidden)
		}
		n, err := s.repo.DeleteRoomMessages(ctx, req.RoomID)
		if err != nil {
			return DeleteMessagesResponse{}, err
		}
		return DeleteMessagesResponse{
			Deleted: n,
			Message: fmt.Sprintf("All messages in room deleted successfully. %d messages removed.", n),
		}, nil

	case req.ID != "":
		m, err := s.repo.FindMessage(ctx, req.ID)
		if err != nil {
			return DeleteMessagesResponse{}, err
		}
		if !m.Sender.Matches(req.RequestedBy) {
			return DeleteMessagesResponse{}, fmt.Errorf("cannot delete another user's message: %w", ErrForbidden)
		}
		n, err := s.repo.DeleteMessage(ctx, req.ID)
		if err != nil {
			return DeleteMessagesResponse{}, err
		}
		return DeleteMessagesResponse{Deleted: n, Message: "Message deleted successfully"}, nil
	}
	return DeleteMessagesResponse{}, ErrNoSelector
}

// SendNotification stamps n and delivers it to its recipients. Without
// explicit recipients it goes to the other members of n.RoomID.
func (s *Service) SendNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if strings.TrimSpace(n.Message) == "" {
		return domain.Notification{}, ErrMessageEmpty
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	recipients := dedupe(n.Recipients)
	if len(recipients) == 0 && n.RoomID != "" {
		room, err := s.repo.GetRoom(ctx, n.RoomID)
		if err != nil {
			return domain.Notification{}, err
		}
		for _, ref := range room.ActiveUsers {
			if !n.Sender.Matches(ref.Identifier()) {
				recipients = append(recipients, ref.Identifier())
			}
		}
	}
	n.Recipients = recipients
	if len(recipients) > 0 {
		s.publisher.NotificationSent(events.NotificationSentEvent{Notification: n, Recipients: recipients})
	}
	return n, nil
}

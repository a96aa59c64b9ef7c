package chat

import (
	"time"

	domain "github.com/example/chat-sync/domain/chat"
)

// UserRecord is a directory entry.
type UserRecord struct {
	ID        string    `gorm:"primaryKey;size:128"`
	Username  string    `gorm:"size:50;not null;index"`
	Email     string    `gorm:"size:255;index"`
	Avatar    string    `gorm:"size:500"`
	Role      string    `gorm:"size:16;not null;default:user;index"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TableName returns the table name for UserRecord.
func (UserRecord) TableName() string {
	return "users"
}

func (u UserRecord) toDomain() domain.User {
	return domain.User{
		UserID:   u.ID,
		Username: u.Username,
		Email:    u.Email,
		Avatar:   u.Avatar,
		Role:     u.Role,
	}
}

// RoomRecord is a chat room.
type RoomRecord struct {
	ID          string    `gorm:"primaryKey;size:32"`
	Name        string    `gorm:"size:100;not null"`
	CreatedBy   string    `gorm:"size:128;not null"`
	CreatedAt   time.Time `gorm:"not null"`
	LastUpdated time.Time `gorm:"not null;index"`
}

// TableName returns the table name for RoomRecord.
func (RoomRecord) TableName() string {
	return "rooms"
}

func (r RoomRecord) toDomain(members []string) domain.Room {
	refs := make([]domain.UserRef, 0, len(members))
	for _, id := range members {
		refs = append(refs, domain.Ref(id))
	}
	return domain.Room{
		ID:          r.ID,
		Name:        r.Name,
		CreatedAt:   r.CreatedAt,
		LastUpdated: r.LastUpdated,
		ActiveUsers: refs,
	}
}

// Membership places a user in a room's active_users.
type Membership struct {
	RoomID   string    `gorm:"primaryKey;size:32"`
	UserID   string    `gorm:"primaryKey;size:128;index"`
	JoinedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for Membership.
func (Membership) TableName() string {
	return "room_members"
}

// ActiveRoom lists a room in a user's room list.
type ActiveRoom struct {
	UserID  string    `gorm:"primaryKey;size:128"`
	RoomID  string    `gorm:"primaryKey;size:32;index"`
	AddedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for ActiveRoom.
func (ActiveRoom) TableName() string {
	return "active_rooms"
}

// MessageRecord is a stored message. Seq orders messages that share a
// timestamp. The sender is kept as a bare id.
type MessageRecord struct {
	Seq       uint64        `gorm:"primaryKey;autoIncrement"`
	ID        string        `gorm:"uniqueIndex;size:64;not null"`
	RoomID    string        `gorm:"index:idx_messages_room_created,priority:1;size:32;not null"`
	SenderID  string        `gorm:"size:128;not null;index"`
	Content   string        `gorm:"type:text;not null"`
	Mentions  []domain.User `gorm:"serializer:json"`
	Streaming bool          `gorm:"not null;default:false"`
	CreatedAt time.Time     `gorm:"index:idx_messages_room_created,priority:2;not null"`
	UpdatedAt time.Time
}

// TableName returns the table name for MessageRecord.
func (MessageRecord) TableName() string {
	return "messages"
}

func (m MessageRecord) toDomain() domain.Message {
	return domain.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Sender:    domain.Ref(m.SenderID),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Mentions:  m.Mentions,
		Streaming: m.Streaming,
	}
}

// allModels lists the tables AutoMigrate manages.
func allModels() []any {
	return []any{&UserRecord{}, &RoomRecord{}, &Membership{}, &ActiveRoom{}, &MessageRecord{}}
}

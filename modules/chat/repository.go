package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/example/chat-sync/domain/chat"
)

var (
	// ErrNotFound is returned when a room, user or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the caller may not touch a resource.
	ErrForbidden = errors.New("forbidden")
)

const roomIDLength = 12

// UserQuery filters the user directory.
type UserQuery struct {
	Search string
	Role   string
	Limit  int
	Offset int
}

// Repository provides access to chat storage.
type Repository struct {
	db     *gorm.DB
	roomID func() string
}

// NewRepository creates a new chat repository.
func NewRepository(db *gorm.DB) (*Repository, error) {
	gen, err := nanoid.Standard(roomIDLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create room id generator: %w", err)
	}
	return &Repository{db: db, roomID: gen}, nil
}

// UpsertUser creates or refreshes a directory entry.
func (r *Repository) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	rec := UserRecord{
		ID:       u.UserID,
		Username: u.Username,
		Email:    u.Email,
		Avatar:   u.Avatar,
		Role:     u.Role,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "email", "avatar", "role", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return domain.User{}, fmt.Errorf("failed to upsert user: %w", err)
	}
	return rec.toDomain(), nil
}

// FindUsers returns the known users among ids. Unknown ids are skipped.
func (r *Repository) FindUsers(ctx context.Context, ids []string) ([]domain.User, error) {
	if len(ids) == 0 {
		return []domain.User{}, nil
	}
	var recs []UserRecord
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to find users: %w", err)
	}
	users := make([]domain.User, 0, len(recs))
	for _, rec := range recs {
		users = append(users, rec.toDomain())
	}
	return users, nil
}

// ListUsers returns one page of the directory, newest first, and the
// total number of matches.
func (r *Repository) ListUsers(ctx context.Context, q UserQuery) ([]domain.User, int64, error) {
	filter := func(db *gorm.DB) *gorm.DB {
		if q.Search != "" {
			like := "%" + strings.ToLower(q.Search) + "%"
			db = db.Where("LOWER(username) LIKE ? OR LOWER(email) LIKE ?", like, like)
		}
		if q.Role != "" {
			db = db.Where("role = ?", q.Role)
		}
		return db
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&UserRecord{}).Scopes(filter).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	var recs []UserRecord
	err := r.db.WithContext(ctx).Scopes(filter).
		Order("created_at DESC").Order("id").
		Limit(q.Limit).Offset(q.Offset).
		Find(&recs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	users := make([]domain.User, 0, len(recs))
	for _, rec := range recs {
		users = append(users, rec.toDomain())
	}
	return users, total, nil
}

// ListRooms returns the rooms in userID's room list, most recently
// active first.
func (r *Repository) ListRooms(ctx context.Context, userID string) ([]domain.Room, error) {
	var recs []RoomRecord
	err := r.db.WithContext(ctx).
		Joins("JOIN active_rooms ON active_rooms.room_id = rooms.id").
		Where("active_rooms.user_id = ?", userID).
		Order("rooms.last_updated DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return r.withMembers(r.db.WithContext(ctx), recs)
}

// GetRoom retrieves a room with its members.
func (r *Repository) GetRoom(ctx context.Context, id string) (domain.Room, error) {
	return r.getRoom(r.db.WithContext(ctx), id)
}

func (r *Repository) getRoom(tx *gorm.DB, id string) (domain.Room, error) {
	var rec RoomRecord
	if err := tx.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Room{}, ErrNotFound
		}
		return domain.Room{}, fmt.Errorf("failed to find room: %w", err)
	}
	rooms, err := r.withMembers(tx, []RoomRecord{rec})
	if err != nil {
		return domain.Room{}, err
	}
	return rooms[0], nil
}

func (r *Repository) withMembers(tx *gorm.DB, recs []RoomRecord) ([]domain.Room, error) {
	rooms := make([]domain.Room, 0, len(recs))
	if len(recs) == 0 {
		return rooms, nil
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	var members []Membership
	if err := tx.Where("room_id IN ?", ids).Order("joined_at").Order("user_id").Find(&members).Error; err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}
	byRoom := make(map[string][]string, len(recs))
	for _, mb := range members {
		byRoom[mb.RoomID] = append(byRoom[mb.RoomID], mb.UserID)
	}
	for _, rec := range recs {
		rooms = append(rooms, rec.toDomain(byRoom[rec.ID]))
	}
	return rooms, nil
}

// CreateRoom creates a room owned by createdBy. The creator and members
// join it and it is added to each of their room lists.
func (r *Repository) CreateRoom(ctx context.Context, name, createdBy string, members []string) (domain.Room, error) {
	now := time.Now().UTC()
	rec := RoomRecord{
		ID:          r.roomID(),
		Name:        name,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		LastUpdated: now,
	}
	users := dedupe(append([]string{createdBy}, members...))

	var room domain.Room
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		if err := addMembers(tx, rec.ID, users, now); err != nil {
			return err
		}
		var err error
		room, err = r.getRoom(tx, rec.ID)
		return err
	})
	if err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

// RenameRoom changes a room's name.
func (r *Repository) RenameRoom(ctx context.Context, id, name string) (domain.Room, error) {
	db := r.db.WithContext(ctx)
	result := db.Model(&RoomRecord{}).Where("id = ?", id).Updates(map[string]any{
		"name":         name,
		"last_updated": time.Now().UTC(),
	})
	if err := result.Error; err != nil {
		return domain.Room{}, fmt.Errorf("failed to rename room: %w", err)
	}
	if result.RowsAffected == 0 {
		return domain.Room{}, ErrNotFound
	}
	return r.getRoom(db, id)
}

// AddMembers joins userIDs to a room and lists it for them. It returns
// the room and the ids that were not members before.
func (r *Repository) AddMembers(ctx context.Context, roomID string, userIDs []string) (domain.Room, []string, error) {
	userIDs = dedupe(userIDs)
	var (
		room  domain.Room
		added []string
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := r.getRoom(tx, roomID)
		if err != nil {
			return err
		}
		for _, id := range userIDs {
			if !before.HasMember(id) {
				added = append(added, id)
			}
		}
		now := time.Now().UTC()
		if err := addMembers(tx, roomID, userIDs, now); err != nil {
			return err
		}
		if len(added) > 0 {
			if err := touchRoom(tx, roomID, now); err != nil {
				return err
			}
		}
		room, err = r.getRoom(tx, roomID)
		return err
	})
	if err != nil {
		return domain.Room{}, nil, err
	}
	return room, added, nil
}

// RemoveMember drops userID from a room's members. The room stays in the
// user's room list. removed is false when the user was not a member.
func (r *Repository) RemoveMember(ctx context.Context, roomID, userID string) (room domain.Room, removed bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := r.getRoom(tx, roomID); err != nil {
			return err
		}
		result := tx.Delete(&Membership{}, "room_id = ? AND user_id = ?", roomID, userID)
		if err := result.Error; err != nil {
			return fmt.Errorf("failed to remove member: %w", err)
		}
		removed = result.RowsAffected > 0
		if removed {
			if err := touchRoom(tx, roomID, time.Now().UTC()); err != nil {
				return err
			}
		}
		room, err = r.getRoom(tx, roomID)
		return err
	})
	return room, removed, err
}

// IsMember reports whether userID is in the room.
func (r *Repository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Membership{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return n > 0, nil
}

// SetActiveRoom adds or removes roomID from userID's room list. Both
// directions are idempotent.
func (r *Repository) SetActiveRoom(ctx context.Context, userID, roomID string, active bool) error {
	db := r.db.WithContext(ctx)
	if !active {
		if err := db.Delete(&ActiveRoom{}, "user_id = ? AND room_id = ?", userID, roomID).Error; err != nil {
			return fmt.Errorf("failed to remove active room: %w", err)
		}
		return nil
	}
	if _, err := r.getRoom(db, roomID); err != nil {
		return err
	}
	row := ActiveRoom{UserID: userID, RoomID: roomID, AddedAt: time.Now().UTC()}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to add active room: %w", err)
	}
	return nil
}

// SaveMessage stores m. A message whose id already exists is a streaming
// update: its content, mentions and streaming flag are replaced and the
// original timestamp kept. created reports whether a new row was written.
func (r *Repository) SaveMessage(ctx context.Context, m domain.Message) (stored domain.Message, created bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing MessageRecord
		err := tx.First(&existing, "id = ?", m.ID).Error
		switch {
		case err == nil:
			if existing.RoomID != m.RoomID {
				return fmt.Errorf("message %s belongs to another room: %w", m.ID, ErrForbidden)
			}
			existing.Content = m.Content
			existing.Mentions = m.Mentions
			existing.Streaming = m.Streaming
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("failed to update message: %w", err)
			}
			stored = existing.toDomain()
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to find message: %w", err)
		}

		if _, err := r.getRoom(tx, m.RoomID); err != nil {
			return err
		}
		rec := MessageRecord{
			ID:        m.ID,
			RoomID:    m.RoomID,
			SenderID:  m.Sender.Identifier(),
			Content:   m.Content,
			Mentions:  m.Mentions,
			Streaming: m.Streaming,
			CreatedAt: m.CreatedAt.UTC(),
		}
		if m.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		if err := touchRoom(tx, m.RoomID, time.Now().UTC()); err != nil {
			return err
		}
		stored = rec.toDomain()
		created = true
		return nil
	})
	return stored, created, err
}

// Messages returns up to limit messages of roomID older than the message
// with id before, oldest first. An empty before starts from the newest
// message. An unknown cursor yields an empty page.
func (r *Repository) Messages(ctx context.Context, roomID string, limit int, before string) ([]domain.Message, error) {
	db := r.db.WithContext(ctx)
	q := db.Where("room_id = ?", roomID)
	if before != "" {
		var cursor MessageRecord
		if err := db.First(&cursor, "id = ? AND room_id = ?", before, roomID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return []domain.Message{}, nil
			}
			return nil, fmt.Errorf("failed to find cursor: %w", err)
		}
		q = q.Where("created_at < ? OR (created_at = ? AND seq < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.Seq)
	}

	var recs []MessageRecord
	if err := q.Order("created_at DESC").Order("seq DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	msgs := make([]domain.Message, len(recs))
	for i, rec := range recs {
		msgs[len(recs)-1-i] = rec.toDomain()
	}
	return msgs, nil
}

// FindMessage retrieves a message by id.
func (r *Repository) FindMessage(ctx context.Context, id string) (domain.Message, error) {
	var rec MessageRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, ErrNotFound
		}
		return domain.Message{}, fmt.Errorf("failed to find message: %w", err)
	}
	return rec.toDomain(), nil
}

// DeleteMessage removes one message.
func (r *Repository) DeleteMessage(ctx context.Context, id string) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&MessageRecord{}, "id = ?", id)
	if err := result.Error; err != nil {
		return 0, fmt.Errorf("failed to delete message: %w", err)
	}
	if result.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	return result.RowsAffected, nil
}

// DeleteRoomMessages removes every message of a room.
func (r *Repository) DeleteRoomMessages(ctx context.Context, roomID string) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&MessageRecord{}, "room_id = ?", roomID)
	if err := result.Error; err != nil {
		return 0, fmt.Errorf("failed to delete room messages: %w", err)
	}
	return result.RowsAffected, nil
}

// DeleteAllMessages removes every stored message.
func (r *Repository) DeleteAllMessages(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&MessageRecord{})
	if err := result.Error; err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	return result.RowsAffected, nil
}

func addMembers(tx *gorm.DB, roomID string, userIDs []string, now time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]Membership, len(userIDs))
	listed := make([]ActiveRoom, len(userIDs))
	for i, id := range userIDs {
		members[i] = Membership{RoomID: roomID, UserID: id, JoinedAt: now}
		listed[i] = ActiveRoom{UserID: id, RoomID: roomID, AddedAt: now}
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&members).Error; err != nil {
		return fmt.Errorf("failed to add members: %w", err)
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&listed).Error; err != nil {
		return fmt.Errorf("failed to add active rooms: %w", err)
	}
	return nil
}

func touchRoom(tx *gorm.DB, roomID string, now time.Time) error {
	if err := tx.Model(&RoomRecord{}).Where("id = ?", roomID).Update("last_updated", now).Error; err != nil {
		return fmt.Errorf("failed to touch room: %w", err)
	}
	return nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Roles a user can carry.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// UnknownUsername is shown for senders that could not be resolved.
const UnknownUsername = "Unknown User"

// User is an identity record.
type User struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Role     string `json:"role,omitempty"`
}

// IsAnonymous reports whether the identity is not established yet.
func (u User) IsAnonymous() bool {
	return strings.TrimSpace(u.Username) == ""
}

// UnknownUser returns a render-ready placeholder for an unresolved id.
func UnknownUser(id string) User {
	return User{
		UserID:   id,
		Username: UnknownUsername,
		Role:     RoleUser,
	}
}

// UserRef is either a bare user id or an embedded user record.
// On the wire it is a JSON string or a JSON object.
type UserRef struct {
	ID   string
	User *User
}

// Ref returns a bare id reference.
func Ref(id string) UserRef {
	return UserRef{ID: id}
}

// Embed returns a reference carrying the full record.
func Embed(u User) UserRef {
	return UserRef{ID: u.UserID, User: &u}
}

// Identifier returns the user id regardless of shape.
func (r UserRef) Identifier() string {
	if r.User != nil && r.User.UserID != "" {
		return r.User.UserID
	}
	return r.ID
}

// Resolved reports whether the full record is present.
func (r UserRef) Resolved() bool {
	return r.User != nil
}

// Matches reports whether the reference points at id.
func (r UserRef) Matches(id string) bool {
	return id != "" && r.Identifier() == id
}

// MarshalJSON implements json.Marshaler.
func (r UserRef) MarshalJSON() ([]byte, error) {
	if r.User != nil {
		return json.Marshal(r.User)
	}
	return json.Marshal(r.ID)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*r = UserRef{}
		return nil
	case data[0] == '"':
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = Ref(id)
		return nil
	case data[0] == '{':
		var u User
		if err := json.Unmarshal(data, &u); err != nil {
			return err
		}
		*r = Embed(u)
		return nil
	default:
		return fmt.Errorf("user reference: unexpected JSON %s", data)
	}
}

// Message is a chat message.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Sender    UserRef   `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Mentions  []User    `json:"mentions,omitempty"`
	Streaming bool      `json:"streaming,omitempty"`
}

// Room is a chat room.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
	ActiveUsers []UserRef `json:"active_users"`
}

// HasMember reports whether userID is in the room.
func (r Room) HasMember(userID string) bool {
	for _, u := range r.ActiveUsers {
		if u.Matches(userID) {
			return true
		}
	}
	return false
}

// WithMember returns a copy of the room with ref added. Adding an
// existing member returns an unchanged copy.
func (r Room) WithMember(ref UserRef) Room {
	out := r.clone()
	if r.HasMember(ref.Identifier()) {
		return out
	}
	out.ActiveUsers = append(out.ActiveUsers, ref)
	return out
}

// WithoutMember returns a copy of the room without userID, matching
// both bare ids and embedded records.
func (r Room) WithoutMember(userID string) Room {
	out := r.clone()
	out.ActiveUsers = out.ActiveUsers[:0]
	for _, u := range r.ActiveUsers {
		if !u.Matches(userID) {
			out.ActiveUsers = append(out.ActiveUsers, u)
		}
	}
	return out
}

// Normalize returns a copy with a non-nil, duplicate free member list.
func (r Room) Normalize() Room {
	out := r
	out.ActiveUsers = make([]UserRef, 0, len(r.ActiveUsers))
	seen := make(map[string]bool, len(r.ActiveUsers))
	for _, u := range r.ActiveUsers {
		id := u.Identifier()
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out.ActiveUsers = append(out.ActiveUsers, u)
	}
	return out
}

func (r Room) clone() Room {
	out := r
	out.ActiveUsers = make([]UserRef, len(r.ActiveUsers), len(r.ActiveUsers)+1)
	copy(out.ActiveUsers, r.ActiveUsers)
	return out
}

// Notification is a push-only notice addressed to users.
type Notification struct {
	ID         string    `json:"notification_id"`
	Message    string    `json:"message"`
	Sender     UserRef   `json:"sender"`
	CreatedAt  time.Time `json:"created_at"`
	RoomID     string    `json:"room_id,omitempty"`
	Recipients []string  `json:"recipients,omitempty"`
	Read       bool      `json:"read,omitempty"`
}

// HasMention reports whether the body carries an @ mention marker.
func (n Notification) HasMention() bool {
	return strings.Contains(n.Message, "@")
}

// ParseMentions returns the distinct @usernames in content, in order.
func ParseMentions(content string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, field := range strings.Fields(content) {
		if !strings.HasPrefix(field, "@") {
			continue
		}
		name := strings.TrimRight(field[1:], ".,!?;:")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

package events

import (
	"github.com/go-monolith/mono/pkg/helper"

	domain "github.com/example/chat-sync/domain/chat"
)

// MessageSentEvent is emitted when a message is stored or its streaming
// content is updated. OriginConnID names the socket that sent it so the
// broadcaster can skip the sender's own connection.
type MessageSentEvent struct {
	Message      domain.Message `json:"message"`
	OriginConnID string         `json:"origin_conn_id,omitempty"`
}

// RoomUpdatedEvent is emitted when a room's name or membership changes.
// Added lists users that just became members.
type RoomUpdatedEvent struct {
	Room  domain.Room `json:"room"`
	Added []string    `json:"added,omitempty"`
}

// NotificationSentEvent is emitted for every notification addressed to
// one or more users.
type NotificationSentEvent struct {
	Notification domain.Notification `json:"notification"`
	Recipients   []string            `json:"recipients"`
}

// Event definitions for the chat domain.
var (
	MessageSentV1 = helper.EventDefinition[MessageSentEvent](
		"chat",
		"MessageSent",
		"v1",
	)

	RoomUpdatedV1 = helper.EventDefinition[RoomUpdatedEvent](
		"chat",
		"RoomUpdated",
		"v1",
	)

	NotificationSentV1 = helper.EventDefinition[NotificationSentEvent](
		"chat",
		"NotificationSent",
		"v1",
	)
)

package broadcast

import (
	"context"
	"fmt"
	"log"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"

	"github.com/example/chat-sync/events"
)

// BroadcastModule is an EventConsumerModule that fans chat events out to
// socket connections.
type BroadcastModule struct {
	hub       *Hub
	cancelHub context.CancelFunc
}

// Compile-time interface checks.
var _ mono.Module = (*BroadcastModule)(nil)
var _ mono.EventConsumerModule = (*BroadcastModule)(nil)
var _ mono.HealthCheckableModule = (*BroadcastModule)(nil)

// NewModule creates a new BroadcastModule.
func NewModule() *BroadcastModule {
	return &BroadcastModule{
		hub: NewHub(),
	}
}

// Name returns the module name.
func (m *BroadcastModule) Name() string {
	return "broadcast"
}

// Start runs the hub loop.
func (m *BroadcastModule) Start(_ context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelHub = cancel
	go m.hub.Run(ctx)
	log.Println("[broadcast] Module started - WebSocket hub running")
	return nil
}

// Stop shuts the hub down and waits for it.
func (m *BroadcastModule) Stop(_ context.Context) error {
	clientCount := m.hub.ClientCount()
	if m.cancelHub != nil {
		m.cancelHub()
		m.hub.Wait()
	}
	log.Printf("[broadcast] Module stopped - %d clients were connected", clientCount)
	return nil
}

// Health returns the health status.
func (m *BroadcastModule) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"connected_clients": m.hub.ClientCount(),
			"connected_users":   m.hub.UserCount(),
		},
	}
}

// RegisterEventConsumers registers event handlers.
func (m *BroadcastModule) RegisterEventConsumers(registry mono.EventRegistry) error {
	if err := helper.RegisterTypedEventConsumer(
		registry, events.MessageSentV1, m.handleMessageSent, m,
	); err != nil {
		return fmt.Errorf("failed to register MessageSent consumer: %w", err)
	}

	if err := helper.RegisterTypedEventConsumer(
		registry, events.RoomUpdatedV1, m.handleRoomUpdated, m,
	); err != nil {
		return fmt.Errorf("failed to register RoomUpdated consumer: %w", err)
	}

	if err := helper.RegisterTypedEventConsumer(
		registry, events.NotificationSentV1, m.handleNotificationSent, m,
	); err != nil {
		return fmt.Errorf("failed to register NotificationSent consumer: %w", err)
	}

	log.Println("[broadcast] Registered event consumers: MessageSent, RoomUpdated, NotificationSent")
	return nil
}

// The sender's own connection already holds its optimistic copy.
func (m *BroadcastModule) handleMessageSent(_ context.Context, event events.MessageSentEvent, _ *mono.Msg) error {
	m.hub.Broadcast(event.Message.RoomID, EventMessage, event.Message, event.OriginConnID)
	return nil
}

func (m *BroadcastModule) handleRoomUpdated(_ context.Context, event events.RoomUpdatedEvent, _ *mono.Msg) error {
	room := event.Room
	members := make([]string, 0, len(room.ActiveUsers))
	for _, ref := range room.ActiveUsers {
		members = append(members, ref.Identifier())
	}

	if len(event.Added) > 0 {
		m.hub.SubscribeUsers(room.ID, event.Added)
	}
	m.hub.Retain(room.ID, members)

	log.Printf("[broadcast] Room %s updated (%d members, %d added)", room.ID, len(members), len(event.Added))
	m.hub.Broadcast(room.ID, EventRoomUpdate, room, "")
	return nil
}

func (m *BroadcastModule) handleNotificationSent(_ context.Context, event events.NotificationSentEvent, _ *mono.Msg) error {
	m.hub.SendToUsers(event.Recipients, EventNotification, event.Notification)
	return nil
}

// GetHub returns the hub for the API module to use.
func (m *BroadcastModule) GetHub() *Hub {
	return m.hub
}

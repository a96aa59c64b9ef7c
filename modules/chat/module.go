package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/chat-sync/events"
)

// Module owns chat persistence and exposes it as request-reply services.
type Module struct {
	db       *gorm.DB
	repo     *Repository
	service  *Service
	cache    Cache
	eventBus mono.EventBus
	dbPath   string
	debug    bool
}

// Compile-time interface checks.
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.ServiceProviderModule = (*Module)(nil)
	_ mono.EventBusAwareModule   = (*Module)(nil)
	_ mono.EventEmitterModule    = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates a chat module backed by the SQLite file at dbPath.
func NewModule(dbPath string, debug bool) *Module {
	return &Module{
		dbPath: dbPath,
		debug:  debug,
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "chat"
}

// SetUserCache enables cache-aside user lookups. Call before Start.
func (m *Module) SetUserCache(c Cache) {
	m.cache = c
}

// SetEventBus receives the EventBus from the framework.
func (m *Module) SetEventBus(bus mono.EventBus) {
	m.eventBus = bus
}

// EmitEvents declares the events this module can emit.
func (m *Module) EmitEvents() []mono.BaseEventDefinition {
	return []mono.BaseEventDefinition{
		events.MessageSentV1.ToBase(),
		events.RoomUpdatedV1.ToBase(),
		events.NotificationSentV1.ToBase(),
	}
}

// RegisterServices registers request-reply services in the service container.
func (m *Module) RegisterServices(container mono.ServiceContainer) error {
	register := []struct {
		name string
		fn   func(mono.ServiceContainer) error
	}{
		{ServiceUpsertUser, typed(ServiceUpsertUser, m.upsertUser)},
		{ServiceLookupUsers, typed(ServiceLookupUsers, m.lookupUsers)},
		{ServiceListUsers, typed(ServiceListUsers, m.listUsers)},
		{ServiceListRooms, typed(ServiceListRooms, m.listRooms)},
		{ServiceCreateRoom, typed(ServiceCreateRoom, m.createRoom)},
		{ServiceRenameRoom, typed(ServiceRenameRoom, m.renameRoom)},
		{ServiceJoinRoom, typed(ServiceJoinRoom, m.joinRoom)},
		{ServiceLeaveRoom, typed(ServiceLeaveRoom, m.leaveRoom)},
		{ServiceInvite, typed(ServiceInvite, m.invite)},
		{ServiceSendMessage, typed(ServiceSendMessage, m.sendMessage)},
		{ServiceGetMessages, typed(ServiceGetMessages, m.getMessages)},
		{ServiceDeleteMessages, typed(ServiceDeleteMessages, m.deleteMessages)},
		{ServiceUpdateActiveRooms, typed(ServiceUpdateActiveRooms, m.updateActiveRooms)},
		{ServiceSendNotification, typed(ServiceSendNotification, m.sendNotification)},
	}
	for _, r := range register {
		if err := r.fn(container); err != nil {
			return fmt.Errorf("failed to register %s service: %w", r.name, err)
		}
	}
	log.Printf("[chat] Registered %d services under services.chat.*", len(register))
	return nil
}

func typed[Req, Resp any](name string, handler func(context.Context, Req, *mono.Msg) (Resp, error)) func(mono.ServiceContainer) error {
	return func(container mono.ServiceContainer) error {
		return helper.RegisterTypedRequestReplyService(container, name, json.Unmarshal, json.Marshal, handler)
	}
}

// Start opens the database, runs migrations and builds the service.
func (m *Module) Start(_ context.Context) error {
	log.Printf("[chat] Connecting to SQLite database: %s", m.dbPath)

	db, err := Open(m.dbPath, m.debug)
	if err != nil {
		return err
	}
	m.db = db

	repo, err := NewRepository(db)
	if err != nil {
		return err
	}
	m.repo = repo
	m.service = NewService(repo, m.cache, busPublisher{bus: m.eventBus})

	if m.cache != nil {
		log.Println("[chat] Module started with user cache")
	} else {
		log.Println("[chat] Module started")
	}
	return nil
}

// Open connects to the SQLite database at path and migrates the schema.
func Open(path string, debug bool) (*gorm.DB, error) {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if path == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// Stop closes the database connection.
func (m *Module) Stop(_ context.Context) error {
	if m.db == nil {
		return nil
	}

	log.Println("[chat] Closing database connection...")

	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	log.Println("[chat] Database connection closed")
	return nil
}

// Health pings the database.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	if m.db == nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: "database not initialized",
		}
	}

	sqlDB, err := m.db.DB()
	if err != nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: fmt.Sprintf("failed to get sql.DB: %v", err),
		}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: fmt.Sprintf("database ping failed: %v", err),
		}
	}

	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"driver":     "sqlite",
			"path":       m.dbPath,
			"user_cache": m.cache != nil,
		},
	}
}

// Service handlers

func (m *Module) upsertUser(ctx context.Context, req UpsertUserRequest, _ *mono.Msg) (UpsertUserResponse, error) {
	u, err := m.service.UpsertUser(ctx, req.User)
	if err != nil {
		return UpsertUserResponse{}, err
	}
	return UpsertUserResponse{User: u}, nil
}

func (m *Module) lookupUsers(ctx context.Context, req LookupUsersRequest, _ *mono.Msg) (LookupUsersResponse, error) {
	users, err := m.service.LookupUsers(ctx, req.UserIDs)
	if err != nil {
		return LookupUsersResponse{}, err
	}
	return LookupUsersResponse{Users: users}, nil
}

func (m *Module) listUsers(ctx context.Context, req ListUsersRequest, _ *mono.Msg) (ListUsersResponse, error) {
	return m.service.ListUsers(ctx, req)
}

func (m *Module) listRooms(ctx context.Context, req ListRoomsRequest, _ *mono.Msg) (ListRoomsResponse, error) {
	rooms, err := m.service.ListRooms(ctx, req.UserID)
	if err != nil {
		return ListRoomsResponse{}, err
	}
	return ListRoomsResponse{Rooms: rooms}, nil
}

func (m *Module) createRoom(ctx context.Context, req CreateRoomRequest, _ *mono.Msg) (RoomResponse, error) {
	room, err := m.service.CreateRoom(ctx, req.Name, req.CreatedBy, req.UserIDs)
	if err != nil {
		return RoomResponse{}, err
	}
	return RoomResponse{Room: room}, nil
}

func (m *Module) renameRoom(ctx context.Context, req RenameRoomRequest, _ *mono.Msg) (RoomResponse, error) {
	room, err := m.service.RenameRoom(ctx, req.RoomID, req.Name)
	if err != nil {
		return RoomResponse{}, err
	}
	return RoomResponse{Room: room}, nil
}

func (m *Module) joinRoom(ctx context.Context, req MembershipRequest, _ *mono.Msg) (MembershipResponse, error) {
	if len(req.UserIDs) != 1 {
		return MembershipResponse{}, ErrUserIDEmpty
	}
	return m.service.JoinRoom(ctx, req.RoomID, req.UserIDs[0])
}

func (m *Module) leaveRoom(ctx context.Context, req MembershipRequest, _ *mono.Msg) (RoomResponse, error) {
	if len(req.UserIDs) != 1 {
		return RoomResponse{}, ErrUserIDEmpty
	}
	room, err := m.service.LeaveRoom(ctx, req.RoomID, req.UserIDs[0])
	if err != nil {
		return RoomResponse{}, err
	}
	return RoomResponse{Room: room}, nil
}

func (m *Module) invite(ctx context.Context, req MembershipRequest, _ *mono.Msg) (MembershipResponse, error) {
	return m.service.Invite(ctx, req.RoomID, req.UserIDs)
}

func (m *Module) sendMessage(ctx context.Context, req SendMessageRequest, _ *mono.Msg) (SendMessageResponse, error) {
	return m.service.SendMessage(ctx, req.Message, req.OriginConnID)
}

func (m *Module) getMessages(ctx context.Context, req GetMessagesRequest, _ *mono.Msg) (GetMessagesResponse, error) {
	msgs, err := m.service.GetMessages(ctx, req.RoomID, req.Limit, req.Before)
	if err != nil {
		return GetMessagesResponse{}, err
	}
	return GetMessagesResponse{Messages: msgs}, nil
}

func (m *Module) deleteMessages(ctx context.Context, req DeleteMessagesRequest, _ *mono.Msg) (DeleteMessagesResponse, error) {
	return m.service.DeleteMessages(ctx, req)
}

func (m *Module) updateActiveRooms(ctx context.Context, req UpdateActiveRoomsRequest, _ *mono.Msg) (AckResponse, error) {
	if err := m.service.UpdateActiveRooms(ctx, req.UserID, req.RoomID, req.Action); err != nil {
		return AckResponse{}, err
	}
	return AckResponse{Success: true}, nil
}

func (m *Module) sendNotification(ctx context.Context, req SendNotificationRequest, _ *mono.Msg) (SendNotificationResponse, error) {
	n, err := m.service.SendNotification(ctx, req.Notification)
	if err != nil {
		return SendNotificationResponse{}, err
	}
	return SendNotificationResponse{Notification: n}, nil
}

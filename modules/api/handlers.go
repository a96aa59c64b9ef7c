package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/chat-sync/auth"
	domain "github.com/example/chat-sync/domain/chat"
	"github.com/example/chat-sync/modules/chat"
)

const userLocal = "user"

// setupRoutes configures all HTTP routes.
func (m *APIModule) setupRoutes(app *fiber.App) {
	app.Get("/health", m.healthHandler)
	app.Post("/auth/token", m.issueToken)

	// WebSocket endpoint
	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return m.authenticateSocket(c)
	})
	app.Get("/ws", websocket.New(m.handleWebSocket))

	app.Get("/rooms", m.requireAuth, m.listRooms)
	app.Post("/rooms", m.requireAuth, m.roomUsers)
	app.Post("/rooms/create", m.requireAuth, m.createRoom)
	app.Put("/rooms/:id", m.requireAuth, m.renameRoom)
	app.Get("/messages", m.requireAuth, m.getMessages)
	app.Delete("/messages", m.requireAuth, m.deleteMessages)
	app.Post("/users", m.requireAuth, m.lookupUsers)
	app.Get("/users", m.requireAuth, m.listUsers)
	app.Post("/active_rooms", m.requireAuth, m.updateActiveRooms)
}

// requireAuth verifies the bearer token and stores its identity.
func (m *APIModule) requireAuth(c *fiber.Ctx) error {
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok || token == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
	}
	user, err := m.tokens.Verify(token)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}
	c.Locals(userLocal, user)
	return c.Next()
}

func currentUser(c *fiber.Ctx) domain.User {
	user, _ := c.Locals(userLocal).(domain.User)
	return user
}

// toHTTPError maps chat errors onto status codes.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrForbidden):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	case isValidationError(err):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return err
	}
}

func isValidationError(err error) bool {
	for _, target := range []error{
		chat.ErrUsernameEmpty, chat.ErrUsernameTooLong, chat.ErrUserIDEmpty,
		chat.ErrRoomNameEmpty, chat.ErrRoomNameTooLong, chat.ErrRoomIDEmpty,
		chat.ErrMessageIDEmpty, chat.ErrMessageEmpty, chat.ErrMessageTooLong,
		chat.ErrInvalidText, chat.ErrInvalidAction, chat.ErrNoSelector,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func badBody() error {
	return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
}

// healthHandler handles GET /health.
func (m *APIModule) healthHandler(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status: "healthy",
		Details: map[string]any{
			"module":            "api",
			"connected_clients": m.hub.ClientCount(),
		},
	})
}

// issueToken handles POST /auth/token. It registers the posted identity
// and signs a session token for it.
func (m *APIModule) issueToken(c *fiber.Ctx) error {
	var user domain.User
	if err := c.BodyParser(&user); err != nil {
		return badBody()
	}
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	stored, err := m.chatAdapter.UpsertUser(c.UserContext(), user)
	if err != nil {
		return toHTTPError(err)
	}
	token, err := m.tokens.Sign(stored)
	if err != nil {
		if errors.Is(err, auth.ErrAnonymous) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return err
	}
	return c.JSON(TokenResponse{
		Token:     token,
		ExpiresIn: int64(m.tokens.Duration() / time.Second),
	})
}

// listRooms handles GET /rooms.
func (m *APIModule) listRooms(c *fiber.Ctx) error {
	rooms, err := m.chatAdapter.ListRooms(c.UserContext(), currentUser(c).UserID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(rooms)
}

// roomUsers handles POST /rooms, hydrating a room's member ids.
func (m *APIModule) roomUsers(c *fiber.Ctx) error {
	var req RoomUsersRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody()
	}
	users, err := m.chatAdapter.LookupUsers(c.UserContext(), req.UserIDs)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(UsersResponse{Users: users})
}

// createRoom handles POST /rooms/create.
func (m *APIModule) createRoom(c *fiber.Ctx) error {
	var req CreateRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody()
	}
	room, err := m.chatAdapter.CreateRoom(c.UserContext(), req.Name, currentUser(c).UserID, req.UserIDs)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(room)
}

// renameRoom handles PUT /rooms/:id.
func (m *APIModule) renameRoom(c *fiber.Ctx) error {
	var req RenameRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody()
	}
	room, err := m.chatAdapter.RenameRoom(c.UserContext(), c.Params("id"), req.Name)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(room)
}

// getMessages handles GET /messages?roomId&limit&before.
func (m *APIModule) getMessages(c *fiber.Ctx) error {
	roomID := c.Query("roomId")
	if roomID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "roomId is required")
	}
	msgs, err := m.chatAdapter.GetMessages(c.UserContext(), roomID, c.QueryInt("limit", 0), c.Query("before"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(msgs)
}

// deleteMessages handles DELETE /messages.
func (m *APIModule) deleteMessages(c *fiber.Ctx) error {
	var req DeleteMessagesRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody()
	}
	resp, err := m.chatAdapter.DeleteMessages(c.UserContext(), chat.DeleteMessagesRequest{
		RequestedBy: currentUser(c).UserID,
		ID:          req.ID,
		RoomID:      req.RoomID,
		All:         req.All,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(DeleteMessagesResponse{
		Success: true,
		Message: resp.Message,
		Deleted: resp.Deleted,
	})
}

// lookupUsers handles POST /users.
func (m *APIModule) lookupUsers(c *fiber.Ctx) error {
	var req LookupUsersRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody()
	}
	users, err := m.chatAdapter.LookupUsers(c.UserContext(), req.UserIDs)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(UsersResponse{Users: users})
}

// listUsers handles GET /users?search&role&limit&offset.
func (m *APIModule) listUsers(c *fiber.Ctx) error {
	page, err := m.chatAdapter.ListUsers(c.UserContext(), chat.ListUsersRequest{
		Search: c.Query("search"),
		Role:   c.Query("role"),
		Limit:  c.QueryInt("limit", 0),
		Offset: c.QueryInt("offset", 0),
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(UserPageResponse{
		Users:      page.Users,
		Pagination: Pagination{Total: page.Total, Limit: page.Limit, Offset: page.Offset},
	})
}

// updateActiveRooms handles POST /active_rooms. Callers may only edit
// their own room list.
func (m *APIModule) updateActiveRooms(c *fiber.Ctx) error {
	var req ActiveRoomsRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody()
	}
	user := currentUser(c)
	if req.UserID != "" && req.UserID != user.UserID {
		return fiber.NewError(fiber.StatusForbidden, "cannot edit another user's rooms")
	}
	if err := m.chatAdapter.UpdateActiveRooms(c.UserContext(), user.UserID, req.RoomID, req.Action); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(SuccessResponse{Success: true})
}

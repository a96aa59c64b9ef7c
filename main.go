package main

import (
	"context"
	"log"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"

	"github.com/example/chat-sync/auth"
	"github.com/example/chat-sync/config"
	"github.com/example/chat-sync/modules/api"
	"github.com/example/chat-sync/modules/broadcast"
	"github.com/example/chat-sync/modules/cache"
	"github.com/example/chat-sync/modules/chat"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.Println("=== chat-sync server - Fiber + EventBus ===")

	config.Load()
	cfg := config.LoadServer()

	app, err := mono.NewMonoApplication(
		mono.WithShutdownTimeout(shutdownTimeout),
		mono.WithLogLevel(mono.LogLevelInfo),
		mono.WithLogFormat(mono.LogFormatText),
	)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	tokens := auth.NewManager(auth.Config{
		SecretKey:     cfg.JWTSecret,
		TokenDuration: cfg.TokenTTL,
	})

	chatModule := chat.NewModule(cfg.DBPath, cfg.DBDebug)
	broadcastModule := broadcast.NewModule()
	apiModule := api.NewModule(api.Config{
		Port:               cfg.Port,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MessagesPerSecond:  cfg.WSMessagesPerSec,
		Burst:              cfg.WSBurst,
	}, tokens, app.Logger().WithModule("api"))

	// The hub is not exposed through the ServiceContainer.
	apiModule.SetHub(broadcastModule.GetHub())

	// Order: cache (optional), chat, broadcast, api.
	var modules []mono.Module
	if cfg.RedisAddr != "" {
		cacheModule := cache.NewModule(cfg.RedisAddr, cfg.CacheTTL)
		chatModule.SetUserCache(cacheModule.Cache())
		modules = append(modules, cacheModule)
	}
	modules = append(modules, chatModule, broadcastModule, apiModule)
	for _, m := range modules {
		if err := app.Register(m); err != nil {
			log.Fatalf("Failed to register %s module: %v", m.Name(), err)
		}
	}

	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	printStartupInfo(cfg)

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"mono-app": func(ctx context.Context) error {
				log.Println("Graceful shutdown initiated...")
				return app.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("Application exited with code: %d", exitCode)
	os.Exit(exitCode)
}

func printStartupInfo(cfg config.Server) {
	cacheInfo := "disabled"
	if cfg.RedisAddr != "" {
		cacheInfo = cfg.RedisAddr
	}

	log.Println("")
	log.Println("Application started successfully!")
	log.Println("")
	log.Printf("  Database:   %s", cfg.DBPath)
	log.Printf("  User cache: %s", cacheInfo)
	log.Println("")
	log.Println("Event-Driven Chat:")
	log.Println("  - MessageSent events -> broadcast module -> room sockets (sender excluded)")
	log.Println("  - RoomUpdated events -> broadcast module -> room sockets")
	log.Println("  - NotificationSent events -> broadcast module -> recipient sockets")
	log.Println("")
	log.Printf("REST API Endpoints (http://localhost:%s):", cfg.Port)
	log.Println("  GET    /health         - Health check")
	log.Println("  POST   /auth/token     - Issue a session token (development login)")
	log.Println("  GET    /rooms          - List the caller's rooms")
	log.Println("  POST   /rooms          - Hydrate room member ids")
	log.Println("  POST   /rooms/create   - Create a room")
	log.Println("  PUT    /rooms/:id      - Rename a room")
	log.Println("  GET    /messages       - Message history (roomId, limit, before)")
	log.Println("  DELETE /messages       - Delete by id, room_id or all")
	log.Println("  POST   /users          - Look up users by id")
	log.Println("  GET    /users          - Search the user directory")
	log.Println("  POST   /active_rooms   - Add or remove a room from the caller's list")
	log.Println("")
	log.Printf("WebSocket Endpoint (ws://localhost:%s/ws):", cfg.Port)
	log.Println("  Authenticate with Authorization: Bearer <token> or ?token=<token>")
	log.Println("  Events: join_room, quit_room, invite_to_room, message, notification")
	log.Println("")
	log.Println("Press Ctrl+C to shutdown gracefully")
}

// Command chatsync-client is a terminal chat client. It keeps the local
// store in sync with the server over the socket and REST history.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/example/chat-sync/client/notice"
	"github.com/example/chat-sync/client/persist"
	"github.com/example/chat-sync/client/reconciler"
	"github.com/example/chat-sync/client/restapi"
	"github.com/example/chat-sync/client/session"
	"github.com/example/chat-sync/client/store"
	"github.com/example/chat-sync/client/transport"
	"github.com/example/chat-sync/config"
	domain "github.com/example/chat-sync/domain/chat"
)

const shutdownTimeout = 10 * time.Second

func main() {
	config.Load()
	cfg := config.LoadClient()

	var user domain.User
	var debug bool
	flag.StringVar(&user.UserID, "id", os.Getenv("CHAT_USER_ID"), "user id")
	flag.StringVar(&user.Username, "user", os.Getenv("CHAT_USERNAME"), "username")
	flag.StringVar(&user.Email, "email", "", "email")
	flag.BoolVar(&debug, "debug", false, "verbose logging")
	flag.Parse()
	if user.UserID == "" {
		user.UserID = user.Username
	}
	if user.IsAnonymous() {
		log.Fatal("a username is required (-user or CHAT_USERNAME)")
	}
	user.Role = domain.RoleUser

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	notifier := notice.LogNotifier{Logger: logger.With("component", "notice")}

	api := restapi.New(cfg.ServerURL, restapi.WithToken(cfg.Token))
	if api.Token() == "" {
		ctx, cancel := context.WithTimeout(context.Background(), restapi.DefaultTimeout)
		token, err := api.IssueToken(ctx, user)
		cancel()
		if err != nil {
			log.Fatalf("Failed to sign in: %v", err)
		}
		api.SetToken(token)
	}

	states, err := persist.Open(cfg.StatePath, debug)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}

	opts := transport.DefaultOptions(cfg.SocketURL)
	opts.Token = api.Token()
	opts.ReconnectionAttempts = cfg.ReconnectAttempts
	opts.ReconnectionDelay = cfg.ReconnectDelay
	opts.ReconnectionDelayMax = cfg.ReconnectDelayMax
	opts.Timeout = cfg.ConnectTimeout
	opts.Notifier = notifier
	opts.Logger = logger.With("component", "transport")

	s := session.New(user, api, session.Options{
		Factory:   reconciler.TransportFactory(opts),
		Persister: states,
		PageSize:  cfg.PageSize,
		Notifier:  notifier,
		Logger:    logger,
	})
	unsubscribe := s.Store().Subscribe(printer(user))

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	if err := s.FetchRooms(ctx); err == nil {
		printRooms(s.State())
	}

	ops := map[string]gfshutdown.Operation{
		"session": func(ctx context.Context) error {
			unsubscribe()
			if err := s.Close(ctx); err != nil {
				return err
			}
			return states.Close()
		},
	}

	quit := make(chan struct{})
	go func() {
		repl(ctx, s, os.Stdin)
		close(quit)
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), shutdownTimeout, ops)
	select {
	case code := <-wait:
		os.Exit(code)
	case <-quit:
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := ops["session"](ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
			os.Exit(1)
		}
	}
}

func repl(ctx context.Context, s *session.Session, in *os.File) {
	fmt.Println("Commands: /rooms /join <id> /leave [id] /more /history /invite <user...> /create <name> [user...] /read <id> /quit")
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if _, err := s.Send(ctx, line); err != nil {
				fmt.Printf("! not delivered: %v\n", err)
			}
			continue
		}

		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]
		var err error
		switch cmd {
		case "/quit", "/exit":
			return
		case "/rooms":
			if err = s.FetchRooms(ctx); err == nil {
				printRooms(s.State())
			}
		case "/join":
			if len(args) != 1 {
				fmt.Println("usage: /join <room-id>")
				continue
			}
			if err = s.SelectRoom(ctx, args[0]); err == nil {
				printHistory(s.State())
			}
		case "/leave":
			roomID := s.State().Chat.SelectedRoomID
			if len(args) > 0 {
				roomID = args[0]
			}
			if roomID == "" {
				fmt.Println("usage: /leave <room-id>")
				continue
			}
			err = s.LeaveRoom(ctx, roomID)
		case "/more":
			if !s.HasMore() {
				fmt.Println("(no older messages)")
				continue
			}
			if err = s.LoadMore(ctx); err == nil {
				printHistory(s.State())
			}
		case "/history":
			printHistory(s.State())
		case "/invite":
			roomID := s.State().Chat.SelectedRoomID
			if roomID == "" || len(args) == 0 {
				fmt.Println("usage: /invite <user-id...> (in a room)")
				continue
			}
			s.Invite(roomID, args)
		case "/create":
			if len(args) == 0 {
				fmt.Println("usage: /create <name> [user-id...]")
				continue
			}
			var room domain.Room
			if room, err = s.CreateRoom(ctx, args[0], args[1:]); err == nil {
				fmt.Printf("created %s (%s)\n", room.Name, room.ID)
			}
		case "/read":
			for _, id := range args {
				s.MarkNotificationRead(id)
			}
		default:
			fmt.Printf("unknown command %s\n", cmd)
		}
		if err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
}

// printer echoes live events that did not come from this terminal.
func printer(self domain.User) store.Listener {
	return func(st store.State, a store.Action) {
		switch a := a.(type) {
		case store.ReceiveMessage:
			if a.Message.Sender.Matches(self.UserID) {
				return
			}
			marker := ""
			if a.Message.RoomID != st.Chat.SelectedRoomID {
				marker = fmt.Sprintf(" (%d unread)", st.Chat.UnreadCounts[a.Message.RoomID])
			}
			fmt.Printf("[%s]%s %s\n", a.Message.RoomID, marker, formatMessage(a.Message))
		case store.AddNotification:
			fmt.Printf("* %s: %s\n", senderName(a.Notification.Sender), a.Notification.Message)
		case store.SetSocketConnected:
			if a.Connected {
				fmt.Println("(connected)")
			} else {
				fmt.Println("(disconnected)")
			}
		case store.UpdateRoom:
			fmt.Printf("(room %s updated: %d members)\n", a.Room.Name, len(a.Room.ActiveUsers))
		}
	}
}

func printRooms(st store.State) {
	if len(st.Chat.Rooms) == 0 {
		fmt.Println("(no rooms)")
		return
	}
	for _, r := range st.Chat.Rooms {
		selected := " "
		if r.ID == st.Chat.SelectedRoomID {
			selected = "*"
		}
		fmt.Printf("%s %-24s %-20s members=%d unread=%d\n",
			selected, r.ID, r.Name, len(r.ActiveUsers), st.Chat.UnreadCounts[r.ID])
	}
}

func printHistory(st store.State) {
	msgs := st.Chat.RoomMessages(st.Chat.SelectedRoomID)
	if len(msgs) == 0 {
		fmt.Println("(no messages)")
		return
	}
	for _, m := range msgs {
		fmt.Println(formatMessage(m))
	}
}

func formatMessage(m domain.Message) string {
	return fmt.Sprintf("%s %s: %s", m.CreatedAt.Local().Format("15:04"), senderName(m.Sender), m.Content)
}

func senderName(ref domain.UserRef) string {
	if ref.User != nil {
		return ref.User.Username
	}
	return ref.Identifier()
}

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/example/chat-sync/domain/chat"
	"github.com/example/chat-sync/events"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	recv   chan struct{}
	closed bool
	fail   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{recv: make(chan struct{}, 64)}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.fail {
		return errors.New("broken pipe")
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	c.recv <- struct{}{}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = f.Event
	}
	return out
}

// waitFrames waits for n more frames.
func (c *fakeConn) waitFrames(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-c.recv:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame, got %v", c.events())
		}
	}
}

// expectNone asserts no frame arrives shortly.
func (c *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case <-c.recv:
		t.Fatalf("unexpected frame, got %v", c.events())
	case <-time.After(50 * time.Millisecond):
	}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		hub.Wait()
	})
	return hub
}

func connect(hub *Hub, id, userID string) (*Client, *fakeConn) {
	conn := newFakeConn()
	client := NewClient(id, userID, conn)
	hub.Register(client)
	return client, conn
}

func TestHub_BroadcastExcludesOrigin(t *testing.T) {
	hub := startHub(t)
	_, aliceConn := connect(hub, "c1", "alice")
	_, bobConn := connect(hub, "c2", "bob")
	_, carolConn := connect(hub, "c3", "carol")
	hub.Subscribe("c1", "room-1")
	hub.Subscribe("c2", "room-1", "room-2")
	hub.Subscribe("c3", "room-2")

	hub.Broadcast("room-1", EventMessage, domain.Message{ID: "m1", RoomID: "room-1"}, "c1")

	bobConn.waitFrames(t, 1)
	aliceConn.expectNone(t)
	carolConn.expectNone(t)

	if got := hub.RoomClientCount("room-1"); got != 2 {
		t.Errorf("RoomClientCount(room-1) = %d, want 2", got)
	}
}

func TestHub_SendToUsersReachesEveryConnection(t *testing.T) {
	hub := startHub(t)
	_, tab1 := connect(hub, "c1", "alice")
	_, tab2 := connect(hub, "c2", "alice")
	_, other := connect(hub, "c3", "bob")

	hub.SendToUsers([]string{"alice", "nobody"}, EventNotification, domain.Notification{ID: "n1"})

	tab1.waitFrames(t, 1)
	tab2.waitFrames(t, 1)
	other.expectNone(t)

	if hub.UserCount() != 2 || hub.ClientCount() != 3 {
		t.Errorf("counts = %d users / %d clients, want 2/3", hub.UserCount(), hub.ClientCount())
	}
}

func TestHub_UnsubscribeAndUnregister(t *testing.T) {
	hub := startHub(t)
	alice, aliceConn := connect(hub, "c1", "alice")
	_, bobConn := connect(hub, "c2", "bob")
	hub.Subscribe("c1", "room-1")
	hub.Subscribe("c2", "room-1")

	hub.Unsubscribe("c2", "room-1")
	hub.Broadcast("room-1", EventMessage, "x", "")
	aliceConn.waitFrames(t, 1)
	bobConn.expectNone(t)

	hub.Unregister(alice)
	hub.Unregister(alice)
	if hub.RoomClientCount("room-1") != 0 {
		t.Errorf("room should be empty after unregister")
	}
	if hub.GetClient("c1") != nil {
		t.Error("client c1 still registered")
	}
	hub.Broadcast("room-1", EventMessage, "y", "")
	aliceConn.expectNone(t)
}

func TestHub_SubscribeUsersAndRetain(t *testing.T) {
	hub := startHub(t)
	_, aliceConn := connect(hub, "c1", "alice")
	_, bobConn := connect(hub, "c2", "bob")
	hub.Subscribe("c1", "room-1")

	hub.SubscribeUsers("room-1", []string{"bob", "ghost"})
	if got := hub.RoomClientCount("room-1"); got != 2 {
		t.Fatalf("RoomClientCount() = %d, want 2", got)
	}

	hub.Retain("room-1", []string{"bob"})
	hub.Broadcast("room-1", EventRoomUpdate, "r", "")
	bobConn.waitFrames(t, 1)
	aliceConn.expectNone(t)
}

func TestHub_FailedWriteDoesNotStopDelivery(t *testing.T) {
	hub := startHub(t)
	_, broken := connect(hub, "c1", "alice")
	broken.fail = true
	_, ok := connect(hub, "c2", "bob")
	hub.Subscribe("c1", "room-1")
	hub.Subscribe("c2", "room-1")

	hub.Broadcast("room-1", EventMessage, "x", "")
	ok.waitFrames(t, 1)
}

func TestHub_RunClosesClientsOnShutdown(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	_, conn := connect(hub, "c1", "alice")

	cancel()
	hub.Wait()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.closed {
		t.Error("connection was not closed on shutdown")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after shutdown", hub.ClientCount())
	}
}

func TestHub_SendAfterShutdownDoesNotBlock(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	cancel()
	hub.Wait()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 600; i++ {
			hub.Broadcast("room-1", EventMessage, i, "")
			hub.SendToUsers([]string{"alice"}, EventNotification, i)
		}
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked after the hub stopped")
	}
}

func TestBroadcastModule_EventHandlers(t *testing.T) {
	m := NewModule()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	hub := m.GetHub()

	_, aliceConn := connect(hub, "c1", "alice")
	_, bobConn := connect(hub, "c2", "bob")
	hub.Subscribe("c1", "room-1")

	room := domain.Room{ID: "room-1", Name: "general", ActiveUsers: []domain.UserRef{domain.Ref("alice"), domain.Ref("bob")}}
	ctx := context.Background()

	tests := []struct {
		name      string
		fire      func() error
		wantAlice int
		wantBob   int
	}{
		{
			name: "invite subscribes new member",
			fire: func() error {
				return m.handleRoomUpdated(ctx, events.RoomUpdatedEvent{Room: room, Added: []string{"bob"}}, nil)
			},
			wantAlice: 1, wantBob: 1,
		},
		{
			name: "message skips origin",
			fire: func() error {
				msg := domain.Message{ID: "m1", RoomID: "room-1", Sender: domain.Ref("alice"), Content: "hi"}
				return m.handleMessageSent(ctx, events.MessageSentEvent{Message: msg, OriginConnID: "c1"}, nil)
			},
			wantAlice: 0, wantBob: 1,
		},
		{
			name: "notification goes to recipients",
			fire: func() error {
				n := domain.Notification{ID: "n1", Message: "@alice mentioned you"}
				return m.handleNotificationSent(ctx, events.NotificationSentEvent{Notification: n, Recipients: []string{"alice"}}, nil)
			},
			wantAlice: 1, wantBob: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fire(); err != nil {
				t.Fatalf("handler error = %v", err)
			}
			aliceConn.waitFrames(t, tt.wantAlice)
			bobConn.waitFrames(t, tt.wantBob)
			aliceConn.expectNone(t)
			bobConn.expectNone(t)
		})
	}

	want := []string{EventRoomUpdate, EventNotification}
	if got := aliceConn.events(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("alice frames = %v, want %v", got, want)
	}
}

package persist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/chat-sync/client/store"
	domain "github.com/example/chat-sync/domain/chat"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSnapshot() store.Snapshot {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	alice := domain.User{UserID: "u-1", Username: "alice"}
	return store.Snapshot{
		Messages: map[string][]domain.Message{
			"r1": {
				{ID: "m1", RoomID: "r1", Sender: domain.Embed(alice), Content: "hi", CreatedAt: at},
				{ID: "m2", RoomID: "r1", Sender: domain.Ref("u-2"), Content: "yo", CreatedAt: at.Add(time.Minute)},
			},
			"r2": {},
		},
		Notifications: []domain.Notification{
			{ID: "n1", Message: "@alice ping", Sender: domain.Ref("u-2"), CreatedAt: at, RoomID: "r1"},
		},
	}
}

func TestStore_SaveLoad(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	want := sampleSnapshot()

	require.NoError(t, s.Save(ctx, "u-1", want))

	got, ok, err := s.Load(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want.Notifications, got.Notifications)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, want.Messages["r1"], got.Messages["r1"])
	assert.Empty(t, got.Messages["r2"])
}

func TestStore_SaveReplaces(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "u-1", sampleSnapshot()))
	require.NoError(t, s.Save(ctx, "u-1", store.Snapshot{
		Messages: map[string][]domain.Message{"r3": {{ID: "m9", RoomID: "r3", Sender: domain.Ref("u-1")}}},
	}))

	got, ok, err := s.Load(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"r3"}, keys(got.Messages))
	assert.NotNil(t, got.Notifications)
	assert.Empty(t, got.Notifications)
}

func TestStore_OwnersAreIsolated(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "u-1", sampleSnapshot()))

	got, ok, err := s.Load(ctx, "u-2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, got.Messages)
	assert.NotNil(t, got.Notifications)

	require.NoError(t, s.Clear(ctx, "u-1"))
	_, ok, err = s.Load(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_RehydrateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	first, err := Open(path, false)
	require.NoError(t, err)
	st := store.New(store.NewState())
	st.Dispatch(store.SetMessages{RoomID: "r1", Messages: sampleSnapshot().Messages["r1"]})
	st.Dispatch(store.AddNotification{Notification: sampleSnapshot().Notifications[0]})
	require.NoError(t, first.Save(ctx, "u-1", st.GetState().Snapshot()))
	require.NoError(t, first.Close())

	second, err := Open(path, false)
	require.NoError(t, err)
	defer second.Close()
	snap, ok, err := second.Load(ctx, "u-1")
	require.NoError(t, err)
	require.True(t, ok)

	restored := store.New(store.NewState())
	restored.Dispatch(store.Rehydrate{Snapshot: snap})
	state := restored.GetState()
	assert.Len(t, state.Chat.Messages["r1"], 2)
	assert.False(t, state.Chat.MessagesLoaded["r1"], "rehydrated rooms still reconcile with the server")
	assert.Equal(t, 1, state.Notification.UnreadCount)
}

func keys(m map[string][]domain.Message) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

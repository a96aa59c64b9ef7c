package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/chat-sync/client/notice"
	"github.com/example/chat-sync/client/store"
	domain "github.com/example/chat-sync/domain/chat"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fetchCall struct {
	roomID string
	limit  int
	before string
}

// fakeAPI serves a fixed ascending history for one room the way the
// server does: newest page first, cursor pages strictly older.
type fakeAPI struct {
	mu      sync.Mutex
	history []domain.Message
	users   []domain.User

	fetchErr  error
	lookupErr error
	gate      chan struct{}

	calls   []fetchCall
	lookups [][]string
	fetches atomic.Int32
}

func (f *fakeAPI) FetchMessages(_ context.Context, roomID string, limit int, before string) ([]domain.Message, error) {
	f.fetches.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{roomID, limit, before})
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	end := len(f.history)
	if before != "" {
		end = -1
		for i, m := range f.history {
			if m.ID == before {
				end = i
			}
		}
		if end < 0 {
			return []domain.Message{}, nil
		}
	}
	start := max(0, end-limit)
	page := make([]domain.Message, end-start)
	copy(page, f.history[start:end])
	return page, nil
}

func (f *fakeAPI) LookupUsers(_ context.Context, ids []string) ([]domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, ids)
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	var out []domain.User
	for _, u := range f.users {
		for _, id := range ids {
			if u.UserID == id {
				out = append(out, u)
			}
		}
	}
	return out, nil
}

func (f *fakeAPI) fetchCalls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

// history builds n ascending messages m000..m(n-1) sent by u-1.
func history(room string, n int) []domain.Message {
	out := make([]domain.Message, n)
	for i := range out {
		out[i] = domain.Message{
			ID:        fmt.Sprintf("m%03d", i),
			RoomID:    room,
			Sender:    domain.Ref("u-1"),
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func newFetcher(api *fakeAPI, rec *notice.Recorder, opts ...Option) (*Fetcher, *store.Store) {
	s := store.New(store.NewState())
	opts = append([]Option{
		WithNotifier(rec),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return New(api, s, opts...), s
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

var alice = domain.User{UserID: "u-1", Username: "alice"}

func TestLoadInitial_FullPageSetsHasMore(t *testing.T) {
	api := &fakeAPI{history: history("R1", 45), users: []domain.User{alice}}
	f, s := newFetcher(api, notice.NewRecorder(4))

	require.NoError(t, f.LoadInitial(context.Background(), "R1"))

	st := s.GetState().Chat
	assert.True(t, st.MessagesLoaded["R1"])
	assert.True(t, st.HasMoreMessages["R1"])
	assert.False(t, st.LoadingMessages)
	require.Len(t, st.Messages["R1"], 30)
	assert.Equal(t, "m015", st.Messages["R1"][0].ID)
	assert.Equal(t, "m044", st.Messages["R1"][29].ID)
	assert.Equal(t, []fetchCall{{"R1", 30, ""}}, api.fetchCalls())

	require.NoError(t, f.LoadInitial(context.Background(), "R1"))
	assert.Len(t, api.fetchCalls(), 1, "loaded room performs no request")
}

func TestLoadInitial_MergesWithSocketMessages(t *testing.T) {
	api := &fakeAPI{history: history("R1", 3), users: []domain.User{alice}}
	f, s := newFetcher(api, notice.NewRecorder(4))

	live := domain.Message{
		ID: "m001", RoomID: "R1", Sender: domain.Embed(alice),
		Content: "edited live", CreatedAt: t0.Add(time.Minute),
	}
	newer := domain.Message{
		ID: "live-1", RoomID: "R1", Sender: domain.Embed(alice),
		Content: "newest", CreatedAt: t0.Add(time.Hour),
	}
	s.Dispatch(store.ReceiveMessage{Message: newer})
	s.Dispatch(store.ReceiveMessage{Message: live})

	require.NoError(t, f.LoadInitial(context.Background(), "R1"))

	got := s.GetState().Chat.Messages["R1"]
	assert.Equal(t, []string{"m000", "m001", "m002", "live-1"}, ids(got))
	assert.Equal(t, "edited live", got[1].Content, "existing entry wins")
	assert.False(t, s.GetState().Chat.HasMoreMessages["R1"], "short page ends history")
}

func TestLoadInitial_HydratesSenders(t *testing.T) {
	msgs := history("R1", 3)
	msgs[1].Sender = domain.Ref("u-gone")
	msgs[2].Sender = domain.Embed(domain.User{UserID: "u-9", Username: "embedded"})
	api := &fakeAPI{history: msgs, users: []domain.User{alice}}
	f, s := newFetcher(api, notice.NewRecorder(4))

	require.NoError(t, f.LoadInitial(context.Background(), "R1"))

	got := s.GetState().Chat.Messages["R1"]
	for _, m := range got {
		assert.True(t, m.Sender.Resolved(), "sender of %s is render ready", m.ID)
	}
	assert.Equal(t, "alice", got[0].Sender.User.Username)
	assert.Equal(t, domain.UnknownUser("u-gone"), *got[1].Sender.User)
	assert.Equal(t, "embedded", got[2].Sender.User.Username)
	require.Len(t, api.lookups, 1, "one batch lookup per page")
	assert.ElementsMatch(t, []string{"u-1", "u-gone"}, api.lookups[0])
}

func TestLoadInitial_EmptyLookupYieldsPlaceholders(t *testing.T) {
	api := &fakeAPI{history: history("R1", 4)}
	f, s := newFetcher(api, notice.NewRecorder(4))

	require.NoError(t, f.LoadInitial(context.Background(), "R1"))
	for _, m := range s.GetState().Chat.Messages["R1"] {
		require.True(t, m.Sender.Resolved())
		assert.Equal(t, "u-1", m.Sender.User.UserID)
		assert.Equal(t, domain.UnknownUsername, m.Sender.User.Username)
	}
}

func TestLoadInitial_LookupFailureDoesNotFailPage(t *testing.T) {
	api := &fakeAPI{history: history("R1", 2), lookupErr: errors.New("directory down")}
	rec := notice.NewRecorder(4)
	f, s := newFetcher(api, rec)

	require.NoError(t, f.LoadInitial(context.Background(), "R1"))
	got := s.GetState().Chat.Messages["R1"]
	require.Len(t, got, 2)
	assert.Equal(t, domain.UnknownUsername, got[0].Sender.User.Username)

	notes := rec.Drain()
	require.Len(t, notes, 1)
	assert.Equal(t, notice.Warning, notes[0].Level)
}

func TestLoadInitial_FetchFailureLeavesStoreUntouched(t *testing.T) {
	api := &fakeAPI{fetchErr: errors.New("503")}
	rec := notice.NewRecorder(4)
	f, s := newFetcher(api, rec)

	err := f.LoadInitial(context.Background(), "R1")
	require.Error(t, err)

	st := s.GetState().Chat
	assert.False(t, st.MessagesLoaded["R1"])
	assert.False(t, st.LoadingMessages)
	assert.Empty(t, st.Messages["R1"])
	notes := rec.Drain()
	require.Len(t, notes, 1)
	assert.Equal(t, notice.Error, notes[0].Level)

	api.fetchErr = nil
	api.history = history("R1", 1)
	require.NoError(t, f.LoadInitial(context.Background(), "R1"), "retry after failure")
	assert.True(t, s.GetState().Chat.MessagesLoaded["R1"])
}

func TestLoadMore_PrependsOlderPages(t *testing.T) {
	api := &fakeAPI{history: history("R1", 25), users: []domain.User{alice}}
	f, s := newFetcher(api, notice.NewRecorder(4), WithPageSize(10))
	ctx := context.Background()

	require.NoError(t, f.LoadInitial(ctx, "R1"))
	assert.Equal(t, "m015", s.GetState().Chat.Messages["R1"][0].ID)

	require.NoError(t, f.LoadMore(ctx, "R1"))
	got := s.GetState().Chat.Messages["R1"]
	require.Len(t, got, 20)
	assert.Equal(t, "m005", got[0].ID)
	assert.True(t, f.HasMore("R1"))

	require.NoError(t, f.LoadMore(ctx, "R1"))
	got = s.GetState().Chat.Messages["R1"]
	require.Len(t, got, 25)
	assert.Equal(t, ids(history("R1", 25)), ids(got))
	assert.False(t, f.HasMore("R1"))

	calls := api.fetchCalls()
	assert.Equal(t, []fetchCall{{"R1", 10, ""}, {"R1", 10, "m015"}, {"R1", 10, "m005"}}, calls)

	require.NoError(t, f.LoadMore(ctx, "R1"))
	assert.Len(t, api.fetchCalls(), 3, "hasMore gate holds")
}

func TestLoadMore_ExactMultipleCostsOneEmptyRequest(t *testing.T) {
	api := &fakeAPI{history: history("R1", 20), users: []domain.User{alice}}
	f, _ := newFetcher(api, notice.NewRecorder(4), WithPageSize(10))
	ctx := context.Background()

	require.NoError(t, f.LoadInitial(ctx, "R1"))
	require.NoError(t, f.LoadMore(ctx, "R1"))
	assert.True(t, f.HasMore("R1"))
	require.NoError(t, f.LoadMore(ctx, "R1"))
	assert.False(t, f.HasMore("R1"))
	assert.Len(t, api.fetchCalls(), 3)
}

func TestLoadMore_UnloadedRoomLoadsInitial(t *testing.T) {
	api := &fakeAPI{history: history("R1", 5), users: []domain.User{alice}}
	f, s := newFetcher(api, notice.NewRecorder(4))

	require.NoError(t, f.LoadMore(context.Background(), "R1"))
	assert.Equal(t, []fetchCall{{"R1", 30, ""}}, api.fetchCalls())
	assert.True(t, s.GetState().Chat.MessagesLoaded["R1"])
}

func TestLoadMore_SkipsKnownIDs(t *testing.T) {
	api := &fakeAPI{history: history("R1", 6), users: []domain.User{alice}}
	f, s := newFetcher(api, notice.NewRecorder(4), WithPageSize(3))
	ctx := context.Background()

	require.NoError(t, f.LoadInitial(ctx, "R1"))
	// m001 also arrived over the socket before backfill.
	late := history("R1", 2)[1]
	late.Sender = domain.Embed(alice)
	s.Dispatch(store.ReceiveMessage{Message: late})

	require.NoError(t, f.LoadMore(ctx, "R1"))
	got := ids(s.GetState().Chat.Messages["R1"])
	assert.Equal(t, []string{"m000", "m002", "m003", "m004", "m005", "m001"}, got)
}

func TestLoadMore_CoalescesConcurrentCalls(t *testing.T) {
	api := &fakeAPI{history: history("R1", 40), users: []domain.User{alice}}
	f, s := newFetcher(api, notice.NewRecorder(4), WithPageSize(10))
	ctx := context.Background()
	require.NoError(t, f.LoadInitial(ctx, "R1"))

	api.gate = make(chan struct{})
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.LoadMore(ctx, "R1"))
		}()
	}
	require.Eventually(t, func() bool { return api.fetches.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(api.gate)
	wg.Wait()

	assert.Len(t, api.fetchCalls(), 2)
	assert.Len(t, s.GetState().Chat.Messages["R1"], 20)
}

// pushBeforeMerge delivers live through the store just before a
// MergeHistory for its room reaches the reducer, the way a socket push
// can land while a page is being merged.
func pushBeforeMerge(live domain.Message, prepend bool) store.Middleware {
	var once sync.Once
	return func(api store.API, next store.Dispatcher) store.Dispatcher {
		return func(a store.Action) {
			if mh, ok := a.(store.MergeHistory); ok && mh.RoomID == live.RoomID && mh.Prepend == prepend {
				once.Do(func() { api.Dispatch(store.ReceiveMessage{Message: live}) })
			}
			next(a)
		}
	}
}

func newFetcherWithStore(api *fakeAPI, s *store.Store, opts ...Option) *Fetcher {
	opts = append([]Option{
		WithNotifier(notice.NewRecorder(4)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return New(api, s, opts...)
}

func TestLoadInitial_KeepsMessageReceivedDuringMerge(t *testing.T) {
	api := &fakeAPI{history: history("R1", 5), users: []domain.User{alice}}
	live := domain.Message{
		ID: "live-1", RoomID: "R1", Sender: domain.Embed(alice),
		Content: "pushed", CreatedAt: t0.Add(time.Hour),
	}
	s := store.New(store.NewState(), pushBeforeMerge(live, false))
	f := newFetcherWithStore(api, s)

	require.NoError(t, f.LoadInitial(context.Background(), "R1"))

	st := s.GetState().Chat
	assert.Equal(t, []string{"m000", "m001", "m002", "m003", "m004", "live-1"}, ids(st.Messages["R1"]))
	assert.Equal(t, 1, st.UnreadCounts["R1"], "unread count matches the list")
	assert.True(t, st.MessagesLoaded["R1"])
}

func TestLoadMore_KeepsMessageReceivedDuringMerge(t *testing.T) {
	api := &fakeAPI{history: history("R1", 50), users: []domain.User{alice}}
	live := domain.Message{
		ID: "live-2", RoomID: "R1", Sender: domain.Embed(alice),
		Content: "pushed", CreatedAt: t0.Add(2 * time.Hour),
	}
	s := store.New(store.NewState(), pushBeforeMerge(live, true))
	f := newFetcherWithStore(api, s, WithPageSize(20))
	ctx := context.Background()

	require.NoError(t, f.LoadInitial(ctx, "R1"))
	require.NoError(t, f.LoadMore(ctx, "R1"))

	got := s.GetState().Chat.Messages["R1"]
	require.Len(t, got, 41)
	assert.Equal(t, "m010", got[0].ID)
	assert.Equal(t, "m049", got[39].ID)
	assert.Equal(t, "live-2", got[40].ID)
	assert.True(t, f.HasMore("R1"))
}

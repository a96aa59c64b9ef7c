// Package history loads past room messages over REST and reconciles
// them with whatever the socket already delivered into the store.
package history

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/example/chat-sync/client/notice"
	"github.com/example/chat-sync/client/store"
	domain "github.com/example/chat-sync/domain/chat"
)

// DefaultPageSize is the number of messages requested per page.
const DefaultPageSize = 30

// API is the REST surface the fetcher needs.
type API interface {
	UserLookup
	// FetchMessages returns up to limit messages of roomID. With an
	// empty before it returns the newest page, otherwise the messages
	// strictly older than the message with id before.
	FetchMessages(ctx context.Context, roomID string, limit int, before string) ([]domain.Message, error)
}

// Fetcher implements initial load and backfill for rooms.
type Fetcher struct {
	api      API
	store    store.API
	pageSize int
	notifier notice.Notifier
	logger   *slog.Logger

	sfGroup singleflight.Group
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithPageSize overrides DefaultPageSize. Non-positive values are ignored.
func WithPageSize(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.pageSize = n
		}
	}
}

// WithNotifier sets where fetch failures are reported.
func WithNotifier(n notice.Notifier) Option {
	return func(f *Fetcher) {
		if n != nil {
			f.notifier = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// New creates a Fetcher writing into s.
func New(api API, s store.API, opts ...Option) *Fetcher {
	f := &Fetcher{
		api:      api,
		store:    s,
		pageSize: DefaultPageSize,
		notifier: notice.Discard,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// PageSize returns the configured page size.
func (f *Fetcher) PageSize() int { return f.pageSize }

// HasMore reports whether older messages may exist for roomID.
func (f *Fetcher) HasMore(roomID string) bool {
	return f.store.GetState().Chat.HasMoreMessages[roomID]
}

// LoadInitial fetches the newest page of roomID and merges it with the
// messages already in the store. It does nothing for a loaded room.
// Errors are reported through the notifier and returned; the store is
// only written on success.
func (f *Fetcher) LoadInitial(ctx context.Context, roomID string) error {
	if f.loaded(roomID) {
		return nil
	}
	_, err, _ := f.sfGroup.Do("initial:"+roomID, func() (any, error) {
		if f.loaded(roomID) {
			return nil, nil
		}
		return nil, f.loadInitial(ctx, roomID)
	})
	return err
}

func (f *Fetcher) loadInitial(ctx context.Context, roomID string) error {
	f.store.Dispatch(store.SetLoadingMessages{Loading: true})
	defer f.store.Dispatch(store.SetLoadingMessages{Loading: false})

	page, err := f.api.FetchMessages(ctx, roomID, f.pageSize, "")
	if err != nil {
		f.failed(roomID, err)
		return err
	}
	hasMore := f.hasMore(page)
	page = f.hydrate(ctx, roomID, page)

	// The merge runs in the reducer so socket messages that land while
	// the request was in flight are kept.
	f.store.Dispatch(store.MergeHistory{RoomID: roomID, Page: page, HasMore: hasMore})
	f.logger.Debug("history loaded", "room", roomID, "fetched", len(page))
	return nil
}

// LoadMore fetches the page preceding the oldest held message of roomID
// and prepends it. On a room that was never loaded it runs LoadInitial.
// It does nothing once the server reported the last page. Concurrent
// calls for one room share a single request.
func (f *Fetcher) LoadMore(ctx context.Context, roomID string) error {
	if !f.loaded(roomID) {
		return f.LoadInitial(ctx, roomID)
	}
	if !f.HasMore(roomID) {
		return nil
	}
	_, err, _ := f.sfGroup.Do("more:"+roomID, func() (any, error) {
		return nil, f.loadMore(ctx, roomID)
	})
	return err
}

func (f *Fetcher) loadMore(ctx context.Context, roomID string) error {
	existing := f.store.GetState().Chat.RoomMessages(roomID)
	if len(existing) == 0 {
		f.store.Dispatch(store.SetHasMoreMessages{RoomID: roomID, HasMore: false})
		return nil
	}
	cursor := existing[0].ID

	f.store.Dispatch(store.SetLoadingMessages{Loading: true})
	defer f.store.Dispatch(store.SetLoadingMessages{Loading: false})

	page, err := f.api.FetchMessages(ctx, roomID, f.pageSize, cursor)
	if err != nil {
		f.failed(roomID, err)
		return err
	}
	hasMore := f.hasMore(page)
	page = f.hydrate(ctx, roomID, page)

	f.store.Dispatch(store.MergeHistory{RoomID: roomID, Page: page, Prepend: true, HasMore: hasMore})
	f.logger.Debug("history backfilled", "room", roomID, "cursor", cursor, "fetched", len(page))
	return nil
}

// hasMore treats a full page as a hint that another page exists. An
// exact multiple of the page size costs one extra empty request.
func (f *Fetcher) hasMore(page []domain.Message) bool {
	return len(page) > 0 && len(page) == f.pageSize
}

func (f *Fetcher) hydrate(ctx context.Context, roomID string, page []domain.Message) []domain.Message {
	out, err := Hydrate(ctx, f.api, page)
	if err != nil {
		f.logger.Warn("sender lookup failed", "room", roomID, "error", err)
		f.notifier.Notify(notice.Notice{
			Level:       notice.Warning,
			Title:       "Some senders could not be loaded",
			Description: err.Error(),
		})
	}
	return out
}

func (f *Fetcher) loaded(roomID string) bool {
	return f.store.GetState().Chat.MessagesLoaded[roomID]
}

func (f *Fetcher) failed(roomID string, err error) {
	f.logger.Error("history fetch failed", "room", roomID, "error", err)
	f.notifier.Notify(notice.Notice{
		Level:       notice.Error,
		Title:       "Failed to load messages",
		Description: err.Error(),
	})
}

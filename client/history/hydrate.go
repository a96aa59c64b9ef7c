package history

import (
	"context"

	domain "github.com/example/chat-sync/domain/chat"
)

// UserLookup resolves user ids to full records in one call.
type UserLookup interface {
	LookupUsers(ctx context.Context, ids []string) ([]domain.User, error)
}

// Hydrate replaces every bare sender id in msgs with its user record.
// Ids the lookup does not return become placeholder users. When the
// lookup itself fails every bare sender becomes a placeholder and the
// error is returned next to the usable result.
func Hydrate(ctx context.Context, lookup UserLookup, msgs []domain.Message) ([]domain.Message, error) {
	ids := bareSenders(msgs)
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	if len(ids) == 0 {
		return out, nil
	}

	var lookupErr error
	byID := make(map[string]domain.User, len(ids))
	users, err := lookup.LookupUsers(ctx, ids)
	if err != nil {
		lookupErr = err
	} else {
		for _, u := range users {
			byID[u.UserID] = u
		}
	}

	for i, m := range out {
		if m.Sender.Resolved() {
			continue
		}
		id := m.Sender.Identifier()
		u, ok := byID[id]
		if !ok {
			u = domain.UnknownUser(id)
		}
		out[i].Sender = domain.Embed(u)
	}
	return out, lookupErr
}

// bareSenders returns the distinct unresolved sender ids in order of
// first appearance.
func bareSenders(msgs []domain.Message) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, m := range msgs {
		if m.Sender.Resolved() {
			continue
		}
		id := m.Sender.Identifier()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

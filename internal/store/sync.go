package store

import (
	"context"

	"github.com/curtbushko/teams-cdr/internal/cdr"
	"github.com/curtbushko/teams-cdr/internal/logging"
)

// WriteThrough is a cdr.Source that reads from a remote source and saves
// everything it returns into a Store
type WriteThrough struct {
	remote cdr.Source
	store  *Store
}

// NewWriteThrough wraps remote so its results are cached in store
func NewWriteThrough(remote cdr.Source, store *Store) *WriteThrough {
	return &WriteThrough{remote: remote, store: store}
}

func (w *WriteThrough) ListCallRecords(ctx context.Context, query cdr.Query) ([]map[string]interface{}, error) {
	raw, err := w.remote.ListCallRecords(ctx, query)
	if err != nil {
		return nil, err
	}
	if n, err := w.store.SaveRecords(ctx, raw); err != nil {
		logging.WarnWithContext(ctx, "Failed to cache call records: %v", err)
	} else {
		logging.DebugWithContext(ctx, "Cached %d call records", n)
	}
	return raw, nil
}

func (w *WriteThrough) GetCallRecord(ctx context.Context, id string) (map[string]interface{}, error) {
	raw, err := w.remote.GetCallRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := w.store.SaveRecords(ctx, []map[string]interface{}{raw}); err != nil {
		logging.WarnWithContext(ctx, "Failed to cache call record %s: %v", id, err)
	}
	return raw, nil
}

func (w *WriteThrough) ListSessions(ctx context.Context, callID string) ([]map[string]interface{}, error) {
	raw, err := w.remote.ListSessions(ctx, callID)
	if err != nil {
		return nil, err
	}
	if err := w.store.SaveSessions(ctx, callID, raw); err != nil {
		logging.WarnWithContext(ctx, "Failed to cache sessions for %s: %v", callID, err)
	}
	return raw, nil
}

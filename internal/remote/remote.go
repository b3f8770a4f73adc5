// Package remote declares the cloud-side stores consumed by the sync engine
// and the hybrid history store.
package remote

import (
	"context"
	"fmt"

	"codeflow/api/internal/errclass"
	"codeflow/api/internal/store"
)

// CommitStore persists pushed commits per user. WriteCommit stamps the commit
// with the store's own clock; QueryAllByUser returns newest first with every
// record marked synced.
type CommitStore interface {
	ExistsByIDAndUser(ctx context.Context, id, userID string) (bool, error)
	WriteCommit(ctx context.Context, commit store.Commit, userID string) error
	QueryAllByUser(ctx context.Context, userID string) ([]store.Commit, error)
}

// HistoryStore persists run-history records. Ids and timestamps of written
// records are assigned by the store.
type HistoryStore interface {
	WriteRecord(ctx context.Context, userID string, draft store.HistoryDraft) (store.HistoryRecord, error)
	QueryAllByUser(ctx context.Context, userID string) ([]store.HistoryRecord, error)
	// DeleteByID removes id only when it belongs to userID.
	DeleteByID(ctx context.Context, userID, id string) error
}

// Disabled stands in for both stores when no remote is configured. Every call
// fails with errclass.ErrUnavailable so callers degrade to the local tier.
type Disabled struct{}

func (Disabled) ExistsByIDAndUser(context.Context, string, string) (bool, error) {
	return false, notConfigured()
}

func (Disabled) WriteCommit(context.Context, store.Commit, string) error {
	return notConfigured()
}

func (Disabled) QueryAllByUser(context.Context, string) ([]store.Commit, error) {
	return nil, notConfigured()
}

// History adapts Disabled to HistoryStore.
func (Disabled) History() HistoryStore { return disabledHistory{} }

type disabledHistory struct{}

func (disabledHistory) WriteRecord(context.Context, string, store.HistoryDraft) (store.HistoryRecord, error) {
	return store.HistoryRecord{}, notConfigured()
}

func (disabledHistory) QueryAllByUser(context.Context, string) ([]store.HistoryRecord, error) {
	return nil, notConfigured()
}

func (disabledHistory) DeleteByID(context.Context, string, string) error {
	return notConfigured()
}

func (disabledHistory) disabled() {}
func (Disabled) disabled()        {}

// IsDisabled reports whether s is the unconfigured stand-in (or nil), letting
// callers skip the remote attempt entirely.
func IsDisabled(s any) bool {
	if s == nil {
		return true
	}
	_, ok := s.(interface{ disabled() })
	return ok
}

func notConfigured() error {
	return fmt.Errorf("remote store not configured: %w", errclass.ErrUnavailable)
}

// Package history saves run-history snippets to the remote store when it can
// and to the local tier when it cannot. Callers never see which tier served
// them unless the failure is fatal.
package history

import (
	"context"
	"fmt"

	"codeflow/api/internal/errclass"
	"codeflow/api/internal/identity"
	"codeflow/api/internal/localstore"
	"codeflow/api/internal/metrics"
	"codeflow/api/internal/remote"
	"codeflow/api/internal/store"

	"go.uber.org/zap"
)

type Store struct {
	local  *localstore.HistoryLog
	remote remote.HistoryStore
	logger *zap.Logger
}

// New returns a hybrid store. A nil remote behaves like a disabled one.
func New(local *localstore.HistoryLog, rs remote.HistoryStore, logger *zap.Logger) *Store {
	if rs == nil {
		rs = remote.Disabled{}.History()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{local: local, remote: rs, logger: logger.Named("history")}
}

func (s *Store) remoteFor(who identity.Identity) bool {
	return !who.IsGuest() && !remote.IsDisabled(s.remote)
}

// Save persists draft. A fallback-class remote failure is absorbed by writing
// to the local tier; a fatal one drops the record and is returned.
func (s *Store) Save(ctx context.Context, who identity.Identity, draft store.HistoryDraft) (store.HistoryRecord, error) {
	if err := draft.Validate(); err != nil {
		return store.HistoryRecord{}, err
	}
	if !s.remoteFor(who) {
		return s.saveLocal(who, draft)
	}

	record, err := s.remote.WriteRecord(ctx, who.UserID(), draft)
	if err == nil {
		metrics.HistorySaves.WithLabelValues("remote").Inc()
		return record, nil
	}
	if errclass.Classify(err) == errclass.LocalFallback {
		s.fallback("save", err)
		return s.saveLocal(who, draft)
	}
	s.logger.Error("history save failed", zap.String("identity", who.String()), zap.Error(err))
	return store.HistoryRecord{}, fmt.Errorf("save history: %w", err)
}

// Record saves draft unless it repeats the newest entry: same code, language
// and comment. The returned bool reports whether a record was written.
func (s *Store) Record(ctx context.Context, who identity.Identity, draft store.HistoryDraft) (store.HistoryRecord, bool, error) {
	records, err := s.Load(ctx, who)
	if err != nil {
		return store.HistoryRecord{}, false, err
	}
	if len(records) > 0 {
		newest := records[0]
		if newest.Code == draft.Code && newest.Language == draft.Language && newest.Comment == draft.Comment {
			return newest, false, nil
		}
	}
	record, err := s.Save(ctx, who, draft)
	if err != nil {
		return store.HistoryRecord{}, false, err
	}
	return record, true, nil
}

// Load returns the identity's history newest first. Records still pending on
// this device are included alongside the remote ones.
func (s *Store) Load(ctx context.Context, who identity.Identity) ([]store.HistoryRecord, error) {
	pending, err := s.local.List(who.StorageKey())
	if err != nil {
		return nil, err
	}
	if !s.remoteFor(who) {
		return pending, nil
	}

	records, err := s.remote.QueryAllByUser(ctx, who.UserID())
	if err != nil {
		if errclass.Classify(err) == errclass.LocalFallback {
			s.fallback("load", err)
			return pending, nil
		}
		s.logger.Error("history load failed", zap.String("identity", who.String()), zap.Error(err))
		return []store.HistoryRecord{}, fmt.Errorf("load history: %w", err)
	}
	merged := make([]store.HistoryRecord, 0, len(records)+len(pending))
	merged = append(merged, records...)
	merged = append(merged, pending...)
	localstore.SortHistory(merged)
	return merged, nil
}

// Delete removes a record. Local ids never touch the remote store. A failed
// remote delete is followed by a local delete of the same id.
func (s *Store) Delete(ctx context.Context, who identity.Identity, id string) error {
	if store.IsLocalID(id) || !s.remoteFor(who) {
		_, err := s.local.Delete(who.StorageKey(), id)
		return err
	}

	err := s.remote.DeleteByID(ctx, who.UserID(), id)
	if err == nil {
		return nil
	}
	if _, localErr := s.local.Delete(who.StorageKey(), id); localErr != nil {
		s.logger.Warn("secondary local delete failed", zap.String("id", id), zap.Error(localErr))
	}
	if errclass.Classify(err) == errclass.LocalFallback {
		s.fallback("delete", err)
		return nil
	}
	s.logger.Error("history delete failed", zap.String("id", id), zap.Error(err))
	return fmt.Errorf("delete history %s: %w", id, err)
}

func (s *Store) saveLocal(who identity.Identity, draft store.HistoryDraft) (store.HistoryRecord, error) {
	record, err := s.local.Append(who.StorageKey(), draft)
	if err != nil {
		return store.HistoryRecord{}, err
	}
	metrics.HistorySaves.WithLabelValues("local").Inc()
	return record, nil
}

func (s *Store) fallback(op string, err error) {
	reason := errclass.Reason(err)
	metrics.Fallbacks.WithLabelValues("history", reason.String()).Inc()
	s.logger.Warn("remote history unavailable, using local tier",
		zap.String("op", op), zap.Stringer("reason", reason), zap.Error(err))
}

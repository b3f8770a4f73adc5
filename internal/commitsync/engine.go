// Package commitsync owns the commit log of each identity: creating commits
// locally, pushing unsynced ones to the remote store and pulling the remote
// log back into the local view.
package commitsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"codeflow/api/internal/errclass"
	"codeflow/api/internal/identity"
	"codeflow/api/internal/localstore"
	"codeflow/api/internal/metrics"
	"codeflow/api/internal/remote"
	"codeflow/api/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	opPush = "push"
	opPull = "pull"
)

var ErrCommitNotFound = errors.New("commit not found")

type Engine struct {
	log    *localstore.CommitLog
	remote remote.CommitStore
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
	pulls  singleflight.Group
}

// New builds an engine over the local log. A nil remote behaves like
// remote.Disabled.
func New(log *localstore.CommitLog, rs remote.CommitStore, logger *zap.Logger) *Engine {
	if rs == nil {
		rs = remote.Disabled{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		log:    log,
		remote: rs,
		logger: logger.Named("commitsync"),
		now:    time.Now,
		newID:  uuid.NewString,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Commit validates draft and records it locally as LocalOnly.
func (e *Engine) Commit(who identity.Identity, draft store.CommitDraft) (store.Commit, error) {
	draft = draft.Normalize()
	if err := draft.Validate(); err != nil {
		return store.Commit{}, err
	}
	commit := store.Commit{
		ID:         e.newID(),
		Message:    draft.Message,
		Timestamp:  e.now().UTC(),
		Code:       draft.Code,
		Language:   draft.Language,
		Author:     who.DisplayName(),
		SyncStatus: store.SyncLocalOnly,
	}
	if err := e.log.Append(who.StorageKey(), commit); err != nil {
		return store.Commit{}, fmt.Errorf("record commit: %w", err)
	}
	return commit, nil
}

// Log returns the local commit log, newest first.
func (e *Engine) Log(who identity.Identity) ([]store.Commit, error) {
	return e.log.List(who.StorageKey())
}

// Checkout returns the commit whose code and language should be restored.
func (e *Engine) Checkout(who identity.Identity, id string) (store.Commit, error) {
	commit, ok, err := e.log.Get(who.StorageKey(), id)
	if err != nil {
		return store.Commit{}, err
	}
	if !ok {
		return store.Commit{}, ErrCommitNotFound
	}
	return commit, nil
}

// Delete removes a commit from the local log only. A synced commit will come
// back on the next pull.
func (e *Engine) Delete(who identity.Identity, id string) (bool, error) {
	return e.log.Delete(who.StorageKey(), id)
}

// Pending lists the commits that have not reached the remote store.
func (e *Engine) Pending(who identity.Identity) ([]store.Commit, error) {
	commits, err := e.log.List(who.StorageKey())
	if err != nil {
		return nil, err
	}
	pending := make([]store.Commit, 0, len(commits))
	for _, commit := range commits {
		if !commit.IsSynced() {
			pending = append(pending, commit)
		}
	}
	return pending, nil
}

// PushIDs pushes the local commits named by ids. Unknown ids are ignored; an
// empty list pushes every pending commit.
func (e *Engine) PushIDs(ctx context.Context, who identity.Identity, ids []string) Result {
	if len(ids) == 0 {
		return e.Push(ctx, who, nil)
	}
	commits, err := e.log.List(who.StorageKey())
	if err != nil {
		return e.finish(Result{Op: opPush, Status: StatusFailed, Err: err})
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	candidates := make([]store.Commit, 0, len(ids))
	for _, commit := range commits {
		if _, ok := wanted[commit.ID]; ok {
			candidates = append(candidates, commit)
		}
	}
	return e.Push(ctx, who, candidates)
}

// Push sends LocalOnly candidates to the remote store. Each candidate is
// existence-checked before it is written, so repeating a push is harmless.
// The first remote error aborts the remaining candidates; every candidate
// confirmed before that point is still marked synced. A nil candidates slice
// means all pending commits.
func (e *Engine) Push(ctx context.Context, who identity.Identity, candidates []store.Commit) Result {
	res := Result{Op: opPush}
	if who.IsGuest() {
		res.Status = StatusSkipped
		return e.finish(res)
	}

	lock := e.userLock(who.StorageKey())
	lock.Lock()
	defer lock.Unlock()

	if candidates == nil {
		pending, err := e.Pending(who)
		if err != nil {
			res.Status, res.Err = StatusFailed, err
			return e.finish(res)
		}
		candidates = pending
	}
	pending := make([]store.Commit, 0, len(candidates))
	for _, commit := range candidates {
		if !commit.IsSynced() {
			pending = append(pending, commit)
		}
	}
	res.Candidates = len(pending)
	if len(pending) == 0 {
		res.Status = StatusNothingToPush
		return e.finish(res)
	}
	if remote.IsDisabled(e.remote) {
		res.Status = StatusOffline
		res.Err = fmt.Errorf("push: %w", errclass.ErrUnavailable)
		return e.finish(res)
	}

	confirmed := make([]string, 0, len(pending))
	var pushErr error
	for _, commit := range pending {
		exists, err := e.remote.ExistsByIDAndUser(ctx, commit.ID, who.UserID())
		if err != nil {
			pushErr = err
			break
		}
		if exists {
			res.AlreadyRemote++
		} else {
			if err := e.remote.WriteCommit(ctx, commit, who.UserID()); err != nil {
				pushErr = err
				break
			}
			res.Written++
			metrics.CommitsPushed.Inc()
		}
		confirmed = append(confirmed, commit.ID)
	}

	marked, markErr := e.log.MarkSynced(who.StorageKey(), confirmed)
	res.Marked = marked

	switch {
	case pushErr != nil:
		res.Err = pushErr
		if len(confirmed) > 0 {
			res.Status = StatusPartial
		} else {
			res.Status = failureStatus(pushErr)
		}
		if markErr != nil {
			res.Err = errors.Join(pushErr, markErr)
		}
	case markErr != nil:
		res.Status, res.Err = StatusFailed, markErr
	default:
		res.Status = StatusCompleted
	}
	return e.finish(res)
}

// Pull replaces the local view with the remote log plus every LocalOnly
// commit the remote does not hold. Concurrent pulls for one identity share a
// single remote read. On remote failure the local view is returned unchanged.
func (e *Engine) Pull(ctx context.Context, who identity.Identity) Result {
	if who.IsGuest() {
		return e.finish(Result{Op: opPull, Status: StatusSkipped, Commits: []store.Commit{}})
	}
	v, _, _ := e.pulls.Do(who.StorageKey(), func() (any, error) {
		return e.pull(ctx, who), nil
	})
	res := v.(Result)
	res.Commits = append([]store.Commit(nil), res.Commits...)
	return res
}

func (e *Engine) pull(ctx context.Context, who identity.Identity) Result {
	res := Result{Op: opPull}
	key := who.StorageKey()

	lock := e.userLock(key)
	lock.Lock()
	defer lock.Unlock()

	if remote.IsDisabled(e.remote) {
		res.Status = StatusOffline
		res.Err = fmt.Errorf("pull: %w", errclass.ErrUnavailable)
		res.Commits, res.Err = e.localView(key, res.Err)
		return e.finish(res)
	}

	remoteCommits, err := e.remote.QueryAllByUser(ctx, who.UserID())
	if err != nil {
		res.Status = failureStatus(err)
		res.Commits, res.Err = e.localView(key, err)
		return e.finish(res)
	}

	var merged []store.Commit
	err = e.log.Update(key, func(local []store.Commit) ([]store.Commit, error) {
		merged = Merge(remoteCommits, local)
		return merged, nil
	})
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return e.finish(res)
	}
	res.Status = StatusCompleted
	res.Commits = merged
	return e.finish(res)
}

// localView reads the local log after a failed remote read. A local read
// failure is joined to cause and leaves an empty view.
func (e *Engine) localView(key string, cause error) ([]store.Commit, error) {
	commits, err := e.log.List(key)
	if err != nil {
		return []store.Commit{}, errors.Join(cause, fmt.Errorf("read local log: %w", err))
	}
	return commits, cause
}

// Merge unions the remote log with the local commits that exist only on this
// device. Remote entries win for ids present on both sides and are marked
// synced. Local synced commits missing remotely are dropped. The result is
// newest first with ties ordered by id.
func Merge(remoteCommits, local []store.Commit) []store.Commit {
	seen := make(map[string]struct{}, len(remoteCommits))
	merged := make([]store.Commit, 0, len(remoteCommits)+len(local))
	for _, commit := range remoteCommits {
		if _, dup := seen[commit.ID]; dup {
			continue
		}
		seen[commit.ID] = struct{}{}
		commit.SyncStatus = store.SyncSynced
		merged = append(merged, commit)
	}
	for _, commit := range local {
		if commit.IsSynced() {
			continue
		}
		if _, ok := seen[commit.ID]; ok {
			continue
		}
		seen[commit.ID] = struct{}{}
		merged = append(merged, commit)
	}
	localstore.SortCommits(merged)
	return merged
}

func (e *Engine) finish(res Result) Result {
	if res.Err != nil {
		res.Reason = errclass.Reason(res.Err)
	}
	metrics.SyncRuns.WithLabelValues(res.Op, string(res.Status)).Inc()

	fields := []zap.Field{
		zap.String("op", res.Op),
		zap.String("status", string(res.Status)),
		zap.Int("candidates", res.Candidates),
		zap.Int("written", res.Written),
		zap.Int("marked", res.Marked),
	}
	switch res.Status {
	case StatusFailed:
		e.logger.Error("sync failed", append(fields, zap.Error(res.Err))...)
	case StatusOffline, StatusPartial:
		metrics.Fallbacks.WithLabelValues("commitsync", res.Reason.String()).Inc()
		e.logger.Warn("sync degraded", append(fields, zap.Stringer("reason", res.Reason), zap.Error(res.Err))...)
	default:
		e.logger.Debug("sync finished", fields...)
	}
	return res
}

func (e *Engine) userLock(key string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}

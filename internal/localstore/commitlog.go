package localstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"codeflow/api/internal/store"
)

// CommitLog is the on-device commit history, one snapshot per owner.
type CommitLog struct {
	tier Tier
	mu   sync.Mutex
}

func NewCommitLog(tier Tier) *CommitLog {
	return &CommitLog{tier: tier}
}

// Append inserts commit at the head of the owner's log and persists the log.
func (l *CommitLog) Append(owner string, commit store.Commit) error {
	return l.Update(owner, func(commits []store.Commit) ([]store.Commit, error) {
		for _, existing := range commits {
			if existing.ID == commit.ID {
				return nil, fmt.Errorf("commit %s already recorded", commit.ID)
			}
		}
		return append([]store.Commit{commit}, commits...), nil
	})
}

// List returns the owner's commits, most recent first.
func (l *CommitLog) List(owner string) ([]store.Commit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(owner)
}

func (l *CommitLog) Get(owner, id string) (store.Commit, bool, error) {
	commits, err := l.List(owner)
	if err != nil {
		return store.Commit{}, false, err
	}
	for _, commit := range commits {
		if commit.ID == id {
			return commit, true, nil
		}
	}
	return store.Commit{}, false, nil
}

// Delete removes one commit from the local log. A missing id is not an error.
func (l *CommitLog) Delete(owner, id string) (bool, error) {
	removed := false
	err := l.Update(owner, func(commits []store.Commit) ([]store.Commit, error) {
		kept := make([]store.Commit, 0, len(commits))
		for _, commit := range commits {
			if commit.ID == id {
				removed = true
				continue
			}
			kept = append(kept, commit)
		}
		return kept, nil
	})
	return removed, err
}

// MarkSynced flips the given commits to SyncSynced. Commits already synced or
// absent from the log are left alone.
func (l *CommitLog) MarkSynced(owner string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	marked := 0
	err := l.Update(owner, func(commits []store.Commit) ([]store.Commit, error) {
		for i := range commits {
			if _, ok := wanted[commits[i].ID]; !ok || commits[i].IsSynced() {
				continue
			}
			commits[i].SyncStatus = store.SyncSynced
			marked++
		}
		return commits, nil
	})
	return marked, err
}

// Update runs fn over the current log and persists its result as the new
// snapshot. The read-modify-write cycle is atomic with respect to other
// CommitLog calls. The result is re-sorted newest first.
func (l *CommitLog) Update(owner string, fn func([]store.Commit) ([]store.Commit, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	commits, err := l.load(owner)
	if err != nil {
		return err
	}
	next, err := fn(commits)
	if err != nil {
		return err
	}
	SortCommits(next)
	return l.save(owner, next)
}

func (l *CommitLog) load(owner string) ([]store.Commit, error) {
	raw, err := l.tier.Read(CommitsStore, owner)
	if err != nil {
		return nil, fmt.Errorf("load local commits: %w", err)
	}
	commits := make([]store.Commit, 0)
	if len(raw) == 0 {
		return commits, nil
	}
	if err := json.Unmarshal(raw, &commits); err != nil {
		return nil, fmt.Errorf("decode local commits: %w", err)
	}
	return commits, nil
}

func (l *CommitLog) save(owner string, commits []store.Commit) error {
	if commits == nil {
		commits = []store.Commit{}
	}
	payload, err := json.Marshal(commits)
	if err != nil {
		return fmt.Errorf("encode local commits: %w", err)
	}
	if err := l.tier.Write(CommitsStore, owner, payload); err != nil {
		return fmt.Errorf("persist local commits: %w", err)
	}
	return nil
}

// SortCommits orders commits newest first, breaking timestamp ties by id so
// the order is stable across devices.
func SortCommits(commits []store.Commit) {
	sort.SliceStable(commits, func(i, j int) bool {
		if !commits[i].Timestamp.Equal(commits[j].Timestamp) {
			return commits[i].Timestamp.After(commits[j].Timestamp)
		}
		return commits[i].ID < commits[j].ID
	})
}

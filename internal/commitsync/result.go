package commitsync

import (
	"codeflow/api/internal/errclass"
	"codeflow/api/internal/store"
)

type Status string

const (
	StatusCompleted     Status = "completed"
	StatusPartial       Status = "partial"
	StatusNothingToPush Status = "nothing_to_push"
	StatusSkipped       Status = "skipped"
	StatusOffline       Status = "offline"
	StatusFailed        Status = "failed"
)

// Result reports the outcome of a push or pull. Push and Pull never return a
// bare error; failures are described here.
type Result struct {
	Op     string `json:"op"`
	Status Status `json:"status"`

	// Push counters. Candidates counts the LocalOnly commits considered.
	Candidates    int `json:"candidates"`
	Written       int `json:"written"`
	AlreadyRemote int `json:"alreadyRemote"`
	Marked        int `json:"marked"`

	// Commits is the local view after a pull.
	Commits []store.Commit `json:"commits,omitempty"`

	Err    error         `json:"-"`
	Reason errclass.Kind `json:"-"`
}

// OK reports whether the run finished without error.
func (r Result) OK() bool {
	return r.Err == nil
}

// Message is a one-line summary for CLI and API consumers.
func (r Result) Message() string {
	switch r.Status {
	case StatusNothingToPush:
		return "Nothing to push"
	case StatusSkipped:
		return "Sign in to sync commits"
	case StatusOffline:
		return "Remote unavailable, working offline"
	case StatusPartial:
		return "Sync interrupted, some commits were synced"
	case StatusFailed:
		return "Sync failed"
	default:
		if r.Op == opPull {
			return "Pulled latest commits"
		}
		return "Pushed commits"
	}
}

// failureStatus maps a remote error to Offline or Failed.
func failureStatus(err error) Status {
	if errclass.Classify(err) == errclass.LocalFallback {
		return StatusOffline
	}
	return StatusFailed
}

package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"codeflow/api/internal/commitsync"
	"codeflow/api/internal/gitexport"
	"codeflow/api/internal/history"
	"codeflow/api/internal/identity"
	"codeflow/api/internal/store"

	"go.uber.org/zap"
)

// Pinger is a dependency probed by the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Commits   *commitsync.Engine
	History   *history.Store
	Tokens    *identity.Authority
	Passwords *identity.Passwords
	Exporter  *gitexport.Exporter
	Checks    map[string]Pinger
	Logger    *zap.Logger
}

// Service is the use-case layer shared by the HTTP server and the CLI.
type Service struct {
	commits   *commitsync.Engine
	history   *history.Store
	tokens    *identity.Authority
	passwords *identity.Passwords
	exporter  *gitexport.Exporter
	checks    map[string]Pinger
	logger    *zap.Logger
}

func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		commits:   d.Commits,
		history:   d.History,
		tokens:    d.Tokens,
		passwords: d.Passwords,
		exporter:  d.Exporter,
		checks:    d.Checks,
		logger:    logger,
	}
}

type Session struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
}

// Identify resolves a bearer token; an empty token is the guest.
func (s *Service) Identify(token string) (identity.Identity, error) {
	return s.tokens.Identify(token)
}

func (s *Service) SignUp(ctx context.Context, req identity.SignUpRequest) (Session, error) {
	if s.passwords == nil {
		return Session{}, errAuthUnavailable
	}
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issue(user)
}

func (s *Service) SignIn(ctx context.Context, req identity.SignInRequest) (Session, error) {
	if s.passwords == nil {
		return Session{}, errAuthUnavailable
	}
	user, err := s.passwords.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issue(user)
}

func (s *Service) issue(user store.User) (Session, error) {
	token, expires, err := s.tokens.Issue(user.ID, user.DisplayName)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: expires, UserID: user.ID, DisplayName: user.DisplayName}, nil
}

func (s *Service) CreateCommit(who identity.Identity, draft store.CommitDraft) (store.Commit, error) {
	return s.commits.Commit(who, draft)
}

func (s *Service) ListCommits(who identity.Identity) ([]store.Commit, error) {
	return s.commits.Log(who)
}

func (s *Service) Checkout(who identity.Identity, id string) (store.Commit, error) {
	return s.commits.Checkout(who, id)
}

func (s *Service) DeleteCommit(who identity.Identity, id string) error {
	removed, err := s.commits.Delete(who, id)
	if err != nil {
		return err
	}
	if !removed {
		return commitsync.ErrCommitNotFound
	}
	return nil
}

func (s *Service) Push(ctx context.Context, who identity.Identity, ids []string) commitsync.Result {
	return s.commits.PushIDs(ctx, who, ids)
}

func (s *Service) Pull(ctx context.Context, who identity.Identity) commitsync.Result {
	return s.commits.Pull(ctx, who)
}

// SaveHistory stores a run. With dedupe set, a run identical to the newest
// entry is not stored again and the existing entry is returned.
func (s *Service) SaveHistory(ctx context.Context, who identity.Identity, draft store.HistoryDraft, dedupe bool) (store.HistoryRecord, bool, error) {
	if dedupe {
		return s.history.Record(ctx, who, draft)
	}
	record, err := s.history.Save(ctx, who, draft)
	if err != nil {
		return store.HistoryRecord{}, false, err
	}
	return record, true, nil
}

func (s *Service) ListHistory(ctx context.Context, who identity.Identity) ([]store.HistoryRecord, error) {
	return s.history.Load(ctx, who)
}

func (s *Service) DeleteHistory(ctx context.Context, who identity.Identity, id string) error {
	return s.history.Delete(ctx, who, id)
}

func (s *Service) ExportGit(who identity.Identity) (gitexport.Report, error) {
	if s.exporter == nil {
		return gitexport.Report{}, errExportUnavailable
	}
	commits, err := s.commits.Log(who)
	if err != nil {
		return gitexport.Report{}, err
	}
	report, err := s.exporter.Export(who.StorageKey(), commits)
	if err != nil {
		return report, fmt.Errorf("export git: %w", err)
	}
	s.logger.Info("git export finished",
		zap.String("identity", who.String()),
		zap.Int("exported", report.Exported),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ready probes every configured dependency. The local tier is always
// available, so an unreachable remote only degrades readiness.
func (s *Service) Ready(ctx context.Context) (bool, map[string]CheckResult) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ok := true
	results := make(map[string]CheckResult, len(names))
	for _, name := range names {
		if err := s.checks[name].Ping(ctx); err != nil {
			ok = false
			results[name] = CheckResult{Status: "error", Error: err.Error()}
			continue
		}
		results[name] = CheckResult{Status: "ok"}
	}
	return ok, results
}

package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codeflow/api/internal/commitsync"
	"codeflow/api/internal/identity"
	"codeflow/api/internal/metrics"
	"codeflow/api/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
	metrics    http.Handler
	identities identity.Provider
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     logger.Named("http"),
		metrics:    promhttp.Handler(),
		identities: identity.ContextProvider{},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		ok, checks := s.service.Ready(ctx)
		status, code := "ready", http.StatusOK
		if !ok {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"ok": ok, "status": status, "checks": checks})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		var body identity.SignUpRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignUp(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, session)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		var body identity.SignInRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignIn(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
		return
	}

	r, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	who, err := s.identities.CurrentIdentity(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": !who.IsGuest(),
			"userId":        who.UserID(),
			"displayName":   who.DisplayName(),
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch parts[1] {
	case "commits":
		s.handleCommits(w, r, who, parts[2:])
	case "sync":
		s.handleSync(w, r, who, parts[2:])
	case "history":
		s.handleHistory(w, r, who, parts[2:])
	case "export":
		if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "git" {
			report, err := s.service.ExportGit(who)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, report)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleCommits(w http.ResponseWriter, r *http.Request, who identity.Identity, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		commits, err := s.service.ListCommits(who)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		pending := 0
		for _, commit := range commits {
			if !commit.IsSynced() {
				pending++
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": commits, "pending": pending})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body store.CommitDraft
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		commit, err := s.service.CreateCommit(who, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, commit)

	case len(rest) == 1 && r.Method == http.MethodGet:
		commit, err := s.service.Checkout(who, rest[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"code":     commit.Code,
			"language": commit.Language,
			"commit":   commit,
		})

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteCommit(who, rest[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request, who identity.Identity, rest []string) {
	if r.Method != http.MethodPost || len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	var res commitsync.Result
	switch rest[0] {
	case "push":
		var body struct {
			IDs []string `json:"ids"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		res = s.service.Push(r.Context(), who, body.IDs)
	case "pull":
		res = s.service.Pull(r.Context(), who)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	writeJSON(w, syncStatusCode(res), syncPayload(res))
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, who identity.Identity, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		records, err := s.service.ListHistory(r.Context(), who)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": records})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			store.HistoryDraft
			Dedupe bool `json:"dedupe"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		record, created, err := s.service.SaveHistory(r.Context(), who, body.HistoryDraft, body.Dedupe)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{"record": record, "created": created})

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteHistory(r.Context(), who, rest[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

// requireIdentity resolves the bearer token and returns r carrying the
// identity on its context. No token means guest; a bad token is rejected
// rather than silently downgraded.
func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	who, err := s.service.Identify(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return r, false
	}
	return r.WithContext(identity.WithIdentity(r.Context(), who)), true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	mapped := mapError(err)
	if mapped.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, mapped.Status, mapped.Code, mapped.Message, mapped.Details)
}

func syncStatusCode(res commitsync.Result) int {
	if res.Status == commitsync.StatusFailed {
		return http.StatusBadGateway
	}
	return http.StatusOK
}

func syncPayload(res commitsync.Result) map[string]any {
	payload := map[string]any{
		"op":            res.Op,
		"status":        res.Status,
		"message":       res.Message(),
		"candidates":    res.Candidates,
		"written":       res.Written,
		"alreadyRemote": res.AlreadyRemote,
		"marked":        res.Marked,
	}
	if res.Commits != nil {
		payload["commits"] = res.Commits
	}
	if res.Err != nil {
		payload["error"] = res.Err.Error()
		payload["reason"] = res.Reason.String()
	}
	return payload
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		route := routeLabel(r.URL.Path)
		elapsed := time.Since(started)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(writer.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", elapsed))
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// routeLabel collapses ids so metric cardinality stays bounded.
func routeLabel(path string) string {
	parts := splitPath(path)
	if len(parts) >= 3 && parts[0] == "api" && (parts[1] == "commits" || parts[1] == "history") {
		return "/api/" + parts[1] + "/:id"
	}
	return "/" + strings.Join(parts, "/")
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	body := map[string]any{"code": code, "message": message}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

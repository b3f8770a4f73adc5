package app

import (
	"errors"
	"fmt"
	"net/http"

	"codeflow/api/internal/commitsync"
	"codeflow/api/internal/errclass"
	"codeflow/api/internal/identity"
	"codeflow/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errAuthUnavailable   = domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Account storage is not configured", nil)
	errExportUnavailable = domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Git export is not configured", nil)
)

func mapError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var validationErr *store.ValidationError
	if errors.As(err, &validationErr) {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", validationErr.Error(), map[string]string{"field": validationErr.Field})
	}
	switch {
	case errors.Is(err, commitsync.ErrCommitNotFound), errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case errors.Is(err, identity.ErrInvalidToken), errors.Is(err, identity.ErrExpiredToken):
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	case errors.Is(err, identity.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	case errors.Is(err, identity.ErrEmailTaken):
		return domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	}
	if errclass.Classify(err) == errclass.LocalFallback {
		return domainError(http.StatusServiceUnavailable, "REMOTE_UNAVAILABLE", "Remote store unavailable", nil)
	}
	return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
}

// Package errclass decides whether a storage failure may silently degrade to
// the local tier or must be reported to the caller.
package errclass

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"codeflow/api/internal/store"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
)

// Outcome is the decision taken for a failed remote operation.
type Outcome int

const (
	Fatal Outcome = iota
	LocalFallback
)

func (o Outcome) String() string {
	if o == LocalFallback {
		return "local_fallback"
	}
	return "fatal"
}

// Kind is the error taxonomy behind an Outcome.
type Kind int

const (
	Unknown Kind = iota
	Connectivity
	Authorization
	Validation
)

func (k Kind) String() string {
	switch k {
	case Connectivity:
		return "connectivity"
	case Authorization:
		return "authorization"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

var (
	// ErrUnavailable marks a remote that cannot be reached or is not configured.
	ErrUnavailable = errors.New("remote service unavailable")
	// ErrPermissionDenied marks a remote that refused the operation for this user.
	ErrPermissionDenied = errors.New("remote permission denied")
)

// Classify maps every error, nil included, to exactly one Outcome.
func Classify(err error) Outcome {
	switch Reason(err) {
	case Connectivity, Authorization:
		return LocalFallback
	default:
		return Fatal
	}
}

// Reason reports the taxonomy kind of err. Checks run from most to least
// specific so wrapped errors resolve the same way as bare ones.
func Reason(err error) Kind {
	if err == nil {
		return Unknown
	}

	var validationErr *store.ValidationError
	if errors.As(err, &validationErr) {
		return Validation
	}

	switch {
	case errors.Is(err, ErrPermissionDenied):
		return Authorization
	case errors.Is(err, ErrUnavailable):
		return Connectivity
	case errors.Is(err, context.Canceled):
		return Unknown
	case errors.Is(err, context.DeadlineExceeded):
		return Connectivity
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return Connectivity
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return Connectivity
	case errors.Is(err, redis.ErrClosed), errors.Is(err, redis.ErrPoolTimeout):
		return Connectivity
	}

	if kind, ok := postgresReason(err); ok {
		return kind
	}
	if kind, ok := redisReason(err); ok {
		return kind
	}
	if kind, ok := objectStoreReason(err); ok {
		return kind
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Connectivity
	}
	return Unknown
}

func postgresReason(err error) (Kind, bool) {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return Connectivity, true
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if pgconn.Timeout(err) {
			return Connectivity, true
		}
		return Unknown, false
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "08"):
		return Connectivity, true
	case pgErr.Code == "53300", pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
		return Connectivity, true
	case pgErr.Code == "42501", pgErr.Code == "28000", pgErr.Code == "28P01":
		return Authorization, true
	}
	return Unknown, true
}

func redisReason(err error) (Kind, bool) {
	var redisErr redis.Error
	if !errors.As(err, &redisErr) {
		return Unknown, false
	}
	message := redisErr.Error()
	for _, prefix := range []string{"NOPERM", "NOAUTH", "WRONGPASS"} {
		if strings.HasPrefix(message, prefix) {
			return Authorization, true
		}
	}
	for _, prefix := range []string{"LOADING", "MASTERDOWN", "TRYAGAIN", "CLUSTERDOWN"} {
		if strings.HasPrefix(message, prefix) {
			return Connectivity, true
		}
	}
	return Unknown, true
}

func objectStoreReason(err error) (Kind, bool) {
	var minioErr minio.ErrorResponse
	if !errors.As(err, &minioErr) {
		var minioPtr *minio.ErrorResponse
		if !errors.As(err, &minioPtr) || minioPtr == nil {
			return Unknown, false
		}
		minioErr = *minioPtr
	}
	switch {
	case minioErr.Code == "AccessDenied", minioErr.Code == "InvalidAccessKeyId", minioErr.Code == "SignatureDoesNotMatch":
		return Authorization, true
	case minioErr.StatusCode == http.StatusForbidden, minioErr.StatusCode == http.StatusUnauthorized:
		return Authorization, true
	case minioErr.Code == "ServiceUnavailable", minioErr.Code == "SlowDown", minioErr.Code == "XMinioServerNotInitialized":
		return Connectivity, true
	case minioErr.StatusCode == http.StatusServiceUnavailable, minioErr.StatusCode == http.StatusBadGateway, minioErr.StatusCode == http.StatusGatewayTimeout:
		return Connectivity, true
	}
	return Unknown, true
}

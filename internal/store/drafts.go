package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Languages accepted by the playground editor.
var Languages = []string{"JavaScript", "Python", "Java", "C++", "C", "Go", "HTML", "SQL", "Rust", "Swift"}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationError is returned before any storage tier is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

type CommitDraft struct {
	Message  string `json:"message" validate:"required,max=500"`
	Code     string `json:"code" validate:"max=1048576"`
	Language string `json:"language" validate:"required,oneof=JavaScript Python Java C++ C Go HTML SQL Rust Swift"`
}

// Normalize trims the message so that whitespace-only messages fail validation.
func (d CommitDraft) Normalize() CommitDraft {
	d.Message = strings.TrimSpace(d.Message)
	d.Language = strings.TrimSpace(d.Language)
	return d
}

func (d CommitDraft) Validate() error {
	return structError(validate.Struct(d.Normalize()))
}

type HistoryDraft struct {
	Language string `json:"language" validate:"required,oneof=JavaScript Python Java C++ C Go HTML SQL Rust Swift"`
	Code     string `json:"code" validate:"max=1048576"`
	Title    string `json:"title" validate:"max=200"`
	Comment  string `json:"comment" validate:"max=2000"`
}

func (d HistoryDraft) Validate() error {
	return structError(validate.Struct(d))
}

// ValidateStruct checks v against its validate tags and reports the first
// failure as a *ValidationError.
func ValidateStruct(v any) error {
	return structError(validate.Struct(v))
}

func structError(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Field: "input", Message: err.Error()}
	}
	first := fieldErrs[0]
	field := strings.ToLower(first.Field())
	switch first.Tag() {
	case "required":
		return &ValidationError{Field: field, Message: "cannot be empty"}
	case "oneof":
		return &ValidationError{Field: field, Message: fmt.Sprintf("unsupported value %q", first.Value())}
	case "max":
		return &ValidationError{Field: field, Message: "exceeds " + first.Param() + " characters"}
	case "min":
		return &ValidationError{Field: field, Message: "needs at least " + first.Param() + " characters"}
	case "email":
		return &ValidationError{Field: field, Message: "is not a valid address"}
	default:
		return &ValidationError{Field: field, Message: "failed " + first.Tag()}
	}
}

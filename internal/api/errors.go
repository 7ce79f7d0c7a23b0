package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/phrazzld/runqueue/internal/api/shared"
	"github.com/phrazzld/runqueue/internal/domain"
	"github.com/phrazzld/runqueue/internal/store"
)

// errInvalidID is returned for malformed task IDs in the path.
var errInvalidID = errors.New("invalid task ID")

// MapErrorToStatusCode maps engine errors to HTTP status codes.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, errInvalidID),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, store.ErrTransactionFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err that reveals
// nothing about storage or handler internals.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.Is(err, errInvalidID):
		return "Invalid task ID"
	case errors.Is(err, domain.ErrValidation):
		return SanitizeValidationError(err)
	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid task data"
	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, store.ErrNotFound):
		return "Not found"
	case errors.Is(err, store.ErrDuplicate):
		return "Task already exists"
	case errors.Is(err, domain.ErrInvalidState):
		return "Operation not allowed in the task's current state"
	case errors.Is(err, store.ErrTransactionFailed):
		return "Task store busy, retry later"
	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError turns a validator message such as
// "Key: 'SubmitRequest.Type' Error:Field validation for 'Type' failed on the
// 'required' tag" into "Invalid Type: required field". Messages written by
// the engine itself are kept after the ErrValidation prefix.
func SanitizeValidationError(err error) string {
	msg := err.Error()

	if _, after, ok := strings.Cut(msg, "Error:Field validation for "); ok {
		parts := strings.Split(after, "'")
		if len(parts) >= 4 {
			return fmt.Sprintf("Invalid %s: %s", parts[1], validationTagMessage(parts[3]))
		}
		if len(parts) >= 2 {
			return fmt.Sprintf("Invalid %s", parts[1])
		}
	}

	prefix := domain.ErrValidation.Error() + ": "
	if i := strings.Index(msg, prefix); i >= 0 {
		detail := msg[i+len(prefix):]
		if detail != "" && !strings.Contains(detail, "Key:") {
			return "Validation error: " + detail
		}
	}
	return "Validation error"
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gte", "gt":
		return "too small"
	case "max", "lte", "lt":
		return "too large"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}

// HandleAPIError writes the response for err, logging the redacted details.
// A non-empty message overrides the derived safe message.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := MapErrorToStatusCode(err)
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}

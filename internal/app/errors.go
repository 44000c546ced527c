package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"scenesync/api/internal/auth"
	"scenesync/api/internal/store"
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

// mapError translates errors into the wire taxonomy. Anything unrecognized is
// treated as a transient storage failure: safe for the caller to retry with
// backoff. Broadcast failures never reach here; they are swallowed inside the
// broadcast channel.
func mapError(err error) (int, string, string, any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var conflictErr *store.VersionConflictError
	if errors.As(err, &conflictErr) {
		return http.StatusConflict, "VERSION_CONFLICT", "Stored version is ahead of expectedVersion",
			map[string]any{"currentVersion": conflictErr.CurrentVersion}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}

	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}

	return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Storage temporarily unavailable", nil
}

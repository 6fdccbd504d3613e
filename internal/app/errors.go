package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"devcommandhub/api/internal/auth"
	"devcommandhub/api/internal/engagement"
	"devcommandhub/api/internal/moderation"
	"devcommandhub/api/internal/validation"
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
	errAuthRequired = domainError(http.StatusUnauthorized, "AUTH_REQUIRED", "Please sign in first", nil)
	errForbidden    = domainError(http.StatusForbidden, "FORBIDDEN", "Only admins can do that", nil)
	errNotFound     = domainError(http.StatusNotFound, "NOT_FOUND", "Command not found", nil)
)

func storeWriteFailed() *DomainError {
	return domainError(http.StatusInternalServerError, "STORE_WRITE_FAILED", "Could not save the change, please try again", nil)
}

func storeReadFailed() *DomainError {
	return domainError(http.StatusServiceUnavailable, "STORE_READ_FAILED", "Could not load commands", nil)
}

func validationFailed(err error) *DomainError {
	var verr *validation.Error
	if errors.As(err, &verr) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", verr.Error(), verr.Fields)
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var verr *validation.Error
	if errors.As(err, &verr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", verr.Error(), verr.Fields
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, moderation.ErrInvalidTransition) {
		return http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil
	}
	if errors.Is(err, engagement.ErrIdentityRequired) {
		return http.StatusUnauthorized, "AUTH_REQUIRED", "Please sign in first", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

package app

import (
	"fmt"
	"net/http"
)

// DomainError carries the HTTP status and code a handler should answer with.
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

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, details)
}

var errBackupDisabled = domainError(http.StatusNotImplemented, "BACKUP_DISABLED", "No backup target configured", nil)

func notConfigured(service string) *DomainError {
	return domainError(http.StatusNotImplemented, "NOT_CONFIGURED", service+" service is not configured", nil)
}

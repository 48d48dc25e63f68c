package app

import (
	"errors"
	"fmt"
	"net/http"

	"docforge/api/internal/export"
	"docforge/api/internal/history"
	"docforge/api/internal/workflow"
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

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

func notFound(documentID string) *DomainError {
	return domainError(http.StatusNotFound, workflow.CodeDocumentNotFound, "document not found",
		map[string]any{"documentId": documentID})
}

// statusForKind maps a workflow error kind to its HTTP status.
func statusForKind(kind workflow.Kind) int {
	switch kind {
	case workflow.KindNotFound:
		return http.StatusNotFound
	case workflow.KindConflict:
		return http.StatusConflict
	case workflow.KindAIGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var wfErr *workflow.Error
	if errors.As(err, &wfErr) {
		status := statusForKind(wfErr.Kind)
		message := wfErr.Message
		if status == http.StatusInternalServerError {
			message = "Server error"
		}
		var details any
		if wfErr.Details != nil {
			details = wfErr.Details
		}
		return status, wfErr.Code, message, details
	}
	switch {
	case errors.Is(err, history.ErrNoHistory), errors.Is(err, history.ErrRevisionNotFound):
		return http.StatusNotFound, "REVISION_NOT_FOUND", "Revision not found", nil
	case errors.Is(err, export.ErrContentUnavailable):
		return http.StatusConflict, "NO_CONTENT", "Document has no summary or content to export", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

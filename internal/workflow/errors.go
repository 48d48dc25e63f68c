package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies every error a Step can return.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindAIGeneration     Kind = "ai_generation"
	KindFetch            Kind = "fetch"
	KindUpdate           Kind = "update"
	KindRoundCalculation Kind = "round_calculation"
)

// Machine-readable codes carried on Error.Code.
const (
	CodeDocumentNotFound     = "DOCUMENT_NOT_FOUND"
	CodeQuestionNotFound     = "QUESTION_NOT_FOUND"
	CodeInvalidStatus        = "INVALID_STATUS"
	CodeDuplicateName        = "DUPLICATE_NAME"
	CodeNoQuestions          = "NO_QUESTIONS"
	CodeUnansweredQuestions  = "UNANSWERED_QUESTIONS"
	CodeMissingSummary       = "MISSING_SUMMARY"
	CodeConcurrentUpdate     = "CONCURRENT_UPDATE"
	CodeGenerationFailed     = "AI_GENERATION_FAILED"
	CodeFetchFailed          = "FETCH_FAILED"
	CodeUpdateFailed         = "UPDATE_FAILED"
	CodeQuestionUpdateFailed = "QUESTION_UPDATE_FAILED"
	CodeRoundCalculation     = "ROUND_CALCULATION_FAILED"
)

// Error is the single error type returned by Service methods. Callers
// switch on Kind; the wrapped cause stays reachable through errors.As.
type Error struct {
	Kind    Kind
	Op      string
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var wfErr *Error
	if errors.As(err, &wfErr) {
		return wfErr.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CodeOf returns the Code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var wfErr *Error
	if errors.As(err, &wfErr) {
		return wfErr.Code
	}
	return ""
}

func documentNotFound(op, documentID string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Op:      op,
		Code:    CodeDocumentNotFound,
		Message: "document not found",
		Details: map[string]any{"documentId": documentID},
	}
}

func conflict(op, code, message string, details map[string]any) *Error {
	return &Error{Kind: KindConflict, Op: op, Code: code, Message: message, Details: details}
}

func aiGeneration(op, what string, err error) *Error {
	return &Error{
		Kind:    KindAIGeneration,
		Op:      op,
		Code:    CodeGenerationFailed,
		Message: fmt.Sprintf("failed to generate %s: %v", what, err),
		Err:     err,
	}
}

func fetchFailed(op string, err error) *Error {
	return &Error{Kind: KindFetch, Op: op, Code: CodeFetchFailed, Message: err.Error(), Err: err}
}

func updateFailed(op string, err error) *Error {
	return &Error{Kind: KindUpdate, Op: op, Code: CodeUpdateFailed, Message: err.Error(), Err: err}
}

func roundCalculationFailed(documentID string, err error) *Error {
	return &Error{
		Kind:    KindRoundCalculation,
		Op:      "current round",
		Code:    CodeRoundCalculation,
		Message: fmt.Sprintf("could not calculate round for document %s: %v", documentID, err),
		Details: map[string]any{"documentId": documentID},
		Err:     err,
	}
}

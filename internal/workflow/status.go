// Package workflow drives a document through its authoring lifecycle:
// question rounds, answers, summary review, document review and completion.
package workflow

import (
	"docforge/api/internal/store"
)

// Event names one Step's edge in the transition table.
type Event string

const (
	EventGenerateQuestions Event = "generate_questions"
	EventSubmitAnswers     Event = "submit_answers"
	EventGenerateSummary   Event = "generate_summary"
	EventUpdateSummary     Event = "update_summary"
	EventRevertSummary     Event = "revert_summary"
	EventGenerateDocument  Event = "generate_document"
	EventUpdateDocument    Event = "update_document"
	EventComplete          Event = "complete"
)

// Transition is one legal edge. Steps that edit in place have From == To.
type Transition struct {
	Event Event
	From  store.Status
	To    store.Status
}

// The lifecycle is
//
//	collecting_answers -> summary_review -> document_review -> completed
//	summary_review -> collecting_answers (revert)
//
// Nothing leaves completed.
var transitions = map[Event]Transition{
	EventGenerateQuestions: {Event: EventGenerateQuestions, From: store.StatusCollectingAnswers, To: store.StatusCollectingAnswers},
	EventSubmitAnswers:     {Event: EventSubmitAnswers, From: store.StatusCollectingAnswers, To: store.StatusCollectingAnswers},
	EventGenerateSummary:   {Event: EventGenerateSummary, From: store.StatusCollectingAnswers, To: store.StatusSummaryReview},
	EventUpdateSummary:     {Event: EventUpdateSummary, From: store.StatusSummaryReview, To: store.StatusSummaryReview},
	EventRevertSummary:     {Event: EventRevertSummary, From: store.StatusSummaryReview, To: store.StatusCollectingAnswers},
	EventGenerateDocument:  {Event: EventGenerateDocument, From: store.StatusSummaryReview, To: store.StatusDocumentReview},
	EventUpdateDocument:    {Event: EventUpdateDocument, From: store.StatusDocumentReview, To: store.StatusDocumentReview},
	EventComplete:          {Event: EventComplete, From: store.StatusDocumentReview, To: store.StatusCompleted},
}

// TransitionFor returns the edge registered for event.
func TransitionFor(event Event) (Transition, bool) {
	t, ok := transitions[event]
	return t, ok
}

// CanTransition reports whether any Step moves a document from one status
// to the other. Same-status pairs are legal only where an in-place edit
// exists.
func CanTransition(from, to store.Status) bool {
	for _, t := range transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// guard checks the document is in the edge's source status.
func (t Transition) guard(op string, doc store.Document) error {
	if doc.Status == t.From {
		return nil
	}
	return conflict(op, CodeInvalidStatus,
		"document must be in "+string(t.From)+" status, current status is "+string(doc.Status),
		map[string]any{
			"documentId": doc.ID,
			"expected":   string(t.From),
			"actual":     string(doc.Status),
		})
}

func mustTransition(event Event) Transition {
	t, ok := transitions[event]
	if !ok {
		panic("workflow: no transition registered for " + string(event))
	}
	return t
}

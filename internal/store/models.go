package store

import (
	"strings"
	"time"
)

type Status string

const (
	StatusCollectingAnswers Status = "collecting_answers"
	StatusSummaryReview     Status = "summary_review"
	StatusDocumentReview    Status = "document_review"
	StatusCompleted         Status = "completed"
)

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusCollectingAnswers, StatusSummaryReview, StatusDocumentReview, StatusCompleted:
		return true
	default:
		return false
	}
}

type Document struct {
	ID               string
	OwnerID          string
	Name             string
	ProblemStatement string
	InScope          string
	OutOfScope       string
	SuccessCriteria  string
	Summary          *string
	Content          *string
	Status           Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Question struct {
	ID          string
	DocumentID  string
	RoundNumber int
	// Position is the question's index within its round, as generated.
	Position    int
	Text        string
	Answer      *string
	CreatedAt   time.Time
}

// Answered reports whether the question carries a non-blank answer.
func (q Question) Answered() bool {
	return q.Answer != nil && strings.TrimSpace(*q.Answer) != ""
}

// QuestionFilter narrows ListQuestions. A zero Round returns every round.
type QuestionFilter struct {
	Round int
}

// DocumentUpdate describes the columns written by UpdateDocumentGuarded.
// Summary and Content are only written when the matching Set flag is true;
// a nil pointer with the flag set clears the column.
type DocumentUpdate struct {
	Status     Status
	SetSummary bool
	Summary    *string
	SetContent bool
	Content    *string
}

type AnswerUpdate struct {
	QuestionID string
	Answer     string
}

package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docforge/api/internal/completion"
	"docforge/api/internal/store"
	"docforge/api/internal/util"
)

const DefaultQuestionsPerRound = 5

// Store is the record store the Steps run against.
type Store interface {
	InsertDocument(context.Context, store.Document) (store.Document, error)
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context, string) ([]store.Document, error)
	UpdateDocumentGuarded(context.Context, string, store.Status, store.DocumentUpdate) (bool, error)
	DeleteDocument(context.Context, string) (bool, error)
	ListQuestions(context.Context, string, store.QuestionFilter) ([]store.Question, error)
	MaxRound(context.Context, string) (int, error)
	InsertQuestionRound(context.Context, string, int, []store.Question) ([]store.Question, error)
	SaveAnswers(context.Context, string, []store.AnswerUpdate) error
}

type Options struct {
	QuestionsPerRound int
	RoundCache        RoundCache
	Logger            *slog.Logger
}

type CreateDocumentInput struct {
	OwnerID          string
	Name             string
	ProblemStatement string
	InScope          string
	OutOfScope       string
	SuccessCriteria  string
}

type AnswerInput struct {
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

// DocumentView is a document as shown outside the workflow, with its
// derived round number.
type DocumentView struct {
	ID               string       `json:"id"`
	OwnerID          string       `json:"ownerId"`
	Name             string       `json:"name"`
	ProblemStatement string       `json:"problemStatement"`
	InScope          string       `json:"inScope"`
	OutOfScope       string       `json:"outOfScope"`
	SuccessCriteria  string       `json:"successCriteria"`
	Summary          *string      `json:"summary"`
	Content          *string      `json:"content"`
	Status           store.Status `json:"status"`
	CurrentRound     int          `json:"currentRound"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

type Service struct {
	store             Store
	completer         completion.Completer
	rounds            *RoundTracker
	logger            *slog.Logger
	questionsPerRound int
}

func New(dataStore Store, completer completion.Completer, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	perRound := opts.QuestionsPerRound
	if perRound <= 0 {
		perRound = DefaultQuestionsPerRound
	}
	return &Service{
		store:             dataStore,
		completer:         completer,
		rounds:            NewRoundTracker(dataStore, opts.RoundCache, logger),
		logger:            logger,
		questionsPerRound: perRound,
	}
}

// CurrentRound exposes the round tracker.
func (s *Service) CurrentRound(ctx context.Context, documentID string) (int, error) {
	return s.rounds.CurrentRound(ctx, documentID)
}

func (s *Service) CreateDocument(ctx context.Context, input CreateDocumentInput) (DocumentView, error) {
	const op = "create document"
	created, err := s.store.InsertDocument(ctx, store.Document{
		ID:               util.NewID("doc"),
		OwnerID:          input.OwnerID,
		Name:             strings.TrimSpace(input.Name),
		ProblemStatement: input.ProblemStatement,
		InScope:          input.InScope,
		OutOfScope:       input.OutOfScope,
		SuccessCriteria:  input.SuccessCriteria,
		Status:           store.StatusCollectingAnswers,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			return DocumentView{}, conflict(op, CodeDuplicateName, "a document with this name already exists",
				map[string]any{"name": strings.TrimSpace(input.Name)})
		}
		return DocumentView{}, updateFailed(op, err)
	}
	s.rounds.Record(ctx, created.ID, 0)
	s.logger.Info("document created", "document_id", created.ID, "owner_id", created.OwnerID)
	return newDocumentView(created, 0), nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (DocumentView, error) {
	const op = "get document"
	doc, err := s.loadDocument(ctx, op, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	return s.view(ctx, op, doc)
}

func (s *Service) ListDocuments(ctx context.Context, ownerID string) ([]DocumentView, error) {
	const op = "list documents"
	docs, err := s.store.ListDocuments(ctx, ownerID)
	if err != nil {
		return nil, fetchFailed(op, err)
	}
	views := make([]DocumentView, 0, len(docs))
	for _, doc := range docs {
		view, err := s.view(ctx, op, doc)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// DeleteDocument removes the document and, by cascade, its questions.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	const op = "delete document"
	deleted, err := s.store.DeleteDocument(ctx, documentID)
	if err != nil {
		return updateFailed(op, err)
	}
	if !deleted {
		return documentNotFound(op, documentID)
	}
	s.rounds.Forget(ctx, documentID)
	s.logger.Info("document deleted", "document_id", documentID)
	return nil
}

// ListQuestions returns the document's questions; round 0 means every round.
func (s *Service) ListQuestions(ctx context.Context, documentID string, round int) ([]store.Question, error) {
	const op = "list questions"
	if _, err := s.loadDocument(ctx, op, documentID); err != nil {
		return nil, err
	}
	questions, err := s.store.ListQuestions(ctx, documentID, store.QuestionFilter{Round: round})
	if err != nil {
		return nil, fetchFailed(op, err)
	}
	return questions, nil
}

// GenerateQuestions asks the provider for the next round of questions and
// stores them unanswered.
func (s *Service) GenerateQuestions(ctx context.Context, documentID string) ([]store.Question, error) {
	const op = "generate questions"
	t := mustTransition(EventGenerateQuestions)

	doc, err := s.loadDocument(ctx, op, documentID)
	if err != nil {
		return nil, err
	}
	if err := t.guard(op, doc); err != nil {
		return nil, err
	}

	current, err := s.rounds.CurrentRound(ctx, documentID)
	if err != nil {
		return nil, err
	}
	next := current + 1

	var history []store.Question
	if next > 1 {
		history, err = s.store.ListQuestions(ctx, documentID, store.QuestionFilter{})
		if err != nil {
			return nil, fetchFailed(op, err)
		}
	}

	payload, err := completion.CompleteInto[questionsPayload](ctx, s.completer, questionsPrompt(doc, next, s.questionsPerRound, history))
	if err != nil {
		return nil, aiGeneration(op, "questions", err)
	}

	batch := make([]store.Question, 0, len(payload.Questions))
	for _, item := range payload.Questions {
		if strings.TrimSpace(item.Question) == "" {
			continue
		}
		batch = append(batch, store.Question{
			ID:   util.NewID("q"),
			Text: formatQuestion(item.Question, item.Recommendation),
		})
	}
	if len(batch) == 0 {
		return nil, aiGeneration(op, "questions", errors.New("provider returned no questions"))
	}

	inserted, err := s.store.InsertQuestionRound(ctx, documentID, next, batch)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRoundChanged):
			s.rounds.Forget(ctx, documentID)
			return nil, conflict(op, CodeConcurrentUpdate, "another question round was added concurrently",
				map[string]any{"documentId": documentID, "round": next})
		case errors.Is(err, store.ErrStatusChanged):
			return nil, concurrentChange(op, t, documentID)
		case errors.Is(err, sql.ErrNoRows):
			return nil, documentNotFound(op, documentID)
		}
		return nil, updateFailed(op, err)
	}
	s.rounds.Record(ctx, documentID, next)

	s.logger.Info("question round generated", "document_id", documentID, "round", next, "questions", len(inserted))
	return inserted, nil
}

// SubmitAnswers writes answers for questions of the document. The whole
// batch is applied atomically.
func (s *Service) SubmitAnswers(ctx context.Context, documentID string, answers []AnswerInput) ([]store.Question, error) {
	const op = "submit answers"
	t := mustTransition(EventSubmitAnswers)

	doc, err := s.loadDocument(ctx, op, documentID)
	if err != nil {
		return nil, err
	}
	if err := t.guard(op, doc); err != nil {
		return nil, err
	}

	existing, err := s.store.ListQuestions(ctx, documentID, store.QuestionFilter{})
	if err != nil {
		return nil, fetchFailed(op, err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, q := range existing {
		known[q.ID] = struct{}{}
	}

	var missing []string
	submitted := make(map[string]struct{}, len(answers))
	updates := make([]store.AnswerUpdate, 0, len(answers))
	for _, answer := range answers {
		if _, ok := known[answer.QuestionID]; !ok {
			if _, seen := submitted[answer.QuestionID]; !seen {
				missing = append(missing, answer.QuestionID)
			}
		}
		submitted[answer.QuestionID] = struct{}{}
		updates = append(updates, store.AnswerUpdate{QuestionID: answer.QuestionID, Answer: answer.Answer})
	}
	if len(missing) > 0 {
		return nil, &Error{
			Kind:    KindNotFound,
			Op:      op,
			Code:    CodeQuestionNotFound,
			Message: "questions not found: " + strings.Join(missing, ", "),
			Details: map[string]any{"documentId": documentID, "questionIds": missing},
		}
	}
	if len(updates) == 0 {
		return []store.Question{}, nil
	}

	if err := s.store.SaveAnswers(ctx, documentID, updates); err != nil {
		if errors.Is(err, store.ErrStatusChanged) {
			return nil, concurrentChange(op, t, documentID)
		}
		return nil, &Error{
			Kind:    KindUpdate,
			Op:      op,
			Code:    CodeQuestionUpdateFailed,
			Message: err.Error(),
			Details: map[string]any{"documentId": documentID},
			Err:     err,
		}
	}

	refreshed, err := s.store.ListQuestions(ctx, documentID, store.QuestionFilter{})
	if err != nil {
		return nil, fetchFailed(op, err)
	}
	updated := make([]store.Question, 0, len(submitted))
	for _, q := range refreshed {
		if _, ok := submitted[q.ID]; ok {
			updated = append(updated, q)
		}
	}
	s.logger.Info("answers submitted", "document_id", documentID, "answers", len(updates))
	return updated, nil
}

// GenerateSummary synthesizes the answered rounds and moves the document
// to summary review.
func (s *Service) GenerateSummary(ctx context.Context, documentID string) (DocumentView, error) {
	const op = "generate summary"
	t := mustTransition(EventGenerateSummary)

	doc, err := s.loadDocument(ctx, op, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	if err := t.guard(op, doc); err != nil {
		return DocumentView{}, err
	}

	questions, err := s.store.ListQuestions(ctx, documentID, store.QuestionFilter{})
	if err != nil {
		return DocumentView{}, fetchFailed(op, err)
	}
	if len(questions) == 0 {
		return DocumentView{}, conflict(op, CodeNoQuestions, "no questions have been generated for this document",
			map[string]any{"documentId": documentID})
	}
	var unanswered []string
	for _, q := range questions {
		if !q.Answered() {
			unanswered = append(unanswered, q.ID)
		}
	}
	if len(unanswered) > 0 {
		return DocumentView{}, conflict(op, CodeUnansweredQuestions,
			fmt.Sprintf("%d question(s) still need an answer", len(unanswered)),
			map[string]any{"documentId": documentID, "questionIds": unanswered})
	}

	payload, err := completion.CompleteInto[summaryPayload](ctx, s.completer, summaryPrompt(doc, questions))
	if err != nil {
		return DocumentView{}, aiGeneration(op, "summary", err)
	}
	summary := strings.TrimSpace(payload.Summary)
	if summary == "" {
		return DocumentView{}, aiGeneration(op, "summary", errors.New("provider returned an empty summary"))
	}

	return s.apply(ctx, op, doc, t, store.DocumentUpdate{SetSummary: true, Summary: &summary})
}

// UpdateSummary replaces the summary while it is under review.
func (s *Service) UpdateSummary(ctx context.Context, documentID, summary string) (DocumentView, error) {
	const op = "update summary"
	t := mustTransition(EventUpdateSummary)

	doc, err := s.loadDocument(ctx, op, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	if err := t.guard(op, doc); err != nil {
		return DocumentView{}, err
	}
	return s.apply(ctx, op, doc, t, store.DocumentUpdate{SetSummary: true, Summary: &summary})
}

// RevertSummary discards the summary and reopens answer collection.
func (s *Service) RevertSummary(ctx context.Context, documentID string) (DocumentView, error) {
	const op = "revert summary"
	t := mustTransition(EventRevertSummary)

	doc, err := s.loadDocument(ctx, op, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	if err := t.guard(op, doc); err != nil {
		return DocumentView{}, err
	}
	return s.apply(ctx, op, doc, t, store.DocumentUpdate{SetSummary: true, Summary: nil})
}

// GenerateDocument writes the final document from the approved summary and
// moves to document review.
func (s *Service) GenerateDocument(ctx context.Context, documentID string) (DocumentView, error) {
	const op = "generate document"
	t := mustTransition(EventGenerateDocument)

	doc, err := s.loadDocument(ctx, op, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	if err := t.guard(op, doc); err != nil {
		return DocumentView{}, err
	}
	if doc.Summary == nil || strings.TrimSpace(*doc.Summary) == "" {
		return DocumentView{}, conflict(op, CodeMissingSummary, "an approved summary is required before generating the document",
			map[string]any{"documentId": documentID})
	}

	payload, err := completion.CompleteInto[documentPayload](ctx, s.completer, documentPrompt(doc, *doc.Summary))
	if err != nil {
		return DocumentView{}, aiGeneration(op, "document", err)
	}
	content := strings.TrimSpace(payload.Document)
	if content == "" {
		return DocumentView{}, aiGeneration(op, "document", errors.New("provider returned an empty document"))
	}

	return s.apply(ctx, op, doc, t, store.DocumentUpdate{SetContent: true, Content: &content})
}

// UpdateDocument replaces the content while it is under review.
func (s *Service) UpdateDocument(ctx context.Context, documentID, content string) (DocumentView, error) {
	const op = "update document"
	t := mustTransition(EventUpdateDocument)

	doc, err := s.loadDocument(ctx, op, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	if err := t.guard(op, doc); err != nil {
		return DocumentView{}, err
	}
	return s.apply(ctx, op, doc, t, store.DocumentUpdate{SetContent: true, Content: &content})
}

// CompleteDocument locks the document. A completed document accepts no
// further Step.
func (s *Service) CompleteDocument(ctx context.Context, documentID string) (DocumentView, error) {
	const op = "complete document"
	t := mustTransition(EventComplete)

	doc, err := s.loadDocument(ctx, op, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	if err := t.guard(op, doc); err != nil {
		return DocumentView{}, err
	}
	return s.apply(ctx, op, doc, t, store.DocumentUpdate{})
}

func (s *Service) loadDocument(ctx context.Context, op, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, documentNotFound(op, documentID)
		}
		return store.Document{}, fetchFailed(op, err)
	}
	return doc, nil
}

// apply persists t.To plus update, conditioned on the document still being
// in t.From. A lost race is a conflict and nothing is written.
func (s *Service) apply(ctx context.Context, op string, doc store.Document, t Transition, update store.DocumentUpdate) (DocumentView, error) {
	update.Status = t.To
	ok, err := s.store.UpdateDocumentGuarded(ctx, doc.ID, t.From, update)
	if err != nil {
		return DocumentView{}, updateFailed(op, err)
	}
	if !ok {
		return DocumentView{}, concurrentChange(op, t, doc.ID)
	}
	if t.From != t.To {
		s.logger.Info("document status changed", "document_id", doc.ID, "from", t.From, "to", t.To, "event", t.Event)
	}

	updated, err := s.loadDocument(ctx, op, doc.ID)
	if err != nil {
		return DocumentView{}, err
	}
	return s.view(ctx, op, updated)
}

// view attaches the current round. A round failure is reported as a fetch
// failure of the calling operation.
func (s *Service) view(ctx context.Context, op string, doc store.Document) (DocumentView, error) {
	round, err := s.rounds.CurrentRound(ctx, doc.ID)
	if err != nil {
		return DocumentView{}, &Error{
			Kind:    KindFetch,
			Op:      op,
			Code:    CodeFetchFailed,
			Message: err.Error(),
			Details: map[string]any{"documentId": doc.ID},
			Err:     err,
		}
	}
	return newDocumentView(doc, round), nil
}

func concurrentChange(op string, t Transition, documentID string) *Error {
	return conflict(op, CodeConcurrentUpdate, "document changed while the step was running",
		map[string]any{"documentId": documentID, "expected": string(t.From)})
}

func newDocumentView(doc store.Document, round int) DocumentView {
	return DocumentView{
		ID:               doc.ID,
		OwnerID:          doc.OwnerID,
		Name:             doc.Name,
		ProblemStatement: doc.ProblemStatement,
		InScope:          doc.InScope,
		OutOfScope:       doc.OutOfScope,
		SuccessCriteria:  doc.SuccessCriteria,
		Summary:          doc.Summary,
		Content:          doc.Content,
		Status:           doc.Status,
		CurrentRound:     round,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
}

package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"docforge/api/internal/archive"
	"docforge/api/internal/auth"
	"docforge/api/internal/export"
	"docforge/api/internal/history"
	"docforge/api/internal/search"
	"docforge/api/internal/store"
	"docforge/api/internal/workflow"
)

// Actor is the authenticated caller. Every document operation is scoped to
// the actor's owner id.
type Actor struct {
	OwnerID string
	Name    string
}

func (a Actor) author() string {
	if strings.TrimSpace(a.Name) != "" {
		return a.Name
	}
	return a.OwnerID
}

type pinger interface {
	Ping(context.Context) error
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexDocument(search.DocumentRecord)
	DeleteDocument(string)
}

type revisionLog interface {
	Commit(documentID string, rev history.Revision, author, message string) (history.CommitInfo, error)
	History(documentID string, limit int) ([]history.CommitInfo, error)
	Revision(documentID, hash string) (history.Revision, history.CommitInfo, error)
	Tag(documentID, name string) error
	Remove(documentID string) error
}

type archiver interface {
	Put(context.Context, archive.Entry) (archive.Object, error)
	Remove(ctx context.Context, ownerID, documentID string) error
}

type exporter interface {
	Export(context.Context, export.Document, export.Format) (*export.Result, error)
}

// Options carries the optional collaborators. A nil collaborator disables
// its side effect.
type Options struct {
	DB        pinger
	Search    searchIndex
	History   revisionLog
	Archive   archiver
	Exporter  exporter
	JWTSecret []byte
	Logger    *slog.Logger
}

// Service is the HTTP-facing facade over the workflow. Side effects
// (search, history, archive) run after a step succeeds and never fail it.
type Service struct {
	workflow  *workflow.Service
	db        pinger
	search    searchIndex
	history   revisionLog
	archive   archiver
	exporter  exporter
	jwtSecret []byte
	logger    *slog.Logger
}

func NewService(wf *workflow.Service, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exp := opts.Exporter
	if exp == nil {
		exp = export.NewService()
	}
	return &Service{
		workflow:  wf,
		db:        opts.DB,
		search:    opts.Search,
		history:   opts.History,
		archive:   opts.Archive,
		exporter:  exp,
		jwtSecret: opts.JWTSecret,
		logger:    logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Ping(ctx)
}

// ActorFromToken resolves the bearer token to its owner.
func (s *Service) ActorFromToken(token string) (Actor, error) {
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return Actor{}, err
	}
	return Actor{OwnerID: claims.OwnerID(), Name: claims.Name}, nil
}

// owned loads the document and hides documents of other owners behind NotFound.
func (s *Service) owned(ctx context.Context, actor Actor, documentID string) (workflow.DocumentView, error) {
	doc, err := s.workflow.GetDocument(ctx, documentID)
	if err != nil {
		return workflow.DocumentView{}, err
	}
	if doc.OwnerID != actor.OwnerID {
		return workflow.DocumentView{}, notFound(documentID)
	}
	return doc, nil
}

func (s *Service) CreateDocument(ctx context.Context, actor Actor, input workflow.CreateDocumentInput) (workflow.DocumentView, error) {
	input.OwnerID = actor.OwnerID
	doc, err := s.workflow.CreateDocument(ctx, input)
	if err != nil {
		return workflow.DocumentView{}, err
	}
	s.index(doc)
	return doc, nil
}

func (s *Service) ListDocuments(ctx context.Context, actor Actor) ([]workflow.DocumentView, error) {
	return s.workflow.ListDocuments(ctx, actor.OwnerID)
}

func (s *Service) GetDocument(ctx context.Context, actor Actor, documentID string) (workflow.DocumentView, error) {
	return s.owned(ctx, actor, documentID)
}

func (s *Service) DeleteDocument(ctx context.Context, actor Actor, documentID string) error {
	doc, err := s.owned(ctx, actor, documentID)
	if err != nil {
		return err
	}
	if err := s.workflow.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteDocument(documentID)
	}
	if s.history != nil {
		if err := s.history.Remove(documentID); err != nil {
			s.logger.Warn("remove document history failed", "document_id", documentID, "error", err)
		}
	}
	if s.archive != nil && doc.Status == store.StatusCompleted {
		if err := s.archive.Remove(ctx, doc.OwnerID, documentID); err != nil {
			s.logger.Warn("remove archived document failed", "document_id", documentID, "error", err)
		}
	}
	return nil
}

func (s *Service) ListQuestions(ctx context.Context, actor Actor, documentID string, round int) ([]store.Question, error) {
	if _, err := s.owned(ctx, actor, documentID); err != nil {
		return nil, err
	}
	return s.workflow.ListQuestions(ctx, documentID, round)
}

func (s *Service) GenerateQuestions(ctx context.Context, actor Actor, documentID string) ([]store.Question, error) {
	if _, err := s.owned(ctx, actor, documentID); err != nil {
		return nil, err
	}
	return s.workflow.GenerateQuestions(ctx, documentID)
}

func (s *Service) SubmitAnswers(ctx context.Context, actor Actor, documentID string, answers []workflow.AnswerInput) ([]store.Question, error) {
	if _, err := s.owned(ctx, actor, documentID); err != nil {
		return nil, err
	}
	return s.workflow.SubmitAnswers(ctx, documentID, answers)
}

func (s *Service) GenerateSummary(ctx context.Context, actor Actor, documentID string) (workflow.DocumentView, error) {
	return s.step(ctx, actor, documentID, "Generate summary", s.workflow.GenerateSummary)
}

func (s *Service) UpdateSummary(ctx context.Context, actor Actor, documentID, summary string) (workflow.DocumentView, error) {
	return s.step(ctx, actor, documentID, "Update summary", func(ctx context.Context, id string) (workflow.DocumentView, error) {
		return s.workflow.UpdateSummary(ctx, id, summary)
	})
}

func (s *Service) RevertSummary(ctx context.Context, actor Actor, documentID string) (workflow.DocumentView, error) {
	return s.step(ctx, actor, documentID, "Revert summary", s.workflow.RevertSummary)
}

func (s *Service) GenerateDocument(ctx context.Context, actor Actor, documentID string) (workflow.DocumentView, error) {
	return s.step(ctx, actor, documentID, "Generate document", s.workflow.GenerateDocument)
}

func (s *Service) UpdateDocument(ctx context.Context, actor Actor, documentID, content string) (workflow.DocumentView, error) {
	return s.step(ctx, actor, documentID, "Update document", func(ctx context.Context, id string) (workflow.DocumentView, error) {
		return s.workflow.UpdateDocument(ctx, id, content)
	})
}

func (s *Service) CompleteDocument(ctx context.Context, actor Actor, documentID string) (workflow.DocumentView, error) {
	doc, err := s.step(ctx, actor, documentID, "Complete document", s.workflow.CompleteDocument)
	if err != nil {
		return workflow.DocumentView{}, err
	}
	if s.history != nil {
		if err := s.history.Tag(documentID, "completed"); err != nil {
			s.logger.Warn("tag completed revision failed", "document_id", documentID, "error", err)
		}
	}
	s.archiveCompleted(ctx, doc)
	return doc, nil
}

// step runs a status-changing workflow step for an owned document and then
// records the side effects.
func (s *Service) step(ctx context.Context, actor Actor, documentID, message string, run func(context.Context, string) (workflow.DocumentView, error)) (workflow.DocumentView, error) {
	if _, err := s.owned(ctx, actor, documentID); err != nil {
		return workflow.DocumentView{}, err
	}
	doc, err := run(ctx, documentID)
	if err != nil {
		return workflow.DocumentView{}, err
	}
	s.index(doc)
	s.commit(doc, actor, message)
	return doc, nil
}

func (s *Service) index(doc workflow.DocumentView) {
	if s.search == nil {
		return
	}
	s.search.IndexDocument(search.DocumentRecord{
		ID:               doc.ID,
		OwnerID:          doc.OwnerID,
		Name:             doc.Name,
		ProblemStatement: doc.ProblemStatement,
		Summary:          deref(doc.Summary),
		Content:          deref(doc.Content),
		Status:           string(doc.Status),
	})
}

func (s *Service) commit(doc workflow.DocumentView, actor Actor, message string) {
	if s.history == nil {
		return
	}
	rev := history.Revision{Status: string(doc.Status), Summary: doc.Summary, Content: doc.Content}
	if _, err := s.history.Commit(doc.ID, rev, actor.author(), message); err != nil {
		s.logger.Warn("commit document revision failed", "document_id", doc.ID, "error", err)
	}
}

func (s *Service) archiveCompleted(ctx context.Context, doc workflow.DocumentView) {
	if s.archive == nil {
		return
	}
	markdown, err := export.Markdown(exportDocument(doc))
	if err != nil {
		s.logger.Warn("archive skipped", "document_id", doc.ID, "error", err)
		return
	}
	obj, err := s.archive.Put(ctx, archive.Entry{
		OwnerID:     doc.OwnerID,
		DocumentID:  doc.ID,
		Markdown:    []byte(markdown),
		CompletedAt: doc.UpdatedAt,
	})
	if err != nil {
		s.logger.Warn("archive completed document failed", "document_id", doc.ID, "error", err)
		return
	}
	s.logger.Info("document archived", "document_id", doc.ID, "key", obj.Key)
}

const defaultHistoryLimit = 50

func (s *Service) History(ctx context.Context, actor Actor, documentID string, limit int) ([]history.CommitInfo, error) {
	if _, err := s.owned(ctx, actor, documentID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []history.CommitInfo{}, nil
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.history.History(documentID, limit)
}

func (s *Service) Revision(ctx context.Context, actor Actor, documentID, hash string) (history.Revision, history.CommitInfo, error) {
	if _, err := s.owned(ctx, actor, documentID); err != nil {
		return history.Revision{}, history.CommitInfo{}, err
	}
	if s.history == nil {
		return history.Revision{}, history.CommitInfo{}, history.ErrNoHistory
	}
	return s.history.Revision(documentID, hash)
}

func (s *Service) Export(ctx context.Context, actor Actor, documentID string, format export.Format) (*export.Result, error) {
	doc, err := s.owned(ctx, actor, documentID)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, exportDocument(doc), format)
}

func (s *Service) Search(ctx context.Context, actor Actor, q search.Query) search.Response {
	q.OwnerID = actor.OwnerID
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: strings.TrimSpace(q.Text)}
	}
	return s.search.Search(ctx, q)
}

func exportDocument(doc workflow.DocumentView) export.Document {
	return export.Document{
		ID:               doc.ID,
		Name:             doc.Name,
		Status:           string(doc.Status),
		ProblemStatement: doc.ProblemStatement,
		InScope:          doc.InScope,
		OutOfScope:       doc.OutOfScope,
		SuccessCriteria:  doc.SuccessCriteria,
		Summary:          deref(doc.Summary),
		Content:          deref(doc.Content),
		UpdatedAt:        doc.UpdatedAt,
	}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// isAuthError reports whether err came from token verification.
func isAuthError(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken)
}

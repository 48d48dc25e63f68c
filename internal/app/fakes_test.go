package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"docforge/api/internal/archive"
	"docforge/api/internal/completion"
	"docforge/api/internal/export"
	"docforge/api/internal/history"
	"docforge/api/internal/search"
	"docforge/api/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore keeps documents and questions in memory with guarded writes.
type fakeStore struct {
	mu        sync.Mutex
	documents map[string]store.Document
	questions []store.Question
	pingErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{documents: map[string]store.Document{}}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) InsertDocument(_ context.Context, doc store.Document) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.documents {
		if existing.OwnerID == doc.OwnerID && existing.Name == doc.Name {
			return store.Document{}, store.ErrDuplicateName
		}
	}
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	f.documents[doc.ID] = doc
	return doc, nil
}

func (f *fakeStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok {
		return store.Document{}, fmt.Errorf("get document: %w", sql.ErrNoRows)
	}
	return doc, nil
}

func (f *fakeStore) ListDocuments(_ context.Context, ownerID string) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs := make([]store.Document, 0)
	for _, doc := range f.documents {
		if doc.OwnerID == ownerID {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (f *fakeStore) UpdateDocumentGuarded(_ context.Context, id string, expected store.Status, update store.DocumentUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok || doc.Status != expected {
		return false, nil
	}
	if update.Status != "" {
		doc.Status = update.Status
	}
	if update.SetSummary {
		doc.Summary = update.Summary
	}
	if update.SetContent {
		doc.Content = update.Content
	}
	doc.UpdatedAt = time.Now()
	f.documents[id] = doc
	return true, nil
}

func (f *fakeStore) DeleteDocument(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.documents[id]; !ok {
		return false, nil
	}
	delete(f.documents, id)
	return true, nil
}

func (f *fakeStore) ListQuestions(_ context.Context, id string, filter store.QuestionFilter) ([]store.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Question, 0)
	for _, q := range f.questions {
		if q.DocumentID == id && (filter.Round == 0 || q.RoundNumber == filter.Round) {
			out = append(out, q)
		}
	}
	return out, nil
}

func (f *fakeStore) MaxRound(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRoundLocked(id), nil
}

func (f *fakeStore) maxRoundLocked(id string) int {
	round := 0
	for _, q := range f.questions {
		if q.DocumentID == id && q.RoundNumber > round {
			round = q.RoundNumber
		}
	}
	return round
}

func (f *fakeStore) InsertQuestionRound(_ context.Context, id string, round int, questions []store.Question) ([]store.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if doc.Status != store.StatusCollectingAnswers {
		return nil, store.ErrStatusChanged
	}
	if f.maxRoundLocked(id) != round-1 {
		return nil, store.ErrRoundChanged
	}
	inserted := make([]store.Question, 0, len(questions))
	createdAt := time.Now()
	for i, q := range questions {
		q.DocumentID = id
		q.RoundNumber = round
		q.Position = i
		q.CreatedAt = createdAt
		f.questions = append(f.questions, q)
		inserted = append(inserted, q)
	}
	return inserted, nil
}

func (f *fakeStore) SaveAnswers(_ context.Context, id string, answers []store.AnswerUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.documents[id].Status != store.StatusCollectingAnswers {
		return store.ErrStatusChanged
	}
	for _, answer := range answers {
		found := false
		for i := range f.questions {
			if f.questions[i].ID == answer.QuestionID && f.questions[i].DocumentID == id {
				text := answer.Answer
				f.questions[i].Answer = &text
				found = true
			}
		}
		if !found {
			return store.ErrQuestionMissing
		}
	}
	return nil
}

type fakeCompleter struct {
	err error
}

func (f *fakeCompleter) Complete(_ context.Context, req completion.Request) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	switch req.Schema.Name {
	case "clarifying_questions":
		return map[string]any{"questions": []any{
			map[string]any{"question": "Who are the users?", "recommendation": "Returning shoppers."},
		}}, nil
	case "document_summary":
		return map[string]any{"summary": "Shoppers need a faster checkout."}, nil
	case "final_document":
		return map[string]any{"document": "# Checkout\n\nRequirements."}, nil
	}
	return nil, errors.New("unexpected schema " + req.Schema.Name)
}

type commitCall struct {
	documentID string
	rev        history.Revision
	author     string
	message    string
}

type fakeHistory struct {
	mu      sync.Mutex
	commits []commitCall
	tags    []string
	removed []string
	err     error
}

func (f *fakeHistory) Commit(documentID string, rev history.Revision, author, message string) (history.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return history.CommitInfo{}, f.err
	}
	f.commits = append(f.commits, commitCall{documentID, rev, author, message})
	return history.CommitInfo{Hash: fmt.Sprintf("%07d", len(f.commits)), Message: message, Author: author}, nil
}

func (f *fakeHistory) History(documentID string, limit int) ([]history.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]history.CommitInfo, 0)
	for i := len(f.commits) - 1; i >= 0 && len(out) < limit; i-- {
		c := f.commits[i]
		if c.documentID == documentID {
			out = append(out, history.CommitInfo{Hash: fmt.Sprintf("%07d", i+1), Message: c.message, Author: c.author})
		}
	}
	return out, nil
}

func (f *fakeHistory) Revision(documentID, hash string) (history.Revision, history.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.commits {
		if c.documentID == documentID && fmt.Sprintf("%07d", i+1) == hash {
			return c.rev, history.CommitInfo{Hash: hash, Message: c.message, Author: c.author}, nil
		}
	}
	return history.Revision{}, history.CommitInfo{}, history.ErrRevisionNotFound
}

func (f *fakeHistory) Tag(documentID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, documentID+":"+name)
	return nil
}

func (f *fakeHistory) Remove(documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, documentID)
	return nil
}

type fakeArchive struct {
	entries []archive.Entry
	removed []string
}

func (f *fakeArchive) Put(_ context.Context, entry archive.Entry) (archive.Object, error) {
	f.entries = append(f.entries, entry)
	return archive.Object{Key: archive.ObjectKey(entry.OwnerID, entry.DocumentID)}, nil
}

func (f *fakeArchive) Remove(_ context.Context, ownerID, documentID string) error {
	f.removed = append(f.removed, archive.ObjectKey(ownerID, documentID))
	return nil
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []search.DocumentRecord
	deleted []string
	queries []search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	results := make([]search.Result, 0)
	for _, rec := range f.indexed {
		if rec.OwnerID == q.OwnerID {
			results = append(results, search.Result{ID: rec.ID, Name: rec.Name, Status: rec.Status})
		}
	}
	return search.Response{Results: results, Total: len(results), Query: q.Text}
}

func (f *fakeSearch) IndexDocument(doc search.DocumentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, rec := range f.indexed {
		if rec.ID == doc.ID {
			f.indexed[i] = doc
			return
		}
	}
	f.indexed = append(f.indexed, doc)
}

func (f *fakeSearch) DeleteDocument(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

type fakeExporter struct {
	calls []export.Format
}

func (f *fakeExporter) Export(_ context.Context, doc export.Document, format export.Format) (*export.Result, error) {
	f.calls = append(f.calls, format)
	if format == export.FormatPDF {
		return nil, export.ErrPDFDependencyMissing
	}
	markdown, err := export.Markdown(doc)
	if err != nil {
		return nil, err
	}
	return &export.Result{Data: []byte(markdown), Filename: "doc.md", MimeType: "text/markdown; charset=utf-8"}, nil
}

package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"docforge/api/internal/completion"
	"docforge/api/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store with the same guard semantics as the
// Postgres implementation.
type memStore struct {
	mu        sync.Mutex
	documents map[string]store.Document
	questions []store.Question
	seq       int

	writes int

	maxRoundErr   error
	beforeUpdate  func(documentID string)
	saveAnswerErr error
}

func newMemStore() *memStore {
	return &memStore{documents: map[string]store.Document{}}
}

func (m *memStore) tick() time.Time {
	m.seq++
	return time.Date(2026, 1, 1, 0, 0, m.seq, 0, time.UTC)
}

func (m *memStore) InsertDocument(_ context.Context, doc store.Document) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.documents {
		if existing.OwnerID == doc.OwnerID && existing.Name == doc.Name {
			return store.Document{}, store.ErrDuplicateName
		}
	}
	if doc.Status == "" {
		doc.Status = store.StatusCollectingAnswers
	}
	now := m.tick()
	doc.CreatedAt, doc.UpdatedAt = now, now
	m.documents[doc.ID] = doc
	m.writes++
	return doc, nil
}

func (m *memStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return store.Document{}, fmt.Errorf("get document: %w", sql.ErrNoRows)
	}
	return doc, nil
}

func (m *memStore) ListDocuments(_ context.Context, ownerID string) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := make([]store.Document, 0)
	for _, doc := range m.documents {
		if doc.OwnerID == ownerID {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].UpdatedAt.After(docs[j].UpdatedAt) })
	return docs, nil
}

func (m *memStore) UpdateDocumentGuarded(_ context.Context, documentID string, expected store.Status, update store.DocumentUpdate) (bool, error) {
	if m.beforeUpdate != nil {
		m.beforeUpdate(documentID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[documentID]
	if !ok || doc.Status != expected {
		return false, nil
	}
	if update.Status != "" {
		doc.Status = update.Status
	}
	if update.SetSummary {
		doc.Summary = copyText(update.Summary)
	}
	if update.SetContent {
		doc.Content = copyText(update.Content)
	}
	doc.UpdatedAt = m.tick()
	m.documents[documentID] = doc
	m.writes++
	return true, nil
}

func (m *memStore) DeleteDocument(_ context.Context, documentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[documentID]; !ok {
		return false, nil
	}
	delete(m.documents, documentID)
	kept := m.questions[:0]
	for _, q := range m.questions {
		if q.DocumentID != documentID {
			kept = append(kept, q)
		}
	}
	m.questions = kept
	m.writes++
	return true, nil
}

func (m *memStore) ListQuestions(_ context.Context, documentID string, filter store.QuestionFilter) ([]store.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Question, 0)
	for _, q := range m.questions {
		if q.DocumentID != documentID {
			continue
		}
		if filter.Round != 0 && q.RoundNumber != filter.Round {
			continue
		}
		q.Answer = copyText(q.Answer)
		out = append(out, q)
	}
	return out, nil
}

func (m *memStore) MaxRound(_ context.Context, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxRoundErr != nil {
		return 0, m.maxRoundErr
	}
	return m.maxRoundLocked(documentID), nil
}

func (m *memStore) maxRoundLocked(documentID string) int {
	round := 0
	for _, q := range m.questions {
		if q.DocumentID == documentID && q.RoundNumber > round {
			round = q.RoundNumber
		}
	}
	return round
}

func (m *memStore) InsertQuestionRound(_ context.Context, documentID string, round int, questions []store.Question) ([]store.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return nil, fmt.Errorf("lock document: %w", sql.ErrNoRows)
	}
	if doc.Status != store.StatusCollectingAnswers {
		return nil, store.ErrStatusChanged
	}
	if current := m.maxRoundLocked(documentID); current != round-1 {
		return nil, store.ErrRoundChanged
	}
	// One timestamp per round, as with NOW() inside a transaction.
	createdAt := m.tick()
	inserted := make([]store.Question, 0, len(questions))
	for i, q := range questions {
		q.DocumentID = documentID
		q.RoundNumber = round
		q.Position = i
		q.Answer = nil
		q.CreatedAt = createdAt
		m.questions = append(m.questions, q)
		inserted = append(inserted, q)
	}
	m.writes++
	return inserted, nil
}

func (m *memStore) SaveAnswers(_ context.Context, documentID string, answers []store.AnswerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveAnswerErr != nil {
		return m.saveAnswerErr
	}
	doc, ok := m.documents[documentID]
	if !ok {
		return fmt.Errorf("lock document: %w", sql.ErrNoRows)
	}
	if doc.Status != store.StatusCollectingAnswers {
		return store.ErrStatusChanged
	}
	index := map[string]int{}
	for i, q := range m.questions {
		if q.DocumentID == documentID {
			index[q.ID] = i
		}
	}
	for _, answer := range answers {
		if _, ok := index[answer.QuestionID]; !ok {
			return fmt.Errorf("update answer %s: %w", answer.QuestionID, store.ErrQuestionMissing)
		}
	}
	for _, answer := range answers {
		text := answer.Answer
		m.questions[index[answer.QuestionID]].Answer = &text
	}
	m.writes++
	return nil
}

func (m *memStore) snapshot(documentID string) store.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.documents[documentID]
	doc.Summary = copyText(doc.Summary)
	doc.Content = copyText(doc.Content)
	return doc
}

func (m *memStore) seed(doc store.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[doc.ID] = doc
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func copyText(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

// fakeCompleter answers by schema name unless respond is set.
type fakeCompleter struct {
	mu       sync.Mutex
	requests []completion.Request
	respond  func(completion.Request) (map[string]any, error)
}

func (f *fakeCompleter) Complete(_ context.Context, req completion.Request) (map[string]any, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(req)
	}
	return cannedResponse(req)
}

func (f *fakeCompleter) last() completion.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeCompleter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func cannedResponse(req completion.Request) (map[string]any, error) {
	switch req.Schema.Name {
	case questionsSchema.Name:
		return map[string]any{"questions": []any{
			map[string]any{"question": "Who are the primary users?", "recommendation": "Returning shoppers."},
			map[string]any{"question": "What is the launch date?", "recommendation": "End of Q3."},
		}}, nil
	case summarySchema.Name:
		return map[string]any{"summary": "Returning shoppers need a faster checkout by Q3."}, nil
	case documentSchema.Name:
		return map[string]any{"document": "# Checkout redesign\n\nFull requirements."}, nil
	}
	return nil, errors.New("unexpected schema " + req.Schema.Name)
}

type fakeRoundCache struct {
	rounds map[string]int
	getErr error
	setErr error
	gets   int
}

func newFakeRoundCache() *fakeRoundCache {
	return &fakeRoundCache{rounds: map[string]int{}}
}

func (c *fakeRoundCache) GetRound(_ context.Context, documentID string) (int, bool, error) {
	c.gets++
	if c.getErr != nil {
		return 0, false, c.getErr
	}
	round, ok := c.rounds[documentID]
	return round, ok, nil
}

func (c *fakeRoundCache) SetRound(_ context.Context, documentID string, round int) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.rounds[documentID] = round
	return nil
}

func (c *fakeRoundCache) DeleteRound(_ context.Context, documentID string) error {
	delete(c.rounds, documentID)
	return nil
}

package search

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	engine   Engine
	fallback *PgFTS
	logger   *slog.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. engine may be nil if Meilisearch is not configured.
func NewService(engine Engine, fallback *PgFTS, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, fallback: fallback, logger: logger}
}

// Search tries the engine if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	q.Limit = normalizeLimit(q.Limit)
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Text == "" || q.OwnerID == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}

	if s.engineReady() {
		results, total, err := s.engine.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("search engine failed, falling back to pgfts", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument indexes a document in the background.
func (s *Service) IndexDocument(doc DocumentRecord) {
	if !s.engineReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.engine.IndexDocument(doc); err != nil {
			s.logger.Warn("index document failed", "document_id", doc.ID, "error", err)
		}
	}()
}

// DeleteDocument removes a document from the search index in the background.
func (s *Service) DeleteDocument(id string) {
	if !s.engineReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.engine.DeleteDocument(id); err != nil {
			s.logger.Warn("delete indexed document failed", "document_id", id, "error", err)
		}
	}()
}

// Wait blocks until background index writes have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

// ReindexAll pushes every stored document into the engine. Called at
// startup when the engine is reachable.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.engineReady() || s.fallback == nil {
		return
	}
	documents, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", "error", err)
		return
	}
	if len(documents) == 0 {
		return
	}
	if err := s.engine.IndexDocuments(documents); err != nil {
		s.logger.Error("reindex documents failed", "error", err)
		return
	}
	s.logger.Info("search index rebuilt", "documents", len(documents))
}

func (s *Service) engineReady() bool {
	return s != nil && s.engine != nil && s.engine.Healthy()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

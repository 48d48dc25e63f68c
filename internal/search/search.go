package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Snippet string `json:"snippet"`
	Status  string `json:"status"`
}

// Query describes a search request. OwnerID is mandatory; searches never
// cross owners.
type Query struct {
	Text         string
	OwnerID      string
	FilterStatus string // empty = every status
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push documents into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexDocuments(docs []DocumentRecord) error
	DeleteDocument(id string) error
}

// Engine is a search backend that also owns its index.
type Engine interface {
	Searcher
	Indexer
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID               string `json:"id"`
	OwnerID          string `json:"ownerId"`
	Name             string `json:"name"`
	ProblemStatement string `json:"problemStatement"`
	Summary          string `json:"summary"`
	Content          string `json:"content"`
	Status           string `json:"status"`
}

const defaultLimit = 20

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > 100 {
		return 100
	}
	return limit
}

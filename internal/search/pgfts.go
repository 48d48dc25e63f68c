package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over documents.fts, ranked with ts_rank and
// with a ts_headline snippet.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.OwnerID == "" {
		return nil, 0, nil
	}
	where, args := ftsWhere(q)

	countSQL := "SELECT count(*) FROM documents d WHERE " + where
	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT d.id, d.name, d.status,
			ts_headline('english', coalesce(d.summary, d.problem_statement), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM documents d
		WHERE %s
		ORDER BY ts_rank(d.fts, plainto_tsquery('english', $1)) DESC, d.updated_at DESC
		LIMIT %d OFFSET %d`, where, normalizeLimit(q.Limit), max(q.Offset, 0))

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Name, &r.Status, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func ftsWhere(q Query) (string, []any) {
	where := "d.fts @@ plainto_tsquery('english', $1) AND d.owner_id = $2"
	args := []any{q.Text, q.OwnerID}
	if q.FilterStatus != "" {
		args = append(args, q.FilterStatus)
		where += fmt.Sprintf(" AND d.status = $%d", len(args))
	}
	return where, args
}

// LoadAllRecords returns every document for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, name, problem_statement, coalesce(summary, ''), coalesce(content, ''), status
		FROM documents
	`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	documents := make([]DocumentRecord, 0)
	for rows.Next() {
		var d DocumentRecord
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Name, &d.ProblemStatement, &d.Summary, &d.Content, &d.Status); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return documents, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateName is returned when an owner already has a document with the same name.
	ErrDuplicateName = errors.New("document name already exists")
	// ErrStatusChanged is returned when a locked document is no longer in the expected status.
	ErrStatusChanged = errors.New("document status changed")
	// ErrRoundChanged is returned when another round was inserted concurrently.
	ErrRoundChanged = errors.New("question round changed")
	// ErrQuestionMissing is returned when an answer targets a question that is gone.
	ErrQuestionMissing = errors.New("question missing")
)

const uniqueViolation = "23505"

const documentColumns = `id, owner_id, name, problem_statement, in_scope, out_of_scope, success_criteria, summary, content, status, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		item    Document
		summary sql.NullString
		content sql.NullString
		status  string
	)
	err := row.Scan(
		&item.ID,
		&item.OwnerID,
		&item.Name,
		&item.ProblemStatement,
		&item.InScope,
		&item.OutOfScope,
		&item.SuccessCriteria,
		&summary,
		&content,
		&status,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	item.Status = Status(status)
	if summary.Valid {
		item.Summary = &summary.String
	}
	if content.Valid {
		item.Content = &content.String
	}
	return item, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) (Document, error) {
	status := item.Status
	if status == "" {
		status = StatusCollectingAnswers
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, owner_id, name, problem_statement, in_scope, out_of_scope, success_criteria, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+documentColumns,
		item.ID, item.OwnerID, item.Name, item.ProblemStatement, item.InScope, item.OutOfScope, item.SuccessCriteria, string(status))
	created, err := scanDocument(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Document{}, ErrDuplicateName
		}
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return created, nil
}

// GetDocument returns sql.ErrNoRows (wrapped) when the document does not exist.
func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID)
	item, err := scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, ownerID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE owner_id=$1
		ORDER BY updated_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// UpdateDocumentGuarded writes update only while the document is still in
// expected. It reports false when no row matched, which callers treat as a
// lost race or a stale read.
func (s *PostgresStore) UpdateDocumentGuarded(ctx context.Context, documentID string, expected Status, update DocumentUpdate) (bool, error) {
	status := update.Status
	if status == "" {
		status = expected
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status=$3,
			summary=CASE WHEN $4::boolean THEN $5::text ELSE summary END,
			content=CASE WHEN $6::boolean THEN $7::text ELSE content END,
			updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, documentID, string(expected), string(status), update.SetSummary, nullableText(update.Summary), update.SetContent, nullableText(update.Content))
	if err != nil {
		return false, fmt.Errorf("update document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update document rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete document rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListQuestions(ctx context.Context, documentID string, filter QuestionFilter) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, round_number, position, question, answer, created_at
		FROM questions
		WHERE document_id=$1
		  AND ($2::integer = 0 OR round_number=$2)
		ORDER BY round_number ASC, position ASC, created_at ASC
	`, documentID, filter.Round)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	items := make([]Question, 0)
	for rows.Next() {
		var (
			item   Question
			answer sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.RoundNumber, &item.Position, &item.Text, &answer, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if answer.Valid {
			item.Answer = &answer.String
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MaxRound(ctx context.Context, documentID string) (int, error) {
	var round int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(round_number), 0) FROM questions WHERE document_id=$1`, documentID).Scan(&round)
	if err != nil {
		return 0, fmt.Errorf("max round: %w", err)
	}
	return round, nil
}

// InsertQuestionRound inserts one round atomically. The document row is
// locked for the duration so the status and round checks cannot race a
// concurrent step.
func (s *PostgresStore) InsertQuestionRound(ctx context.Context, documentID string, round int, questions []Question) ([]Question, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin question round tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockDocumentStatus(ctx, tx, documentID, StatusCollectingAnswers); err != nil {
		return nil, err
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(round_number), 0) FROM questions WHERE document_id=$1`, documentID).Scan(&current); err != nil {
		return nil, fmt.Errorf("read current round: %w", err)
	}
	if current != round-1 {
		return nil, fmt.Errorf("%w: expected round %d, found %d", ErrRoundChanged, round-1, current)
	}

	inserted := make([]Question, 0, len(questions))
	for i, question := range questions {
		item := question
		item.DocumentID = documentID
		item.RoundNumber = round
		item.Position = i
		item.Answer = nil
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO questions (id, document_id, round_number, position, question)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at
		`, item.ID, documentID, round, item.Position, item.Text).Scan(&item.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert question: %w", err)
		}
		inserted = append(inserted, item)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE documents SET updated_at=NOW() WHERE id=$1`, documentID); err != nil {
		return nil, fmt.Errorf("touch document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit question round: %w", err)
	}
	return inserted, nil
}

// SaveAnswers applies every answer in one transaction. The first failing
// update rolls back the whole batch.
func (s *PostgresStore) SaveAnswers(ctx context.Context, documentID string, answers []AnswerUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin answers tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockDocumentStatus(ctx, tx, documentID, StatusCollectingAnswers); err != nil {
		return err
	}

	for _, answer := range answers {
		result, err := tx.ExecContext(ctx, `
			UPDATE questions
			SET answer=$3, updated_at=NOW()
			WHERE id=$1 AND document_id=$2
		`, answer.QuestionID, documentID, answer.Answer)
		if err != nil {
			return fmt.Errorf("update answer %s: %w", answer.QuestionID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update answer %s rows: %w", answer.QuestionID, err)
		}
		if affected == 0 {
			return fmt.Errorf("update answer %s: %w", answer.QuestionID, ErrQuestionMissing)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE documents SET updated_at=NOW() WHERE id=$1`, documentID); err != nil {
		return fmt.Errorf("touch document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit answers: %w", err)
	}
	return nil
}

func lockDocumentStatus(ctx context.Context, tx *sql.Tx, documentID string, expected Status) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id=$1 FOR UPDATE`, documentID).Scan(&status)
	if err != nil {
		return fmt.Errorf("lock document: %w", err)
	}
	if Status(status) != expected {
		return fmt.Errorf("%w: expected %s, found %s", ErrStatusChanged, expected, status)
	}
	return nil
}

func nullableText(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

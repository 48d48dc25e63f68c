package workflow

import (
	"context"
	"log/slog"
)

// RoundCache keeps the current round per document out of the questions
// table. Implementations report a miss with ok=false.
type RoundCache interface {
	GetRound(ctx context.Context, documentID string) (round int, ok bool, err error)
	SetRound(ctx context.Context, documentID string, round int) error
	DeleteRound(ctx context.Context, documentID string) error
}

type roundSource interface {
	MaxRound(context.Context, string) (int, error)
}

// RoundTracker derives a document's current round: the highest round
// number among its questions, or 0 before the first round.
type RoundTracker struct {
	source roundSource
	cache  RoundCache
	logger *slog.Logger
}

// NewRoundTracker builds a tracker. cache may be nil.
func NewRoundTracker(source roundSource, cache RoundCache, logger *slog.Logger) *RoundTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoundTracker{source: source, cache: cache, logger: logger}
}

// CurrentRound returns the round number, or a KindRoundCalculation error
// when the store cannot be read. Cache failures only fall back to the store.
func (t *RoundTracker) CurrentRound(ctx context.Context, documentID string) (int, error) {
	if t.cache != nil {
		round, ok, err := t.cache.GetRound(ctx, documentID)
		switch {
		case err != nil:
			t.logger.Warn("round cache read failed", "document_id", documentID, "error", err)
		case ok:
			return round, nil
		}
	}

	round, err := t.source.MaxRound(ctx, documentID)
	if err != nil {
		return 0, roundCalculationFailed(documentID, err)
	}
	t.remember(ctx, documentID, round)
	return round, nil
}

// Record stores round after a new round has been committed.
func (t *RoundTracker) Record(ctx context.Context, documentID string, round int) {
	t.remember(ctx, documentID, round)
}

// Forget drops any cached round, used when a document is deleted.
func (t *RoundTracker) Forget(ctx context.Context, documentID string) {
	if t.cache == nil {
		return
	}
	if err := t.cache.DeleteRound(ctx, documentID); err != nil {
		t.logger.Warn("round cache delete failed", "document_id", documentID, "error", err)
	}
}

func (t *RoundTracker) remember(ctx context.Context, documentID string, round int) {
	if t.cache == nil {
		return
	}
	if err := t.cache.SetRound(ctx, documentID, round); err != nil {
		t.logger.Warn("round cache write failed", "document_id", documentID, "round", round, "error", err)
	}
}

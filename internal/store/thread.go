package store

import (
	"context"
	"database/sql"
	"time"
)

// ThreadState tracks the running summary a thread accrues every N turns
// (§9 "Decision" for thread summarization, §12).
type ThreadState struct {
	ThreadID    string
	UserID      string
	TurnCount   int
	Summary     string
	LastSummarizedAt *time.Time
	UpdatedAt   time.Time
}

// GetThreadState loads the running state for a thread, if any turns have
// been recorded yet.
func (s *Store) GetThreadState(ctx context.Context, threadID string) (ThreadState, bool, error) {
	var ts ThreadState
	var summary sql.NullString
	var lastSummarizedAt sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
SELECT thread_id, user_id, turn_count, summary, last_summarized_at, updated_at
FROM thread_state WHERE thread_id = $1
`, threadID).Scan(&ts.ThreadID, &ts.UserID, &ts.TurnCount, &summary, &lastSummarizedAt, &ts.UpdatedAt)
	if err == sql.ErrNoRows {
		return ThreadState{}, false, nil
	}
	if err != nil {
		return ThreadState{}, false, err
	}
	ts.Summary = summary.String
	if lastSummarizedAt.Valid {
		t := lastSummarizedAt.Time
		ts.LastSummarizedAt = &t
	}
	return ts, true, nil
}

// IncrementThreadTurn bumps the turn counter for a thread, creating the row
// on first use, and returns the post-increment count so the caller can check
// it against THREAD_SUMMARY_EVERY_N_TURNS.
func (s *Store) IncrementThreadTurn(ctx context.Context, threadID, userID string) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO thread_state (thread_id, user_id, turn_count, summary, updated_at)
VALUES ($1, $2, 1, '', NOW())
ON CONFLICT (thread_id) DO UPDATE SET turn_count = thread_state.turn_count + 1, updated_at = NOW()
RETURNING turn_count
`, threadID, userID).Scan(&count)
	return count, err
}

// SetThreadSummary persists a freshly-generated thread summary and marks the
// summarization timestamp (§9 decision: every N turns).
func (s *Store) SetThreadSummary(ctx context.Context, threadID, summary string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE thread_state SET summary = $1, last_summarized_at = NOW(), updated_at = NOW() WHERE thread_id = $2
`, summary, threadID)
	return err
}

// Experiment is a named A/B test over prompt variants, with an error-rate
// pause guard (§9 decision, §12 "Supplemented: experiment persistence").
type Experiment struct {
	Name           string
	Variants       []string
	Paused         bool
	ErrorCount     int
	TotalCount     int
	UpdatedAt      time.Time
}

// GetExperiment loads an experiment's current counters and pause state.
func (s *Store) GetExperiment(ctx context.Context, name string) (Experiment, bool, error) {
	var e Experiment
	err := s.DB.QueryRowContext(ctx, `
SELECT name, variants, paused, error_count, total_count, updated_at FROM experiments WHERE name = $1
`, name).Scan(&e.Name, &e.Variants, &e.Paused, &e.ErrorCount, &e.TotalCount, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return Experiment{}, false, nil
	}
	if err != nil {
		return Experiment{}, false, err
	}
	return e, true, nil
}

// RecordExperimentOutcome increments an experiment's rolling counters and
// pauses it once the error rate within the configured window exceeds the
// configured threshold. The window is approximated by resetting counters
// once total_count reaches errorWindow, matching the teacher's
// fixed-window-rate-limiter idiom rather than a true sliding window.
func (s *Store) RecordExperimentOutcome(ctx context.Context, name string, failed bool, errorWindow int, errorRatePause float64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var errCount, totalCount int
	err = tx.QueryRowContext(ctx, `SELECT error_count, total_count FROM experiments WHERE name = $1 FOR UPDATE`, name).Scan(&errCount, &totalCount)
	if err != nil {
		return err
	}
	if failed {
		errCount++
	}
	totalCount++
	paused := totalCount >= errorWindow && float64(errCount)/float64(totalCount) >= errorRatePause
	if totalCount >= errorWindow {
		errCount, totalCount = 0, 0
	}
	_, err = tx.ExecContext(ctx, `
UPDATE experiments SET error_count=$1, total_count=$2, paused = paused OR $3, updated_at = NOW() WHERE name = $4
`, errCount, totalCount, paused, name)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// EnsureExperiment creates the experiment row if absent, idempotently.
func (s *Store) EnsureExperiment(ctx context.Context, name string, variants []string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO experiments (name, variants, paused, error_count, total_count, updated_at)
VALUES ($1, $2, false, 0, 0, NOW())
ON CONFLICT (name) DO NOTHING
`, name, variants)
	return err
}

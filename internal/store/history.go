package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/outreach/internal/history"
)

const historyColumns = `id, member_id, goal_id, status, attempt_count, last_attempt_at,
	next_attempt_at, outcome_id, response_sentiment, response_intent, planner_reason,
	decision_method, created_at, updated_at`

// Claim inserts the (member, goal) row or re-opens it in one statement. The
// upsert only fires when the stored attempt is retryable, so two racing
// callers cannot both open an attempt. A re-opened attempt starts without
// the previous attempt's outcome and response.
func (e *Engine) Claim(ctx context.Context, c history.Claim) (history.Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := toMillis(c.Now)
	next := toMillis(c.Now.Add(c.Window))
	res, err := e.db.ExecContext(ctx, `
		INSERT INTO goal_history (id, member_id, goal_id, status, attempt_count, last_attempt_at,
			next_attempt_at, planner_reason, decision_method, created_at, updated_at)
		VALUES (?, ?, ?, 'open', 1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (member_id, goal_id) DO UPDATE SET
			status = 'open',
			attempt_count = goal_history.attempt_count + 1,
			last_attempt_at = excluded.last_attempt_at,
			next_attempt_at = excluded.next_attempt_at,
			planner_reason = excluded.planner_reason,
			decision_method = excluded.decision_method,
			outcome_id = NULL,
			response_sentiment = '',
			response_intent = '',
			updated_at = excluded.updated_at
		WHERE goal_history.status IN ('open', 'awaiting_response', 'deferred')
			AND goal_history.next_attempt_at IS NOT NULL
			AND goal_history.next_attempt_at <= ?
	`, uuid.NewString(), c.MemberID, c.GoalID, now, next, c.Reason, string(c.DecisionMethod), now, now, now)
	if err != nil {
		return history.Row{}, fmt.Errorf("claim goal %d for %s: %w", c.GoalID, c.MemberID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return history.Row{}, fmt.Errorf("claim rows affected: %w", err)
	}

	row, err := e.Find(ctx, c.MemberID, c.GoalID)
	if err != nil {
		return history.Row{}, err
	}
	if n > 0 {
		return row, nil
	}
	switch {
	case row.Status.Terminal():
		return row, history.ErrTerminal
	case row.Status == history.StatusDeferred:
		return row, history.ErrNotDue
	default:
		return row, history.ErrAlreadyInFlight
	}
}

// Update applies ch only while the stored status equals ch.From.
func (e *Engine) Update(ctx context.Context, id string, ch history.Change, now time.Time) (history.Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(ch.To), toMillis(now)}
	switch {
	case ch.ClearNextAttempt:
		sets = append(sets, "next_attempt_at = NULL")
	case ch.NextAttemptAt != nil:
		sets = append(sets, "next_attempt_at = ?")
		args = append(args, toMillis(*ch.NextAttemptAt))
	}
	if ch.OutcomeID != nil {
		sets = append(sets, "outcome_id = ?")
		args = append(args, *ch.OutcomeID)
	}
	if ch.ResponseSentiment != nil {
		sets = append(sets, "response_sentiment = ?")
		args = append(args, *ch.ResponseSentiment)
	}
	if ch.ResponseIntent != nil {
		sets = append(sets, "response_intent = ?")
		args = append(args, *ch.ResponseIntent)
	}
	args = append(args, id, string(ch.From))

	res, err := e.db.ExecContext(ctx,
		`UPDATE goal_history SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return history.Row{}, fmt.Errorf("update history %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return history.Row{}, fmt.Errorf("update rows affected: %w", err)
	}

	row, err := e.Get(ctx, id)
	if err != nil {
		return history.Row{}, err
	}
	if n == 0 {
		if row.Status.Terminal() {
			return row, history.ErrTerminal
		}
		return row, history.ErrConflict
	}
	return row, nil
}

func (e *Engine) Get(ctx context.Context, id string) (history.Row, error) {
	r := e.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM goal_history WHERE id = ?`, id)
	return scanHistoryRow(r)
}

func (e *Engine) Find(ctx context.Context, memberID string, goalID int64) (history.Row, error) {
	r := e.db.QueryRowContext(ctx, `
		SELECT `+historyColumns+` FROM goal_history
		WHERE member_id = ? AND goal_id = ?
	`, memberID, goalID)
	return scanHistoryRow(r)
}

func (e *Engine) ListForMember(ctx context.Context, memberID string) ([]history.Row, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+historyColumns+` FROM goal_history
		WHERE member_id = ?
		ORDER BY goal_id ASC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	return collectHistory(rows)
}

func (e *Engine) ListByStatus(ctx context.Context, statuses ...history.Status) ([]history.Row, error) {
	if len(statuses) == 0 {
		return []history.Row{}, nil
	}
	args := make([]any, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+historyColumns+` FROM goal_history
		WHERE status IN (`+placeholders(len(statuses))+`)
		ORDER BY member_id ASC, goal_id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list history by status: %w", err)
	}
	defer rows.Close()
	return collectHistory(rows)
}

// CountByStatus reports how many rows sit in each status.
func (e *Engine) CountByStatus(ctx context.Context) (map[history.Status]int, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM goal_history GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count history: %w", err)
	}
	defer rows.Close()

	counts := make(map[history.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan history count: %w", err)
		}
		counts[history.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history counts: %w", err)
	}
	return counts, nil
}

func collectHistory(rows *sql.Rows) ([]history.Row, error) {
	result := make([]history.Row, 0)
	for rows.Next() {
		r, err := scanHistoryRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return result, nil
}

func scanHistoryRow(s scanner) (history.Row, error) {
	var (
		r                    history.Row
		status, method       string
		last, next, outcome  sql.NullInt64
		createdAt, updatedAt int64
	)
	err := s.Scan(&r.ID, &r.MemberID, &r.GoalID, &status, &r.AttemptCount, &last,
		&next, &outcome, &r.ResponseSentiment, &r.ResponseIntent, &r.PlannerReason,
		&method, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Row{}, history.ErrNotFound
	}
	if err != nil {
		return history.Row{}, fmt.Errorf("scan history: %w", err)
	}
	r.Status = history.Status(status)
	r.DecisionMethod = history.DecisionMethod(method)
	r.LastAttemptAt = timePtr(last)
	r.NextAttemptAt = timePtr(next)
	r.OutcomeID = intPtr(outcome)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return r, nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/outreach/internal/actions"
)

const actionColumns = `id, member_id, goal_id, kind, detail, attempt, status, created_at`

// Raise inserts item unless (member, goal, kind, attempt) already exists.
func (e *Engine) Raise(ctx context.Context, item actions.Item) (actions.Item, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = actions.StatusOpen
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	res, err := e.db.ExecContext(ctx, `
		INSERT INTO action_items (id, member_id, goal_id, kind, detail, attempt, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (member_id, goal_id, kind, attempt) DO NOTHING
	`, item.ID, item.MemberID, item.GoalID, string(item.Kind), item.Detail, item.Attempt,
		string(item.Status), toMillis(item.CreatedAt))
	if err != nil {
		return actions.Item{}, false, fmt.Errorf("raise action item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return actions.Item{}, false, fmt.Errorf("raise rows affected: %w", err)
	}

	row := e.db.QueryRowContext(ctx, `
		SELECT `+actionColumns+` FROM action_items
		WHERE member_id = ? AND goal_id = ? AND kind = ? AND attempt = ?
	`, item.MemberID, item.GoalID, string(item.Kind), item.Attempt)
	stored, err := scanAction(row)
	if err != nil {
		return actions.Item{}, false, fmt.Errorf("load action item: %w", err)
	}
	return stored, n > 0, nil
}

func (e *Engine) ListOpen(ctx context.Context) ([]actions.Item, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM action_items
		WHERE status = 'open'
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list action items: %w", err)
	}
	defer rows.Close()

	result := make([]actions.Item, 0)
	for rows.Next() {
		item, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action item: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action items: %w", err)
	}
	return result, nil
}

func (e *Engine) Resolve(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.db.ExecContext(ctx, `UPDATE action_items SET status = 'resolved' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resolve action item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resolve action item %s: not found", id)
	}
	return nil
}

func scanAction(s scanner) (actions.Item, error) {
	var item actions.Item
	var kind, status string
	var createdAt int64
	if err := s.Scan(&item.ID, &item.MemberID, &item.GoalID, &kind, &item.Detail, &item.Attempt, &status, &createdAt); err != nil {
		return actions.Item{}, err
	}
	item.Kind = actions.Kind(kind)
	item.Status = actions.Status(status)
	item.CreatedAt = fromMillis(createdAt)
	return item, nil
}

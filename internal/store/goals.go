package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stellarlinkco/outreach/internal/catalog"
)

const goalColumns = `id, name, category, description, message_template, requires_mapped,
	requires_company_type, requires_min_engagement, requires_insights, excludes_insights,
	base_priority, is_enabled, success_insight_type, completes_on_capability,
	follow_up_on_question, created_at, updated_at`

func (e *Engine) CreateGoal(ctx context.Context, g catalog.Goal) (catalog.Goal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	req, exc, err := encodeInsightLists(g)
	if err != nil {
		return catalog.Goal{}, err
	}
	res, err := e.db.ExecContext(ctx, `
		INSERT INTO goals (name, category, description, message_template, requires_mapped,
			requires_company_type, requires_min_engagement, requires_insights, excludes_insights,
			base_priority, is_enabled, success_insight_type, completes_on_capability,
			follow_up_on_question, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, g.Name, string(g.Category), g.Description, g.MessageTemplate, boolToInt(g.RequiresMapped),
		g.RequiresCompanyType, g.RequiresMinEngagement, req, exc,
		g.BasePriority, boolToInt(g.IsEnabled), g.SuccessInsightType, g.CompletesOnCapability,
		boolToInt(g.FollowUpOnQuestion), toMillis(now), toMillis(now))
	if err != nil {
		return catalog.Goal{}, fmt.Errorf("insert goal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return catalog.Goal{}, fmt.Errorf("goal id: %w", err)
	}
	return e.getGoal(ctx, id)
}

func (e *Engine) UpdateGoal(ctx context.Context, g catalog.Goal) (catalog.Goal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, exc, err := encodeInsightLists(g)
	if err != nil {
		return catalog.Goal{}, err
	}
	res, err := e.db.ExecContext(ctx, `
		UPDATE goals SET name = ?, category = ?, description = ?, message_template = ?,
			requires_mapped = ?, requires_company_type = ?, requires_min_engagement = ?,
			requires_insights = ?, excludes_insights = ?, base_priority = ?, is_enabled = ?,
			success_insight_type = ?, completes_on_capability = ?, follow_up_on_question = ?,
			updated_at = ?
		WHERE id = ?
	`, g.Name, string(g.Category), g.Description, g.MessageTemplate,
		boolToInt(g.RequiresMapped), g.RequiresCompanyType, g.RequiresMinEngagement,
		req, exc, g.BasePriority, boolToInt(g.IsEnabled),
		g.SuccessInsightType, g.CompletesOnCapability, boolToInt(g.FollowUpOnQuestion),
		toMillis(time.Now()), g.ID)
	if err != nil {
		return catalog.Goal{}, fmt.Errorf("update goal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.Goal{}, catalog.ErrGoalNotFound
	}
	return e.getGoal(ctx, g.ID)
}

func (e *Engine) GetGoal(ctx context.Context, id int64) (catalog.Goal, error) {
	return e.getGoal(ctx, id)
}

func (e *Engine) getGoal(ctx context.Context, id int64) (catalog.Goal, error) {
	row := e.db.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = ?`, id)
	g, err := scanGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Goal{}, catalog.ErrGoalNotFound
	}
	if err != nil {
		return catalog.Goal{}, fmt.Errorf("get goal: %w", err)
	}
	return g, nil
}

func (e *Engine) ListGoals(ctx context.Context, enabledOnly bool, category catalog.Category) ([]catalog.Goal, error) {
	q := `SELECT ` + goalColumns + ` FROM goals WHERE 1 = 1`
	args := []any{}
	if enabledOnly {
		q += ` AND is_enabled = 1`
	}
	if category != "" {
		q += ` AND category = ?`
		args = append(args, string(category))
	}
	q += ` ORDER BY id ASC`

	rows, err := e.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()

	goals := make([]catalog.Goal, 0)
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		goals = append(goals, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate goals: %w", err)
	}
	return goals, nil
}

// DeleteGoal removes a goal and its rules unless goal_history references it,
// in which case the goal is only disabled.
func (e *Engine) DeleteGoal(ctx context.Context, id int64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete goal: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM goals WHERE id = ?`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check goal: %w", err)
	}
	if exists == 0 {
		return false, catalog.ErrGoalNotFound
	}

	var refs int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM goal_history WHERE goal_id = ?`, id).Scan(&refs); err != nil {
		return false, fmt.Errorf("count goal history: %w", err)
	}
	disabled := refs > 0
	if disabled {
		_, err = tx.ExecContext(ctx, `UPDATE goals SET is_enabled = 0, updated_at = ? WHERE id = ?`, toMillis(time.Now()), id)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM goals WHERE id = ?`, id)
	}
	if err != nil {
		return false, fmt.Errorf("delete goal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete goal: %w", err)
	}
	return disabled, nil
}

func encodeInsightLists(g catalog.Goal) (string, string, error) {
	req, err := json.Marshal(nonNil(g.RequiresInsights))
	if err != nil {
		return "", "", fmt.Errorf("encode requires_insights: %w", err)
	}
	exc, err := json.Marshal(nonNil(g.ExcludesInsights))
	if err != nil {
		return "", "", fmt.Errorf("encode excludes_insights: %w", err)
	}
	return string(req), string(exc), nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func scanGoal(s scanner) (catalog.Goal, error) {
	var (
		g                         catalog.Goal
		category, req, exc        string
		mapped, enabled, followUp int
		createdAt, updatedAt      int64
	)
	if err := s.Scan(&g.ID, &g.Name, &category, &g.Description, &g.MessageTemplate, &mapped,
		&g.RequiresCompanyType, &g.RequiresMinEngagement, &req, &exc,
		&g.BasePriority, &enabled, &g.SuccessInsightType, &g.CompletesOnCapability,
		&followUp, &createdAt, &updatedAt); err != nil {
		return catalog.Goal{}, err
	}
	g.Category = catalog.Category(category)
	g.RequiresMapped = mapped == 1
	g.IsEnabled = enabled == 1
	g.FollowUpOnQuestion = followUp == 1
	g.CreatedAt = fromMillis(createdAt)
	g.UpdatedAt = fromMillis(updatedAt)
	if err := json.Unmarshal([]byte(req), &g.RequiresInsights); err != nil {
		return catalog.Goal{}, fmt.Errorf("decode requires_insights: %w", err)
	}
	if err := json.Unmarshal([]byte(exc), &g.ExcludesInsights); err != nil {
		return catalog.Goal{}, fmt.Errorf("decode excludes_insights: %w", err)
	}
	if len(g.RequiresInsights) == 0 {
		g.RequiresInsights = nil
	}
	if len(g.ExcludesInsights) == 0 {
		g.ExcludesInsights = nil
	}
	return g, nil
}

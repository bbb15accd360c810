package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stellarlinkco/outreach/internal/catalog"
)

const ruleColumns = `id, goal_id, trigger_type, trigger_value, outcome_type, response_message,
	next_goal_id, defer_days, insight_to_record, insight_value, priority`

func (e *Engine) CreateRule(ctx context.Context, r catalog.OutcomeRule) (catalog.OutcomeRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.db.ExecContext(ctx, `
		INSERT INTO outcome_rules (goal_id, trigger_type, trigger_value, outcome_type, response_message,
			next_goal_id, defer_days, insight_to_record, insight_value, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.GoalID, string(r.TriggerType), r.TriggerValue, string(r.OutcomeType), r.ResponseMessage,
		nullInt(r.NextGoalID), r.DeferDays, r.InsightToRecord, r.InsightValue, r.Priority)
	if err != nil {
		return catalog.OutcomeRule{}, fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return catalog.OutcomeRule{}, fmt.Errorf("rule id: %w", err)
	}
	return e.GetRule(ctx, id)
}

func (e *Engine) UpdateRule(ctx context.Context, r catalog.OutcomeRule) (catalog.OutcomeRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.db.ExecContext(ctx, `
		UPDATE outcome_rules SET trigger_type = ?, trigger_value = ?, outcome_type = ?,
			response_message = ?, next_goal_id = ?, defer_days = ?, insight_to_record = ?,
			insight_value = ?, priority = ?
		WHERE id = ?
	`, string(r.TriggerType), r.TriggerValue, string(r.OutcomeType), r.ResponseMessage,
		nullInt(r.NextGoalID), r.DeferDays, r.InsightToRecord, r.InsightValue, r.Priority, r.ID)
	if err != nil {
		return catalog.OutcomeRule{}, fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.OutcomeRule{}, catalog.ErrRuleNotFound
	}
	return e.GetRule(ctx, r.ID)
}

func (e *Engine) GetRule(ctx context.Context, id int64) (catalog.OutcomeRule, error) {
	row := e.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM outcome_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.OutcomeRule{}, catalog.ErrRuleNotFound
	}
	if err != nil {
		return catalog.OutcomeRule{}, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

func (e *Engine) DeleteRule(ctx context.Context, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.db.ExecContext(ctx, `DELETE FROM outcome_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.ErrRuleNotFound
	}
	return nil
}

// ListRules returns a goal's rules in evaluation order.
func (e *Engine) ListRules(ctx context.Context, goalID int64) ([]catalog.OutcomeRule, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM outcome_rules
		WHERE goal_id = ?
		ORDER BY priority DESC, id ASC
	`, goalID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]catalog.OutcomeRule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return rules, nil
}

func scanRule(s scanner) (catalog.OutcomeRule, error) {
	var (
		r                catalog.OutcomeRule
		trigger, outcome string
		next             sql.NullInt64
	)
	if err := s.Scan(&r.ID, &r.GoalID, &trigger, &r.TriggerValue, &outcome, &r.ResponseMessage,
		&next, &r.DeferDays, &r.InsightToRecord, &r.InsightValue, &r.Priority); err != nil {
		return catalog.OutcomeRule{}, err
	}
	r.TriggerType = catalog.TriggerType(trigger)
	r.OutcomeType = catalog.OutcomeType(outcome)
	r.NextGoalID = intPtr(next)
	return r, nil
}

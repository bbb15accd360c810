package store

import (
	"context"
	"fmt"
	"time"

	"github.com/stellarlinkco/outreach/internal/insights"
)

func (e *Engine) ListInsights(ctx context.Context, memberID string) ([]insights.Insight, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT member_id, type, value, confidence, source, updated_at
		FROM insights
		WHERE member_id = ?
		ORDER BY type ASC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	result := make([]insights.Insight, 0)
	for rows.Next() {
		var in insights.Insight
		var source string
		var updatedAt int64
		if err := rows.Scan(&in.MemberID, &in.Type, &in.Value, &in.Confidence, &source, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		in.Source = insights.Source(source)
		in.UpdatedAt = fromMillis(updatedAt)
		result = append(result, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate insights: %w", err)
	}
	return result, nil
}

// UpsertInsight keeps one value per (member, type); the latest write wins.
func (e *Engine) UpsertInsight(ctx context.Context, in insights.Insight) (insights.Insight, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = time.Now().UTC()
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO insights (member_id, type, value, confidence, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (member_id, type) DO UPDATE SET
			value = excluded.value,
			confidence = excluded.confidence,
			source = excluded.source,
			updated_at = excluded.updated_at
	`, in.MemberID, in.Type, in.Value, in.Confidence, string(in.Source), toMillis(in.UpdatedAt))
	if err != nil {
		return insights.Insight{}, fmt.Errorf("upsert insight: %w", err)
	}
	in.UpdatedAt = fromMillis(toMillis(in.UpdatedAt))
	return in, nil
}

func (e *Engine) DeleteInsight(ctx context.Context, memberID, insightType string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.db.ExecContext(ctx, `DELETE FROM insights WHERE member_id = ? AND type = ?`, memberID, insightType); err != nil {
		return fmt.Errorf("delete insight: %w", err)
	}
	return nil
}

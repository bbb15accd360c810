package outcome

import (
	"context"
	"fmt"

	"github.com/stellarlinkco/outreach/internal/actions"
	"github.com/stellarlinkco/outreach/internal/catalog"
	"github.com/stellarlinkco/outreach/internal/history"
	"github.com/stellarlinkco/outreach/internal/insights"
)

// InsightWriter is the shared insight write path; it invalidates the
// member's cached insights before returning.
type InsightWriter interface {
	Record(ctx context.Context, in insights.Insight) (insights.Insight, error)
}

type ActionSink interface {
	Raise(ctx context.Context, item actions.Item) (actions.Item, bool, error)
}

// Applied reports what applying a matched outcome did.
type Applied struct {
	Row        history.Row         `json:"row"`
	Outcome    catalog.OutcomeType `json:"outcome"`
	NextGoalID *int64              `json:"next_goal_id,omitempty"`
	Insights   []insights.Insight  `json:"insights,omitempty"`
	Escalation *actions.Item       `json:"escalation,omitempty"`
}

type Applier struct {
	history  *history.Service
	insights InsightWriter
	actions  ActionSink
}

func NewApplier(h *history.Service, w InsightWriter, sink ActionSink) *Applier {
	return &Applier{history: h, insights: w, actions: sink}
}

// Apply turns a matched rule into a goal history transition for row.
func (a *Applier) Apply(ctx context.Context, goal catalog.Goal, row history.Row, m MatchedOutcome) (Applied, error) {
	rule := m.Rule
	res := Applied{Outcome: rule.OutcomeType, NextGoalID: rule.NextGoalID}
	if row.Status.Terminal() {
		return res, fmt.Errorf("apply %s to %s: %w", rule.OutcomeType, row.ID, history.ErrTerminal)
	}
	ruleID := rule.ID

	var err error
	switch rule.OutcomeType {
	case catalog.OutcomeAdvance:
		res.Row, err = a.complete(ctx, goal, row, &ruleID, &res)
	case catalog.OutcomeDismiss:
		res.Row, err = a.history.Dismiss(ctx, row, &ruleID)
	case catalog.OutcomeDefer:
		res.Row, err = a.history.Defer(ctx, row, rule.DeferDays, &ruleID)
	case catalog.OutcomeRecordInsight:
		in, werr := a.insights.Record(ctx, insights.Insight{
			MemberID:   row.MemberID,
			Type:       rule.InsightToRecord,
			Value:      rule.InsightValue,
			Confidence: 1,
			Source:     insights.SourceOutcome,
		})
		if werr != nil {
			return res, fmt.Errorf("record outcome insight: %w", werr)
		}
		res.Insights = append(res.Insights, in)
		res.Row, err = a.complete(ctx, goal, row, &ruleID, &res)
	case catalog.OutcomeEscalate:
		item, _, rerr := a.actions.Raise(ctx, actions.Item{
			MemberID: row.MemberID,
			GoalID:   row.GoalID,
			Kind:     actions.KindEscalation,
			Detail:   fmt.Sprintf("response escalated by rule %d (intent %s, sentiment %s)", rule.ID, m.Analysis.Intent, m.Analysis.Sentiment),
			Attempt:  row.AttemptCount,
		})
		if rerr != nil {
			return res, fmt.Errorf("raise escalation: %w", rerr)
		}
		res.Escalation = &item
		res.Row, err = a.history.RecordOutcome(ctx, row, ruleID)
	default:
		return res, fmt.Errorf("%w: unknown outcome %q", catalog.ErrInvalidRule, rule.OutcomeType)
	}
	if err != nil {
		return res, fmt.Errorf("apply %s to %s: %w", rule.OutcomeType, row.ID, err)
	}
	return res, nil
}

// ForceComplete closes row because its goal was fulfilled outside outreach.
func (a *Applier) ForceComplete(ctx context.Context, goal catalog.Goal, row history.Row) (Applied, error) {
	res := Applied{Outcome: catalog.OutcomeAdvance}
	if row.Status.Terminal() {
		return res, fmt.Errorf("force complete %s: %w", row.ID, history.ErrTerminal)
	}
	var err error
	res.Row, err = a.complete(ctx, goal, row, nil, &res)
	return res, err
}

func (a *Applier) complete(ctx context.Context, goal catalog.Goal, row history.Row, ruleID *int64, res *Applied) (history.Row, error) {
	if goal.SuccessInsightType != "" {
		in, err := a.insights.Record(ctx, insights.Insight{
			MemberID:   row.MemberID,
			Type:       goal.SuccessInsightType,
			Value:      "true",
			Confidence: 1,
			Source:     insights.SourceOutcome,
		})
		if err != nil {
			return row, fmt.Errorf("record success insight: %w", err)
		}
		res.Insights = append(res.Insights, in)
	}
	return a.history.Complete(ctx, row, ruleID)
}

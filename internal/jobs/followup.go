package jobs

import (
	"context"
	"log"
	"time"

	"github.com/stellarlinkco/outreach/internal/catalog"
	"github.com/stellarlinkco/outreach/internal/history"
	"github.com/stellarlinkco/outreach/internal/insights"
	"github.com/stellarlinkco/outreach/internal/member"
)

// FollowUp reconciles externally fulfilled goals, reopens due deferrals and
// applies no_response rules to attempts whose window elapsed. Every step is
// guarded by the row's current status and next_attempt_at.
func (r *Runner) FollowUp(ctx context.Context) (Summary, error) {
	goals := newGoalCache(r.deps.Goals)
	now := r.now()
	return r.sweep(ctx, JobFollowUp, func(ctx context.Context, m member.Member, sum *Summary) {
		rows, err := r.deps.History.ForMember(ctx, m.ID)
		if err != nil {
			sum.fail(m.ID, 0, err)
			return
		}
		var present map[string]bool
		for _, row := range rows {
			if row.Status.Terminal() {
				continue
			}
			g, err := goals.get(ctx, row.GoalID)
			if err != nil {
				sum.fail(m.ID, row.GoalID, err)
				continue
			}
			if present == nil && g.SuccessInsightType != "" {
				list, err := r.deps.Insights.List(ctx, m.ID)
				if err != nil {
					sum.fail(m.ID, row.GoalID, err)
					continue
				}
				present = insights.Types(list)
			}

			changed, err := r.followUpRow(ctx, m, g, row, present, now)
			if err != nil {
				if history.IsConcurrencyError(err) {
					log.Printf("[jobs] follow_up: row %s changed concurrently; skipping", row.ID)
					continue
				}
				sum.fail(m.ID, row.GoalID, err)
				continue
			}
			if changed {
				sum.Changed++
			}
		}
	})
}

func (r *Runner) followUpRow(ctx context.Context, m member.Member, g catalog.Goal, row history.Row, present map[string]bool, now time.Time) (bool, error) {
	if fulfilled(g, m, present) {
		if _, err := r.deps.Applier.ForceComplete(ctx, g, row); err != nil {
			return false, err
		}
		log.Printf("[jobs] follow_up: %s goal %d fulfilled externally", m.ID, g.ID)
		return true, nil
	}

	due := row.NextAttemptAt != nil && !row.NextAttemptAt.After(now)
	switch {
	case row.Status == history.StatusDeferred && due:
		if _, err := r.deps.History.Reopen(ctx, row); err != nil {
			return false, err
		}
		return true, nil

	case row.Status == history.StatusAwaitingResponse && due && row.ResponseIntent == "" && row.OutcomeID == nil:
		match, err := r.deps.Resolver.MatchNoResponse(ctx, g)
		if err != nil || match == nil {
			return false, err
		}
		applied, err := r.deps.Applier.Apply(ctx, g, row, *match)
		if err != nil {
			return false, err
		}
		r.deps.Metrics.Outcome(ctx, string(applied.Outcome))
		return true, nil
	}
	return false, nil
}

// fulfilled reports whether the goal's completion condition is already
// observable outside outreach.
func fulfilled(g catalog.Goal, m member.Member, present map[string]bool) bool {
	if g.SuccessInsightType != "" && present[g.SuccessInsightType] {
		return true
	}
	return g.CompletesOnCapability != "" && m.Capabilities.Has(g.CompletesOnCapability)
}

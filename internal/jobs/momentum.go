package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/stellarlinkco/outreach/internal/actions"
	"github.com/stellarlinkco/outreach/internal/history"
	"github.com/stellarlinkco/outreach/internal/member"
	"github.com/stellarlinkco/outreach/internal/outcome"
)

// Momentum raises operator action items for stale, stalled and unanswered
// attempts. It never contacts a member. Items are keyed by attempt, so a
// re-run over unchanged rows creates nothing.
func (r *Runner) Momentum(ctx context.Context) (Summary, error) {
	goals := newGoalCache(r.deps.Goals)
	now := r.now()
	return r.sweep(ctx, JobMomentum, func(ctx context.Context, m member.Member, sum *Summary) {
		rows, err := r.deps.History.ForMember(ctx, m.ID)
		if err != nil {
			sum.fail(m.ID, 0, err)
			return
		}
		for _, row := range rows {
			item, ok, err := r.momentumItem(ctx, goals, row, now)
			if err != nil {
				sum.fail(m.ID, row.GoalID, err)
				continue
			}
			if !ok {
				continue
			}
			stored, created, err := r.deps.Actions.Raise(ctx, item)
			if err != nil {
				sum.fail(m.ID, row.GoalID, fmt.Errorf("raise %s: %w", item.Kind, err))
				continue
			}
			if !created {
				continue
			}
			sum.Changed++
			sum.Items = append(sum.Items, stored)
			r.notifyAsync(stored)
		}
	})
}

func (r *Runner) momentumItem(ctx context.Context, goals *goalCache, row history.Row, now time.Time) (actions.Item, bool, error) {
	item := actions.Item{MemberID: row.MemberID, GoalID: row.GoalID, Attempt: row.AttemptCount}
	switch row.Status {
	case history.StatusAwaitingResponse:
		if row.ResponseIntent == outcome.IntentQuestion && row.OutcomeID == nil {
			g, err := goals.get(ctx, row.GoalID)
			if err != nil {
				return item, false, err
			}
			if !g.FollowUpOnQuestion {
				return item, false, nil
			}
			item.Kind = actions.KindAnswerQuestion
			item.Detail = fmt.Sprintf("member asked a question about %q", g.Name)
			return item, true, nil
		}
		if row.ResponseIntent != "" || row.LastAttemptAt == nil {
			return item, false, nil
		}
		if now.Sub(*row.LastAttemptAt) < r.staleAfter {
			return item, false, nil
		}
		item.Kind = actions.KindStaleResponse
		item.Detail = "no response since " + humanize.RelTime(*row.LastAttemptAt, now, "ago", "from now")
		return item, true, nil

	case history.StatusOpen:
		// Only claimed attempts are in flight; a reopened deferral waits for the planner.
		if !row.InFlight(now) || row.LastAttemptAt == nil {
			return item, false, nil
		}
		if now.Sub(*row.LastAttemptAt) < r.stalledAfter {
			return item, false, nil
		}
		item.Kind = actions.KindStalledSend
		item.Detail = "claimed " + humanize.RelTime(*row.LastAttemptAt, now, "ago", "from now") + " but never delivered"
		return item, true, nil
	}
	return item, false, nil
}

func (r *Runner) notifyAsync(item actions.Item) {
	r.notifyWG.Add(1)
	go func() {
		defer r.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.deps.Notifier.Notify(ctx, item); err != nil {
			log.Printf("[jobs] notify %s failed: %v", item.ID, err)
		}
	}()
}

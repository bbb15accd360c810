package planner

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/outreach/internal/catalog"
	"github.com/stellarlinkco/outreach/internal/eligibility"
	"github.com/stellarlinkco/outreach/internal/history"
	"github.com/stellarlinkco/outreach/internal/insights"
)

type staticGoals []catalog.Goal

func (s staticGoals) ListEnabled(_ context.Context, category catalog.Category) ([]catalog.Goal, error) {
	var out []catalog.Goal
	for _, g := range s {
		if g.IsEnabled && (category == "" || g.Category == category) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s staticGoals) Goal(_ context.Context, id int64) (catalog.Goal, error) {
	for _, g := range s {
		if g.ID == id {
			return g, nil
		}
	}
	return catalog.Goal{}, catalog.ErrGoalNotFound
}

var now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func goal(id int64, name string, base int) catalog.Goal {
	return catalog.Goal{
		ID:              id,
		Name:            name,
		Category:        catalog.CategoryIntroduction,
		MessageTemplate: "Hi {{user_name}}",
		BasePriority:    base,
		IsEnabled:       true,
	}
}

func eligibleContext() Context {
	return Context{
		User:        User{ID: "m1", Name: "Ada"},
		Eligibility: eligibility.Result{CanContact: true, Reason: eligibility.ReasonOK},
		Now:         now,
	}
}

func TestPlan_UnmappedIntroduction(t *testing.T) {
	p := New(staticGoals{goal(1, "Introduction", 10)})
	action, err := p.PlanNextAction(context.Background(), eligibleContext())
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, int64(1), action.Goal.ID)
	assert.Equal(t, history.DecisionRuleBased, action.DecisionMethod)
	assert.Equal(t, "Hi Ada", action.Message)
	assert.Equal(t, 15, action.Score, "base 10 + recency 5")
	assert.Contains(t, action.Reason, "Introduction")
}

func TestPlan_IneligibleMemberGetsNothing(t *testing.T) {
	p := New(staticGoals{goal(1, "Introduction", 10)})
	pc := eligibleContext()
	pc.Eligibility = eligibility.Result{CanContact: false, Reason: "member opted out of outreach"}

	action, err := p.PlanNextAction(context.Background(), pc)
	require.NoError(t, err)
	assert.Nil(t, action)

	pc.Rehearsal = true
	action, err = p.PlanNextAction(context.Background(), pc)
	require.NoError(t, err)
	assert.NotNil(t, action, "rehearsal is exempt from the contact gate")
}

func TestPlan_DeferredFutureExcluded(t *testing.T) {
	p := New(staticGoals{goal(1, "Top", 20), goal(2, "Second", 10)})
	pc := eligibleContext()
	future := now.Add(48 * time.Hour)
	pc.History = []history.Row{{GoalID: 1, Status: history.StatusDeferred, AttemptCount: 1, NextAttemptAt: &future}}

	action, err := p.PlanNextAction(context.Background(), pc)
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, int64(2), action.Goal.ID)

	p = New(staticGoals{goal(1, "Top", 20)})
	action, err = p.PlanNextAction(context.Background(), pc)
	require.NoError(t, err)
	assert.Nil(t, action)
}

func TestPlan_ExcludesTerminalAndInFlight(t *testing.T) {
	p := New(staticGoals{goal(1, "Done", 50), goal(2, "Dismissed", 40), goal(3, "Flying", 30), goal(4, "Expired", 5)})
	pc := eligibleContext()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	pc.History = []history.Row{
		{GoalID: 1, Status: history.StatusCompleted},
		{GoalID: 2, Status: history.StatusDismissed},
		{GoalID: 3, Status: history.StatusAwaitingResponse, AttemptCount: 1, NextAttemptAt: &future},
		{GoalID: 4, Status: history.StatusAwaitingResponse, AttemptCount: 1, NextAttemptAt: &past},
	}

	action, err := p.PlanNextAction(context.Background(), pc)
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, int64(4), action.Goal.ID)
	assert.Equal(t, 3, action.Score, "base 5 - one attempt penalty 2")
	assert.Empty(t, action.Alternatives)
}

func TestPlan_TiesBreakOnLowestID(t *testing.T) {
	p := New(staticGoals{goal(9, "Nine", 10), goal(3, "Three", 10), goal(5, "Five", 10)})
	action, err := p.PlanNextAction(context.Background(), eligibleContext())
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, int64(3), action.Goal.ID)
	require.Len(t, action.Alternatives, 2)
	assert.Equal(t, int64(5), action.Alternatives[0].GoalID)
	assert.Equal(t, int64(9), action.Alternatives[1].GoalID)
}

func TestPlan_AttemptPenaltyFavorsFreshGoals(t *testing.T) {
	p := New(staticGoals{goal(1, "Hammered", 12), goal(2, "Fresh", 8)})
	pc := eligibleContext()
	past := now.Add(-time.Hour)
	pc.History = []history.Row{{GoalID: 1, Status: history.StatusOpen, AttemptCount: 3, NextAttemptAt: &past}}

	action, err := p.PlanNextAction(context.Background(), pc)
	require.NoError(t, err)
	require.NotNil(t, action)
	// Hammered: 12 - 6 = 6; Fresh: 8 + 5 = 13.
	assert.Equal(t, int64(2), action.Goal.ID)
}

func TestScoring_PenaltyCap(t *testing.T) {
	g := goal(1, "x", 10)
	capped := Scoring{PenaltyPerAttempt: 3, PenaltyCap: 6}
	assert.Equal(t, 4, capped.score(g, 5).total())
	linear := Scoring{PenaltyPerAttempt: 3}
	assert.Equal(t, -5, linear.score(g, 5).total())
}

func TestPlan_WeightedRandom(t *testing.T) {
	goals := staticGoals{goal(1, "A", 10), goal(2, "B", 10), goal(3, "C", -20)}
	p := New(goals, WithMode("weighted-random"), WithRand(rand.New(rand.NewPCG(1, 2))))

	seen := map[int64]bool{}
	for i := 0; i < 200; i++ {
		action, err := p.PlanNextAction(context.Background(), eligibleContext())
		require.NoError(t, err)
		require.NotNil(t, action)
		assert.Equal(t, history.DecisionWeightedRandom, action.DecisionMethod)
		assert.Len(t, action.Alternatives, 2)
		seen[action.Goal.ID] = true
	}
	assert.True(t, seen[1])
	assert.True(t, seen[2])
	assert.False(t, seen[3], "non-positive scores are never drawn")
}

func TestPlan_ChainedGoalWinsWhileCandidate(t *testing.T) {
	follow := goal(2, "Follow-up", 1)
	follow.RequiresMapped = true
	p := New(staticGoals{goal(1, "Top", 20), follow}, WithMode("weighted-random"), WithRand(rand.New(rand.NewPCG(3, 4))))
	pc := eligibleContext()
	pc.User.IsMapped = true
	chained := int64(2)
	pc.ChainedGoalID = &chained

	action, err := p.PlanNextAction(context.Background(), pc)
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, int64(2), action.Goal.ID)
	assert.Equal(t, history.DecisionRuleBased, action.DecisionMethod)
	assert.Contains(t, action.Reason, "chained")
	require.Len(t, action.Alternatives, 1)

	// targeting still applies to the chained goal
	pc.User.IsMapped = false
	action, err = p.PlanNextAction(context.Background(), pc)
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, int64(1), action.Goal.ID)
	assert.NotContains(t, action.Reason, "chained")

	// so does the in-flight guard
	pc.User.IsMapped = true
	future := now.Add(time.Hour)
	pc.History = []history.Row{{GoalID: 2, Status: history.StatusAwaitingResponse, AttemptCount: 1, NextAttemptAt: &future}}
	action, err = p.PlanNextAction(context.Background(), pc)
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, int64(1), action.Goal.ID)
}

func TestPlan_TargetingProperty(t *testing.T) {
	rnd := rand.New(rand.NewPCG(42, 7))
	insightKeys := []string{"role", "budget", "team_size"}
	for iter := 0; iter < 300; iter++ {
		var goals staticGoals
		for id := int64(1); id <= 6; id++ {
			g := goal(id, "g", rnd.IntN(30))
			g.RequiresMapped = rnd.IntN(2) == 0
			if rnd.IntN(3) == 0 {
				g.ExcludesInsights = []string{insightKeys[rnd.IntN(len(insightKeys))]}
			}
			goals = append(goals, g)
		}
		pc := eligibleContext()
		pc.User.IsMapped = rnd.IntN(2) == 0
		for _, k := range insightKeys {
			if rnd.IntN(2) == 0 {
				pc.User.Insights = append(pc.User.Insights, insights.Insight{Type: k})
			}
		}
		present := insights.Types(pc.User.Insights)

		action, err := New(goals).PlanNextAction(context.Background(), pc)
		require.NoError(t, err)
		if action == nil {
			continue
		}
		if !pc.User.IsMapped {
			assert.False(t, action.Goal.RequiresMapped)
		}
		for _, ex := range action.Goal.ExcludesInsights {
			assert.False(t, present[ex], "excluded insight %q present", ex)
		}
	}
}

func TestOverride(t *testing.T) {
	disabled := goal(2, "Off", 10)
	disabled.IsEnabled = false
	p := New(staticGoals{goal(1, "Manual", 1), disabled, goal(3, "Closed", 1)})
	pc := eligibleContext()
	pc.History = []history.Row{{GoalID: 3, Status: history.StatusCompleted}}
	ctx := context.Background()

	action, err := p.Override(ctx, pc, 1, "ops@example.org")
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, history.DecisionAdminOverride, action.DecisionMethod)
	assert.Contains(t, action.Reason, "ops@example.org")

	_, err = p.Override(ctx, pc, 2, "ops")
	assert.ErrorIs(t, err, catalog.ErrGoalNotFound)
	_, err = p.Override(ctx, pc, 42, "ops")
	assert.ErrorIs(t, err, catalog.ErrGoalNotFound)
	_, err = p.Override(ctx, pc, 3, "ops")
	assert.ErrorIs(t, err, history.ErrTerminal)

	pc.Eligibility.CanContact = false
	action, err = p.Override(ctx, pc, 1, "ops")
	require.NoError(t, err)
	assert.Nil(t, action)
}

func TestBuildMessage(t *testing.T) {
	pc := eligibleContext()
	g := catalog.Goal{
		ID:              7,
		Category:        catalog.CategoryInsightGathering,
		Description:     "What are you hoping to get from the community?",
		MessageTemplate: "{{user_name}}: {{goal_question}} Link: {{link_url}} {{unknown}}",
	}
	link := LinkURL("https://members.example.org/link", "m1", 7)
	msg := BuildMessage(g, pc, link)
	assert.Equal(t, "Ada: What are you hoping to get from the community? Link: https://members.example.org/link?goal=7&member=m1 {{unknown}}", msg)

	g.Category = catalog.CategoryEngagement
	msg = BuildMessage(g, pc, link)
	assert.True(t, strings.Contains(msg, "{{goal_question}}"), "question token only resolves for insight-seeking goals")
}

func TestLinkURL(t *testing.T) {
	assert.Equal(t, "", LinkURL("", "m1", 1))
	assert.Equal(t, "https://x.test/l?goal=1&member=m+1", LinkURL("https://x.test/l", "m 1", 1))
}

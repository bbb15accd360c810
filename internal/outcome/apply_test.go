package outcome_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/outreach/internal/actions"
	"github.com/stellarlinkco/outreach/internal/catalog"
	"github.com/stellarlinkco/outreach/internal/history"
	"github.com/stellarlinkco/outreach/internal/insights"
	"github.com/stellarlinkco/outreach/internal/outcome"
	"github.com/stellarlinkco/outreach/internal/testutil/teststore"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, string) (outcome.Analysis, error) {
	return outcome.Analysis{}, errors.New("upstream timeout")
}

type harness struct {
	env      *teststore.Env
	history  *history.Service
	insights *insights.Service
	resolver *outcome.Resolver
	applier  *outcome.Applier
	goal     catalog.Goal
	rules    map[string]catalog.OutcomeRule
}

func newHarness(t *testing.T, classifier outcome.Classifier) *harness {
	t.Helper()
	env := teststore.NewEnv(t)
	h := &harness{env: env, rules: map[string]catalog.OutcomeRule{}}
	h.history = history.NewService(env.Store, func() time.Time { return t0 })
	h.insights = insights.NewService(env.Store, 16, time.Minute)
	h.resolver = outcome.NewResolver(classifier, env.Store)
	h.applier = outcome.NewApplier(h.history, h.insights, env.Store)

	h.goal = env.Goal(catalog.Goal{
		Name: "Introduce yourself", Category: catalog.CategoryIntroduction,
		BasePriority: 10, IsEnabled: true, SuccessInsightType: "introduced",
	})
	add := func(key string, r catalog.OutcomeRule) {
		r.GoalID = h.goal.ID
		h.rules[key] = env.Rule(r)
	}
	add("decline", catalog.OutcomeRule{TriggerType: catalog.TriggerIntent, TriggerValue: "decline", OutcomeType: catalog.OutcomeDismiss, Priority: 10})
	add("defer", catalog.OutcomeRule{TriggerType: catalog.TriggerIntent, TriggerValue: "defer", OutcomeType: catalog.OutcomeDefer, DeferDays: 3, Priority: 9})
	add("size", catalog.OutcomeRule{TriggerType: catalog.TriggerKeyword, TriggerValue: "employees", OutcomeType: catalog.OutcomeRecordInsight, InsightToRecord: "company_size", InsightValue: "reported", Priority: 8})
	add("escalate", catalog.OutcomeRule{TriggerType: catalog.TriggerIntent, TriggerValue: "question", OutcomeType: catalog.OutcomeEscalate, Priority: 7})
	add("accept", catalog.OutcomeRule{TriggerType: catalog.TriggerIntent, TriggerValue: "accept", OutcomeType: catalog.OutcomeAdvance, Priority: 6})
	add("silent", catalog.OutcomeRule{TriggerType: catalog.TriggerNoResponse, OutcomeType: catalog.OutcomeDismiss})
	return h
}

// awaiting returns a claimed and delivered row for member m1.
func (h *harness) awaiting(t *testing.T) history.Row {
	t.Helper()
	ctx := context.Background()
	row, err := h.history.Claim(ctx, history.Claim{MemberID: "m1", GoalID: h.goal.ID, Window: time.Hour})
	require.NoError(t, err)
	row, err = h.history.MarkSent(ctx, row)
	require.NoError(t, err)
	return row
}

func (h *harness) resolve(t *testing.T, row history.Row, text string) (outcome.Applied, *outcome.MatchedOutcome) {
	t.Helper()
	ctx := context.Background()
	_, m, err := h.resolver.MatchOutcome(ctx, h.goal, text)
	require.NoError(t, err)
	require.NotNil(t, m, "expected a rule to match %q", text)
	applied, err := h.applier.Apply(ctx, h.goal, row, *m)
	require.NoError(t, err)
	return applied, m
}

func TestDeclineDismissesRow(t *testing.T) {
	h := newHarness(t, outcome.HeuristicClassifier{})
	row := h.awaiting(t)

	applied, m := h.resolve(t, row, "Not interested, thanks")
	assert.Equal(t, h.rules["decline"].ID, m.Rule.ID)
	assert.Equal(t, outcome.IntentDecline, m.Analysis.Intent)
	assert.Equal(t, history.StatusDismissed, applied.Row.Status)
	require.NotNil(t, applied.Row.OutcomeID)
	assert.Equal(t, h.rules["decline"].ID, *applied.Row.OutcomeID)
}

func TestAcceptCompletesAndRecordsSuccessInsight(t *testing.T) {
	h := newHarness(t, outcome.HeuristicClassifier{})
	ctx := context.Background()
	row := h.awaiting(t)

	// warm the cache so the write has something to invalidate
	before, err := h.insights.List(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, before)

	applied, _ := h.resolve(t, row, "Sure, sounds good")
	assert.Equal(t, history.StatusCompleted, applied.Row.Status)
	assert.Nil(t, applied.Row.NextAttemptAt)

	after, err := h.insights.List(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "introduced", after[0].Type)
	assert.Equal(t, insights.SourceOutcome, after[0].Source)
}

func TestDeferParksRow(t *testing.T) {
	h := newHarness(t, outcome.HeuristicClassifier{})
	row := h.awaiting(t)

	applied, _ := h.resolve(t, row, "Busy right now, maybe next week")
	assert.Equal(t, history.StatusDeferred, applied.Row.Status)
	require.NotNil(t, applied.Row.NextAttemptAt)
	assert.True(t, applied.Row.NextAttemptAt.Equal(t0.Add(72*time.Hour)))
}

func TestRecordInsightWritesThenCompletes(t *testing.T) {
	h := newHarness(t, outcome.HeuristicClassifier{})
	row := h.awaiting(t)

	applied, _ := h.resolve(t, row, "We have about 40 employees")
	assert.Equal(t, history.StatusCompleted, applied.Row.Status)
	types := insights.Types(applied.Insights)
	assert.True(t, types["company_size"])
	assert.True(t, types["introduced"])
}

func TestEscalateKeepsRowAwaiting(t *testing.T) {
	h := newHarness(t, outcome.HeuristicClassifier{})
	ctx := context.Background()
	row := h.awaiting(t)

	applied, _ := h.resolve(t, row, "Who are you exactly?")
	assert.Equal(t, history.StatusAwaitingResponse, applied.Row.Status)
	require.NotNil(t, applied.Escalation)
	assert.Equal(t, actions.KindEscalation, applied.Escalation.Kind)
	require.NotNil(t, applied.Row.OutcomeID)
	assert.Equal(t, h.rules["escalate"].ID, *applied.Row.OutcomeID)

	open, err := h.env.Store.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestClassifierFailureLeavesRowUntouched(t *testing.T) {
	h := newHarness(t, failingClassifier{})
	ctx := context.Background()
	row := h.awaiting(t)

	_, m, err := h.resolver.MatchOutcome(ctx, h.goal, "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, outcome.ErrClassifier)
	assert.Nil(t, m)

	stored, err := h.history.Row(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusAwaitingResponse, stored.Status)
	assert.Nil(t, stored.OutcomeID)
}

func TestBlankResponseIsRejected(t *testing.T) {
	h := newHarness(t, failingClassifier{})
	ctx := context.Background()

	_, m, err := h.resolver.MatchOutcome(ctx, h.goal, "  ")
	assert.ErrorIs(t, err, outcome.ErrEmptyResponse)
	assert.NotErrorIs(t, err, outcome.ErrClassifier)
	assert.Nil(t, m)

	m, err = h.resolver.MatchNoResponse(ctx, h.goal)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, h.rules["silent"].ID, m.Rule.ID)
	assert.Equal(t, catalog.TriggerNoResponse, m.Rule.TriggerType)
}

func TestApplyOnTerminalRowIsRejected(t *testing.T) {
	h := newHarness(t, outcome.HeuristicClassifier{})
	row := h.awaiting(t)
	applied, _ := h.resolve(t, row, "no thanks")
	require.Equal(t, history.StatusDismissed, applied.Row.Status)

	_, err := h.applier.Apply(context.Background(), h.goal, applied.Row, outcome.MatchedOutcome{Rule: h.rules["accept"]})
	assert.ErrorIs(t, err, history.ErrTerminal)
}

func TestForceComplete(t *testing.T) {
	h := newHarness(t, outcome.HeuristicClassifier{})
	row := h.awaiting(t)

	applied, err := h.applier.ForceComplete(context.Background(), h.goal, row)
	require.NoError(t, err)
	assert.Equal(t, history.StatusCompleted, applied.Row.Status)
	assert.Nil(t, applied.Row.OutcomeID)
}

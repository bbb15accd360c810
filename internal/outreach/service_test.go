package outreach_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/outreach/internal/actions"
	"github.com/stellarlinkco/outreach/internal/catalog"
	"github.com/stellarlinkco/outreach/internal/eligibility"
	"github.com/stellarlinkco/outreach/internal/history"
	"github.com/stellarlinkco/outreach/internal/insights"
	"github.com/stellarlinkco/outreach/internal/member"
	"github.com/stellarlinkco/outreach/internal/outcome"
	"github.com/stellarlinkco/outreach/internal/outreach"
	"github.com/stellarlinkco/outreach/internal/planner"
	"github.com/stellarlinkco/outreach/internal/rehearsal"
	"github.com/stellarlinkco/outreach/internal/testutil/teststore"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) Send(_ context.Context, m member.Member, action *planner.PlannedAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m.ID+": "+action.Message)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []actions.Item
}

func (n *recordingNotifier) Notify(_ context.Context, item actions.Item) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, item)
	return nil
}

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, string) (outcome.Analysis, error) {
	return outcome.Analysis{}, errors.New("upstream 503")
}

type fixture struct {
	now      time.Time
	env      *teststore.Env
	svc      *outreach.Service
	deps     outreach.Deps
	history  *history.Service
	sender   *fakeSender
	notifier *recordingNotifier
	intro    catalog.Goal
	survey   catalog.Goal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := teststore.NewEnv(t)
	f := &fixture{now: t0, env: env, sender: &fakeSender{}, notifier: &recordingNotifier{}}
	clock := func() time.Time { return f.now }

	f.intro = env.Goal(catalog.Goal{
		Name:            "intro",
		Category:        catalog.CategoryIntroduction,
		MessageTemplate: "Hi {{user_name}}, link here: {{link_url}}",
		BasePriority:    10,
		IsEnabled:       true,
	})
	f.survey = env.Goal(catalog.Goal{Name: "survey", BasePriority: 1, IsEnabled: true})
	env.Rule(catalog.OutcomeRule{
		GoalID: f.intro.ID, TriggerType: catalog.TriggerIntent, TriggerValue: outcome.IntentDecline,
		OutcomeType: catalog.OutcomeDismiss, ResponseMessage: "Understood {{user_name}}.", Priority: 10,
	})
	env.Rule(catalog.OutcomeRule{
		GoalID: f.intro.ID, TriggerType: catalog.TriggerIntent, TriggerValue: outcome.IntentQuestion,
		OutcomeType: catalog.OutcomeEscalate, Priority: 5,
	})
	env.Member(member.Member{ID: "m1", DisplayName: "Ada"})
	env.Member(member.Member{ID: "m2", DisplayName: "Grace", OptedOut: true})

	cat := catalog.New(env.Store, time.Minute)
	f.history = history.NewService(env.Store, clock)
	ins := insights.NewService(env.Store, 16, time.Minute)
	f.deps = outreach.Deps{
		Members:  env.Store,
		Goals:    cat,
		Insights: ins,
		History:  f.history,
		Planner:  planner.New(cat, planner.WithLinkBase("https://members.example.org/link")),
		Resolver: outcome.NewResolver(outcome.HeuristicClassifier{}, cat),
		Applier:  outcome.NewApplier(f.history, ins, env.Store),
		Checker:  eligibility.NewChecker(env.Store, 72*time.Hour, eligibility.WithClock(clock)),
		Sender:   f.sender,
		Notifier: f.notifier,
		LinkBase: "https://members.example.org/link",
		Window:   48 * time.Hour,
	}
	f.svc = outreach.New(f.deps)
	return f
}

func (f *fixture) send(t *testing.T) *outreach.Delivery {
	t.Helper()
	d, err := f.svc.Send(context.Background(), "m1")
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func TestSend_ClaimsDeliversAndStampsContact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.send(t)
	assert.Equal(t, f.intro.ID, d.Action.Goal.ID)
	assert.Equal(t, history.StatusAwaitingResponse, d.Row.Status)
	assert.Equal(t, 1, d.Row.AttemptCount)
	assert.Equal(t, history.DecisionRuleBased, d.Row.DecisionMethod)
	require.NotNil(t, d.Row.NextAttemptAt)
	assert.True(t, d.Row.NextAttemptAt.Equal(t0.Add(48*time.Hour)))

	require.Equal(t, 1, f.sender.count())
	assert.Contains(t, f.sender.sent[0], "m1: Hi Ada, link here: https://members.example.org/link?")

	m, err := f.env.Store.GetMember(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, m.LastContactedAt)
	assert.True(t, m.LastContactedAt.Equal(t0))

	// cooldown now blocks a second send
	again, err := f.svc.Send(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, 1, f.sender.count())
}

func TestSend_IneligibleMemberGetsNoPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan, err := f.svc.Plan(ctx, "m2")
	require.NoError(t, err)
	assert.Nil(t, plan)

	d, err := f.svc.Send(ctx, "m2")
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = f.svc.SendOverride(ctx, "m2", f.intro.ID, "ops@example.org")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opted out")
	assert.Equal(t, 0, f.sender.count())

	_, err = f.svc.Plan(ctx, "ghost")
	assert.ErrorIs(t, err, member.ErrNotFound)
}

func TestPlan_IsDryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan, err := f.svc.Plan(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, f.intro.ID, plan.Goal.ID)

	rows, err := f.history.ForMember(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 0, f.sender.count())
}

func TestSend_ConcurrentCallersSendOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 6
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Send(ctx, "m1")
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.True(t, history.IsConcurrencyError(err), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, f.sender.count())
}

func TestSend_FailedDeliveryLeavesRowOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender.err = errors.New("smtp down")

	_, err := f.svc.Send(ctx, "m1")
	require.Error(t, err)

	row, err := f.history.Find(ctx, "m1", f.intro.ID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusOpen, row.Status)
	assert.True(t, row.InFlight(t0))

	m, err := f.env.Store.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, m.LastContactedAt)

	f.sender.err = nil
	_, err = f.svc.SendOverride(ctx, "m1", f.intro.ID, "ops@example.org")
	assert.ErrorIs(t, err, history.ErrAlreadyInFlight)
}

func TestSendOverride_UsesChosenGoal(t *testing.T) {
	f := newFixture(t)
	d, err := f.svc.SendOverride(context.Background(), "m1", f.survey.ID, "ops@example.org")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, f.survey.ID, d.Row.GoalID)
	assert.Equal(t, history.DecisionAdminOverride, d.Row.DecisionMethod)
	assert.Contains(t, d.Action.Reason, "ops@example.org")
}

func TestHandleResponse_AppliesRuleAndRendersReply(t *testing.T) {
	f := newFixture(t)
	f.send(t)

	res, err := f.svc.HandleResponse(context.Background(), "m1", f.intro.ID, "No thanks, not interested")
	require.NoError(t, err)
	assert.Equal(t, outcome.IntentDecline, res.Analysis.Intent)
	require.NotNil(t, res.Rule)
	assert.Equal(t, catalog.OutcomeDismiss, res.Rule.OutcomeType)
	assert.Equal(t, history.StatusDismissed, res.Row.Status)
	assert.Equal(t, "Understood Ada.", res.Reply)
	require.NotNil(t, res.Row.OutcomeID)
	assert.Equal(t, res.Rule.ID, *res.Row.OutcomeID)

	_, err = f.svc.HandleResponse(context.Background(), "m1", f.intro.ID, "yes")
	assert.ErrorIs(t, err, history.ErrTerminal)
}

func TestHandleResponse_EscalationNotifiesOperator(t *testing.T) {
	f := newFixture(t)
	f.send(t)

	res, err := f.svc.HandleResponse(context.Background(), "m1", f.intro.ID, "What does linking give me?")
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, history.StatusAwaitingResponse, res.Row.Status)
	assert.Equal(t, outcome.IntentQuestion, res.Row.ResponseIntent)
	require.NotNil(t, res.Applied.Escalation)
	require.Len(t, f.notifier.items, 1)
	assert.Equal(t, actions.KindEscalation, f.notifier.items[0].Kind)
}

func TestHandleResponse_UnmatchedKeepsAwaiting(t *testing.T) {
	f := newFixture(t)
	f.send(t)

	res, err := f.svc.HandleResponse(context.Background(), "m1", f.intro.ID, "sure, sounds good")
	require.NoError(t, err)
	assert.Nil(t, res.Rule)
	assert.Equal(t, history.StatusAwaitingResponse, res.Row.Status)
	assert.Equal(t, outcome.IntentAccept, res.Row.ResponseIntent)
}

func TestHandleResponse_ClassifierFailureLeavesRow(t *testing.T) {
	f := newFixture(t)
	before := f.send(t).Row

	deps := f.deps
	deps.Resolver = outcome.NewResolver(failingClassifier{}, catalog.New(f.env.Store, time.Minute))
	svc := outreach.New(deps)

	_, err := svc.HandleResponse(context.Background(), "m1", f.intro.ID, "hmm")
	assert.ErrorIs(t, err, outcome.ErrClassifier)

	after, err := f.history.Row(context.Background(), before.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestHandleResponse_RequiresAwaitingAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.HandleResponse(ctx, "m1", f.intro.ID, "hello")
	assert.ErrorIs(t, err, history.ErrNotFound)

	_, err = f.history.Claim(ctx, history.Claim{MemberID: "m1", GoalID: f.survey.ID, Window: time.Hour})
	require.NoError(t, err)
	_, err = f.svc.HandleResponse(ctx, "m1", f.survey.ID, "hello")
	assert.ErrorIs(t, err, outreach.ErrNotAwaiting)
}

func TestHandleResponse_BlankTextIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.env.Rule(catalog.OutcomeRule{GoalID: f.intro.ID, TriggerType: catalog.TriggerNoResponse, OutcomeType: catalog.OutcomeDismiss})
	sent := f.send(t).Row

	_, err := f.svc.HandleResponse(ctx, "m1", f.intro.ID, "   ")
	assert.ErrorIs(t, err, outcome.ErrEmptyResponse)

	row, err := f.history.Row(ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, sent, row)
	assert.Equal(t, history.StatusAwaitingResponse, row.Status)
}

func TestSend_FollowsChainLikeRehearsal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	next := f.env.Goal(catalog.Goal{Name: "next step", MessageTemplate: "Next, {{user_name}}", IsEnabled: true})
	f.env.Rule(catalog.OutcomeRule{
		GoalID: f.intro.ID, TriggerType: catalog.TriggerKeyword, TriggerValue: "count me in",
		OutcomeType: catalog.OutcomeAdvance, NextGoalID: &next.ID, Priority: 20,
	})
	const reply = "Count me in!"

	cat := catalog.New(f.env.Store, time.Minute)
	sim := rehearsal.NewSimulator(f.env.Store, f.deps.Planner, f.deps.Resolver, cat,
		rehearsal.WithClock(func() time.Time { return f.now }))
	sess, planned, err := sim.StartSession(ctx, "op-1", rehearsal.Persona{Name: "Ada"})
	require.NoError(t, err)
	require.NotNil(t, planned)
	assert.Equal(t, f.intro.ID, planned.Goal.ID)
	sim1, err := sim.SimulateResponse(ctx, "op-1", sess.ID, reply)
	require.NoError(t, err)
	require.NotNil(t, sim1.Session.PlannedAction)
	predicted := sim1.Session.PlannedAction

	d := f.send(t)
	assert.Equal(t, f.intro.ID, d.Action.Goal.ID)
	res, err := f.svc.HandleResponse(ctx, "m1", f.intro.ID, reply)
	require.NoError(t, err)
	require.NotNil(t, res.Applied)
	assert.Equal(t, history.StatusCompleted, res.Row.Status)
	require.NotNil(t, res.Applied.NextGoalID)

	// past the contact cooldown; survey outranks next step on score alone
	f.now = t0.Add(73 * time.Hour)
	d = f.send(t)
	assert.Equal(t, next.ID, d.Action.Goal.ID)
	assert.Equal(t, predicted.GoalID, d.Action.Goal.ID)
	assert.Equal(t, predicted.DecisionMethod, d.Row.DecisionMethod)
	assert.Contains(t, d.Action.Reason, "chained")
}

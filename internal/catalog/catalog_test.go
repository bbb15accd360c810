package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu        sync.Mutex
	goals     map[int64]Goal
	rules     map[int64]OutcomeRule
	nextID    int64
	listCalls int
	withHist  map[int64]bool
	afterList func()
}

func newMemRepo() *memRepo {
	return &memRepo{goals: map[int64]Goal{}, rules: map[int64]OutcomeRule{}, withHist: map[int64]bool{}}
}

func (m *memRepo) CreateGoal(_ context.Context, g Goal) (Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	g.ID = m.nextID
	m.goals[g.ID] = g
	return g, nil
}

func (m *memRepo) UpdateGoal(_ context.Context, g Goal) (Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.goals[g.ID]; !ok {
		return Goal{}, ErrGoalNotFound
	}
	m.goals[g.ID] = g
	return g, nil
}

func (m *memRepo) GetGoal(_ context.Context, id int64) (Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[id]
	if !ok {
		return Goal{}, ErrGoalNotFound
	}
	return g, nil
}

func (m *memRepo) ListGoals(_ context.Context, enabledOnly bool, category Category) ([]Goal, error) {
	out := m.listGoals(enabledOnly, category)
	m.mu.Lock()
	hook := m.afterList
	m.afterList = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (m *memRepo) listGoals(enabledOnly bool, category Category) []Goal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	var out []Goal
	for _, g := range m.goals {
		if enabledOnly && !g.IsEnabled {
			continue
		}
		if category != "" && g.Category != category {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memRepo) DeleteGoal(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[id]
	if !ok {
		return false, ErrGoalNotFound
	}
	if m.withHist[id] {
		g.IsEnabled = false
		m.goals[id] = g
		return true, nil
	}
	delete(m.goals, id)
	return false, nil
}

func (m *memRepo) CreateRule(_ context.Context, r OutcomeRule) (OutcomeRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	m.rules[r.ID] = r
	return r, nil
}

func (m *memRepo) UpdateRule(_ context.Context, r OutcomeRule) (OutcomeRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r
	return r, nil
}

func (m *memRepo) GetRule(_ context.Context, id int64) (OutcomeRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return OutcomeRule{}, ErrRuleNotFound
	}
	return r, nil
}

func (m *memRepo) DeleteRule(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, id)
	return nil
}

func (m *memRepo) ListRules(_ context.Context, goalID int64) ([]OutcomeRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OutcomeRule
	for _, r := range m.rules {
		if r.GoalID == goalID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func introGoal() Goal {
	return Goal{
		Name:            "Introduce yourself",
		Category:        CategoryIntroduction,
		MessageTemplate: "Hi {{user_name}}",
		BasePriority:    10,
		IsEnabled:       true,
	}
}

func TestPredicates_MappedEquality(t *testing.T) {
	g := introGoal()
	g.RequiresMapped = true
	assert.False(t, g.Matches(Target{IsMapped: false}))
	assert.True(t, g.Matches(Target{IsMapped: true}))

	g.RequiresMapped = false
	assert.True(t, g.Matches(Target{IsMapped: false}))
}

func TestPredicates_CompanyAndEngagement(t *testing.T) {
	g := introGoal()
	g.RequiresCompanyType = "agency, brand"
	g.RequiresMinEngagement = 30

	assert.True(t, g.Matches(Target{CompanyType: "Brand", EngagementScore: 30}))
	assert.False(t, g.Matches(Target{CompanyType: "brand", EngagementScore: 29}))
	assert.False(t, g.Matches(Target{CompanyType: "vendor", EngagementScore: 90}))
}

func TestPredicates_InsightSets(t *testing.T) {
	g := introGoal()
	g.RequiresInsights = []string{"role"}
	g.ExcludesInsights = []string{"budget"}

	assert.False(t, g.Matches(Target{InsightTypes: map[string]bool{}}))
	assert.True(t, g.Matches(Target{InsightTypes: map[string]bool{"role": true}}))
	assert.False(t, g.Matches(Target{InsightTypes: map[string]bool{"role": true, "budget": true}}))
}

func TestPredicate_UnknownKindNeverMatches(t *testing.T) {
	assert.False(t, Predicate{Kind: "bogus"}.Eval(Target{}))
}

func TestCatalog_ListEnabledCachesAndInvalidates(t *testing.T) {
	repo := newMemRepo()
	c := New(repo, time.Minute)
	ctx := context.Background()

	_, err := c.CreateGoal(ctx, introGoal())
	require.NoError(t, err)

	goals, err := c.ListEnabled(ctx, "")
	require.NoError(t, err)
	require.Len(t, goals, 1)
	_, err = c.ListEnabled(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.listCalls, "second read should hit the cache")

	second := introGoal()
	second.Name = "Link your account"
	second.Category = CategoryAccountLinking
	_, err = c.CreateGoal(ctx, second)
	require.NoError(t, err)

	goals, err = c.ListEnabled(ctx, "")
	require.NoError(t, err)
	assert.Len(t, goals, 2, "goal write must purge cached lists")

	linking, err := c.ListEnabled(ctx, CategoryAccountLinking)
	require.NoError(t, err)
	require.Len(t, linking, 1)
	assert.Equal(t, "Link your account", linking[0].Name)
}

func TestCatalog_WriteDuringLoadIsNotCached(t *testing.T) {
	repo := newMemRepo()
	c := New(repo, time.Minute)
	ctx := context.Background()
	_, err := c.CreateGoal(ctx, introGoal())
	require.NoError(t, err)

	second := introGoal()
	second.Name = "Link your account"
	repo.afterList = func() {
		_, err := c.CreateGoal(ctx, second)
		require.NoError(t, err)
	}

	goals, err := c.ListEnabled(ctx, "")
	require.NoError(t, err)
	assert.Len(t, goals, 1, "the load returns what it read")

	goals, err = c.ListEnabled(ctx, "")
	require.NoError(t, err)
	assert.Len(t, goals, 2)
	assert.Equal(t, 2, repo.listCalls)
}

func TestCatalog_DeleteGoalSoftDisablesWithHistory(t *testing.T) {
	repo := newMemRepo()
	c := New(repo, time.Minute)
	ctx := context.Background()

	g, err := c.CreateGoal(ctx, introGoal())
	require.NoError(t, err)
	repo.withHist[g.ID] = true

	disabled, err := c.DeleteGoal(ctx, g.ID)
	require.NoError(t, err)
	assert.True(t, disabled)

	stored, err := c.Goal(ctx, g.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsEnabled)

	goals, err := c.ListEnabled(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, goals)
}

func TestCatalog_Validation(t *testing.T) {
	c := New(newMemRepo(), time.Minute)
	ctx := context.Background()

	bad := introGoal()
	bad.Category = "spam"
	_, err := c.CreateGoal(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidGoal)

	_, err = c.CreateRule(ctx, OutcomeRule{GoalID: 99, TriggerType: TriggerIntent, TriggerValue: "decline", OutcomeType: OutcomeDismiss})
	assert.ErrorIs(t, err, ErrGoalNotFound)

	_, err = c.CreateRule(ctx, OutcomeRule{GoalID: 1, TriggerType: "regex", TriggerValue: "x", OutcomeType: OutcomeDismiss})
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = c.CreateRule(ctx, OutcomeRule{GoalID: 1, TriggerType: TriggerIntent, TriggerValue: "share", OutcomeType: OutcomeRecordInsight})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

const catalogYAML = `
goals:
  - name: Introduction
    category: introduction
    message_template: "Hi {{user_name}}, welcome!"
    base_priority: 10
    is_enabled: true
    rules:
      - trigger_type: intent
        trigger_value: decline
        outcome_type: dismiss
        priority: 5
      - trigger_type: intent
        trigger_value: accept
        outcome_type: advance
        next_goal: Link account
        priority: 1
  - name: Link account
    category: account_linking
    message_template: "Link here: {{link_url}}"
    requires_mapped: false
    base_priority: 8
    is_enabled: true
    completes_on_capability: account_linked
`

func TestCatalog_Import(t *testing.T) {
	repo := newMemRepo()
	c := New(repo, time.Minute)
	ctx := context.Background()

	res, err := c.Import(ctx, strings.NewReader(catalogYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, res.GoalsCreated)
	assert.Equal(t, 2, res.RulesCreated)

	goals, err := c.ListEnabled(ctx, "")
	require.NoError(t, err)
	require.Len(t, goals, 2)
	intro, link := goals[0], goals[1]
	assert.Equal(t, "account_linked", link.CompletesOnCapability)

	rules, err := c.ListRules(ctx, intro.ID)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "decline", rules[0].TriggerValue, "higher priority first")
	require.NotNil(t, rules[1].NextGoalID)
	assert.Equal(t, link.ID, *rules[1].NextGoalID)

	// Re-import updates in place and replaces rules.
	res, err = c.Import(ctx, strings.NewReader(catalogYAML))
	require.NoError(t, err)
	assert.Equal(t, 0, res.GoalsCreated)
	assert.Equal(t, 2, res.GoalsUpdated)
	rules, err = c.ListRules(ctx, intro.ID)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestCatalog_ImportUnknownChain(t *testing.T) {
	c := New(newMemRepo(), time.Minute)
	doc := `
goals:
  - name: A
    category: feedback
    message_template: "x"
    is_enabled: true
    rules:
      - trigger_type: intent
        trigger_value: accept
        outcome_type: advance
        next_goal: Missing
`
	_, err := c.Import(context.Background(), strings.NewReader(doc))
	assert.ErrorIs(t, err, ErrInvalidRule)
}

package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	ErrGoalNotFound = errors.New("goal not found")
	ErrRuleNotFound = errors.New("outcome rule not found")
	ErrInvalidGoal  = errors.New("invalid goal")
	ErrInvalidRule  = errors.New("invalid outcome rule")
)

// Repository is the data layer behind the catalog.
type Repository interface {
	CreateGoal(ctx context.Context, g Goal) (Goal, error)
	UpdateGoal(ctx context.Context, g Goal) (Goal, error)
	GetGoal(ctx context.Context, id int64) (Goal, error)
	ListGoals(ctx context.Context, enabledOnly bool, category Category) ([]Goal, error)
	// DeleteGoal removes the goal, or disables it when history references it.
	DeleteGoal(ctx context.Context, id int64) (disabled bool, err error)

	CreateRule(ctx context.Context, r OutcomeRule) (OutcomeRule, error)
	UpdateRule(ctx context.Context, r OutcomeRule) (OutcomeRule, error)
	GetRule(ctx context.Context, id int64) (OutcomeRule, error)
	DeleteRule(ctx context.Context, id int64) error
	ListRules(ctx context.Context, goalID int64) ([]OutcomeRule, error)
}

const goalsCacheSize = 64

// Catalog serves goal and rule reads with a goals-wide cache and routes
// every definition change through invalidation.
type Catalog struct {
	repo  Repository
	goals *expirable.LRU[string, []Goal]

	mu  sync.Mutex
	gen uint64 // bumped by every invalidation
}

func New(repo Repository, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{
		repo:  repo,
		goals: expirable.NewLRU[string, []Goal](goalsCacheSize, nil, ttl),
	}
}

// ListEnabled returns enabled goals ordered by id, optionally filtered by category.
func (c *Catalog) ListEnabled(ctx context.Context, category Category) ([]Goal, error) {
	key := "enabled:" + string(category)
	if cached, ok := c.goals.Get(key); ok {
		return cloneGoals(cached), nil
	}
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	goals, err := c.repo.ListGoals(ctx, true, category)
	if err != nil {
		return nil, fmt.Errorf("list enabled goals: %w", err)
	}
	c.mu.Lock()
	if c.gen == gen {
		c.goals.Add(key, goals)
	}
	c.mu.Unlock()
	return cloneGoals(goals), nil
}

// ListAll returns every goal, enabled or not. Uncached; operator views only.
func (c *Catalog) ListAll(ctx context.Context) ([]Goal, error) {
	return c.repo.ListGoals(ctx, false, "")
}

func (c *Catalog) Goal(ctx context.Context, id int64) (Goal, error) {
	return c.repo.GetGoal(ctx, id)
}

func (c *Catalog) CreateGoal(ctx context.Context, g Goal) (Goal, error) {
	if err := ValidateGoal(g); err != nil {
		return Goal{}, err
	}
	created, err := c.repo.CreateGoal(ctx, g)
	if err != nil {
		return Goal{}, fmt.Errorf("create goal: %w", err)
	}
	c.Invalidate()
	return created, nil
}

func (c *Catalog) UpdateGoal(ctx context.Context, g Goal) (Goal, error) {
	if err := ValidateGoal(g); err != nil {
		return Goal{}, err
	}
	updated, err := c.repo.UpdateGoal(ctx, g)
	if err != nil {
		return Goal{}, fmt.Errorf("update goal %d: %w", g.ID, err)
	}
	c.Invalidate()
	return updated, nil
}

// DeleteGoal hard-deletes a goal without history and soft-disables one with history.
func (c *Catalog) DeleteGoal(ctx context.Context, id int64) (bool, error) {
	disabled, err := c.repo.DeleteGoal(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete goal %d: %w", id, err)
	}
	c.Invalidate()
	if disabled {
		log.Printf("[catalog] goal %d has history; disabled instead of deleted", id)
	}
	return disabled, nil
}

func (c *Catalog) ListRules(ctx context.Context, goalID int64) ([]OutcomeRule, error) {
	return c.repo.ListRules(ctx, goalID)
}

func (c *Catalog) CreateRule(ctx context.Context, r OutcomeRule) (OutcomeRule, error) {
	if err := ValidateRule(r); err != nil {
		return OutcomeRule{}, err
	}
	if _, err := c.repo.GetGoal(ctx, r.GoalID); err != nil {
		return OutcomeRule{}, fmt.Errorf("rule owner: %w", err)
	}
	created, err := c.repo.CreateRule(ctx, r)
	if err != nil {
		return OutcomeRule{}, fmt.Errorf("create rule: %w", err)
	}
	c.Invalidate()
	return created, nil
}

func (c *Catalog) UpdateRule(ctx context.Context, r OutcomeRule) (OutcomeRule, error) {
	if err := ValidateRule(r); err != nil {
		return OutcomeRule{}, err
	}
	updated, err := c.repo.UpdateRule(ctx, r)
	if err != nil {
		return OutcomeRule{}, fmt.Errorf("update rule %d: %w", r.ID, err)
	}
	c.Invalidate()
	return updated, nil
}

func (c *Catalog) DeleteRule(ctx context.Context, id int64) error {
	if err := c.repo.DeleteRule(ctx, id); err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	c.Invalidate()
	return nil
}

// Invalidate drops every cached goal list.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.gen++
	c.goals.Purge()
	c.mu.Unlock()
}

func ValidateGoal(g Goal) error {
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidGoal)
	}
	if !g.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidGoal, g.Category)
	}
	if strings.TrimSpace(g.MessageTemplate) == "" {
		return fmt.Errorf("%w: message template is required", ErrInvalidGoal)
	}
	if g.RequiresMinEngagement < 0 {
		return fmt.Errorf("%w: negative engagement threshold", ErrInvalidGoal)
	}
	return nil
}

func ValidateRule(r OutcomeRule) error {
	if r.GoalID <= 0 {
		return fmt.Errorf("%w: goal id is required", ErrInvalidRule)
	}
	if !r.TriggerType.Valid() {
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidRule, r.TriggerType)
	}
	if r.TriggerType != TriggerNoResponse && strings.TrimSpace(r.TriggerValue) == "" {
		return fmt.Errorf("%w: trigger value is required for %s", ErrInvalidRule, r.TriggerType)
	}
	if !r.OutcomeType.Valid() {
		return fmt.Errorf("%w: unknown outcome type %q", ErrInvalidRule, r.OutcomeType)
	}
	if r.DeferDays < 0 {
		return fmt.Errorf("%w: negative defer days", ErrInvalidRule)
	}
	if r.OutcomeType == OutcomeRecordInsight && strings.TrimSpace(r.InsightToRecord) == "" {
		return fmt.Errorf("%w: record_insight needs insight_to_record", ErrInvalidRule)
	}
	return nil
}

func cloneGoals(in []Goal) []Goal {
	out := make([]Goal, len(in))
	copy(out, in)
	return out
}

// Package jobs holds the periodic sweeps over goal history: the momentum
// check and the follow-up/reconciliation pass. Both are safe to re-run.
package jobs

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/outreach/internal/actions"
	"github.com/stellarlinkco/outreach/internal/catalog"
	"github.com/stellarlinkco/outreach/internal/eligibility"
	"github.com/stellarlinkco/outreach/internal/history"
	"github.com/stellarlinkco/outreach/internal/insights"
	"github.com/stellarlinkco/outreach/internal/member"
	"github.com/stellarlinkco/outreach/internal/notify"
	"github.com/stellarlinkco/outreach/internal/outcome"
	"github.com/stellarlinkco/outreach/internal/telemetry"
)

const (
	JobMomentum = "momentum"
	JobFollowUp = "follow_up"
)

// Names lists the jobs a Runner can execute.
func Names() []string {
	return []string{JobMomentum, JobFollowUp}
}

type MemberSource interface {
	ListMembers(ctx context.Context) ([]member.Member, error)
}

type GoalSource interface {
	Goal(ctx context.Context, id int64) (catalog.Goal, error)
}

type InsightSource interface {
	List(ctx context.Context, memberID string) ([]insights.Insight, error)
}

// Deps are the collaborators shared by both jobs.
type Deps struct {
	Members  MemberSource
	Goals    GoalSource
	Insights InsightSource
	History  *history.Service
	Resolver *outcome.Resolver
	Applier  *outcome.Applier
	Actions  actions.Repository
	Checker  *eligibility.Checker
	Notifier notify.Notifier
	Metrics  *telemetry.Metrics
}

type Options struct {
	StaleAfter   time.Duration
	StalledAfter time.Duration
	Now          func() time.Time
}

// Failure is one member-level error collected during a sweep.
type Failure struct {
	MemberID string `json:"member_id"`
	GoalID   int64  `json:"goal_id,omitempty"`
	Error    string `json:"error"`
}

// Summary is what a job run reports instead of failing.
type Summary struct {
	Job        string            `json:"job"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Scanned    int               `json:"scanned"`
	Changed    int               `json:"changed"`
	Items      []actions.Item    `json:"items,omitempty"`
	Skipped    map[string]string `json:"skipped,omitempty"`
	Failures   []Failure         `json:"failures,omitempty"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%s: scanned=%d changed=%d items=%d skipped=%d failures=%d",
		s.Job, s.Scanned, s.Changed, len(s.Items), len(s.Skipped), len(s.Failures))
}

func (s *Summary) fail(memberID string, goalID int64, err error) {
	s.Failures = append(s.Failures, Failure{MemberID: memberID, GoalID: goalID, Error: err.Error()})
}

func (s *Summary) skip(memberID, reason string) {
	if s.Skipped == nil {
		s.Skipped = make(map[string]string)
	}
	s.Skipped[memberID] = reason
}

type Runner struct {
	deps         Deps
	staleAfter   time.Duration
	stalledAfter time.Duration
	now          func() time.Time

	notifyWG sync.WaitGroup
}

func NewRunner(deps Deps, opts Options) *Runner {
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 96 * time.Hour
	}
	if opts.StalledAfter <= 0 {
		opts.StalledAfter = 24 * time.Hour
	}
	return &Runner{
		deps:         deps,
		staleAfter:   opts.StaleAfter,
		stalledAfter: opts.StalledAfter,
		now:          opts.Now,
	}
}

// Run executes the named job.
func (r *Runner) Run(ctx context.Context, name string) (Summary, error) {
	switch name {
	case JobMomentum:
		return r.Momentum(ctx)
	case JobFollowUp:
		return r.FollowUp(ctx)
	}
	return Summary{}, fmt.Errorf("unknown job %q", name)
}

// Wait blocks until every notification started by past runs has finished.
func (r *Runner) Wait() {
	r.notifyWG.Wait()
}

// sweep loads the members, applies the eligibility gate and calls fn per
// member. Only a failure to list members aborts the run.
func (r *Runner) sweep(ctx context.Context, job string, fn func(ctx context.Context, m member.Member, sum *Summary)) (Summary, error) {
	sum := Summary{Job: job, StartedAt: r.now()}
	members, err := r.deps.Members.ListMembers(ctx)
	if err != nil {
		return sum, fmt.Errorf("%s: list members: %w", job, err)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Scanned++
		if res := r.deps.Checker.Evaluate(m); !res.CanContact {
			sum.skip(m.ID, res.Reason)
			continue
		}
		fn(ctx, m, &sum)
	}

	sum.FinishedAt = r.now()
	r.deps.Metrics.Job(ctx, job, sum.Changed, len(sum.Failures), sum.FinishedAt.Sub(sum.StartedAt))
	log.Printf("[jobs] %s", sum)
	return sum, nil
}

// goalCache memoizes catalog lookups for one run.
type goalCache struct {
	src   GoalSource
	goals map[int64]catalog.Goal
}

func newGoalCache(src GoalSource) *goalCache {
	return &goalCache{src: src, goals: make(map[int64]catalog.Goal)}
}

func (c *goalCache) get(ctx context.Context, id int64) (catalog.Goal, error) {
	if g, ok := c.goals[id]; ok {
		return g, nil
	}
	g, err := c.src.Goal(ctx, id)
	if err != nil {
		return catalog.Goal{}, fmt.Errorf("goal %d: %w", id, err)
	}
	c.goals[id] = g
	return g, nil
}

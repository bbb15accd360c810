// Package outreach wires planning, delivery and response handling for real
// members.
package outreach

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
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
	"github.com/stellarlinkco/outreach/internal/planner"
	"github.com/stellarlinkco/outreach/internal/telemetry"
)

// ErrNotAwaiting is returned when a response arrives for an attempt that is
// not waiting for one.
var ErrNotAwaiting = errors.New("attempt is not awaiting a response")

type MemberStore interface {
	GetMember(ctx context.Context, id string) (member.Member, error)
	RecordContact(ctx context.Context, memberID string, at time.Time) error
}

type GoalSource interface {
	Goal(ctx context.Context, id int64) (catalog.Goal, error)
	ListRules(ctx context.Context, goalID int64) ([]catalog.OutcomeRule, error)
}

type InsightSource interface {
	List(ctx context.Context, memberID string) ([]insights.Insight, error)
}

type Deps struct {
	Members  MemberStore
	Goals    GoalSource
	Insights InsightSource
	History  *history.Service
	Planner  *planner.Planner
	Resolver *outcome.Resolver
	Applier  *outcome.Applier
	Checker  *eligibility.Checker
	Sender   Sender
	Notifier notify.Notifier
	Metrics  *telemetry.Metrics
	LinkBase string
	// Window is how long a sent attempt waits for a response.
	Window time.Duration
}

// Delivery is the result of a successful send.
type Delivery struct {
	Action *planner.PlannedAction `json:"action"`
	Row    history.Row            `json:"row"`
}

// Response is the result of handling one member reply.
type Response struct {
	Analysis outcome.Analysis     `json:"analysis"`
	Rule     *catalog.OutcomeRule `json:"rule,omitempty"`
	Applied  *outcome.Applied     `json:"applied,omitempty"`
	Row      history.Row          `json:"row"`
	Reply    string               `json:"reply,omitempty"`
}

type Service struct {
	deps Deps
	wg   sync.WaitGroup
}

func New(deps Deps) *Service {
	if deps.Sender == nil {
		deps.Sender = LogSender{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}
	if deps.Window <= 0 {
		deps.Window = 7 * 24 * time.Hour
	}
	return &Service{deps: deps}
}

// BuildContext assembles the planner context for a real member.
func (s *Service) BuildContext(ctx context.Context, memberID string) (planner.Context, member.Member, error) {
	m, err := s.deps.Members.GetMember(ctx, memberID)
	if err != nil {
		return planner.Context{}, m, fmt.Errorf("load member %s: %w", memberID, err)
	}
	ins, err := s.deps.Insights.List(ctx, memberID)
	if err != nil {
		return planner.Context{}, m, fmt.Errorf("load insights for %s: %w", memberID, err)
	}
	rows, err := s.deps.History.ForMember(ctx, memberID)
	if err != nil {
		return planner.Context{}, m, fmt.Errorf("load history for %s: %w", memberID, err)
	}
	chained, err := s.chainedGoal(ctx, rows)
	if err != nil {
		return planner.Context{}, m, fmt.Errorf("chain for %s: %w", memberID, err)
	}
	return planner.Context{
		User: planner.User{
			ID:              m.ID,
			Name:            m.DisplayName,
			IsMapped:        m.IsMapped,
			EngagementScore: m.EngagementScore,
			Insights:        ins,
		},
		Company:       m.Company,
		Capabilities:  m.Capabilities,
		History:       rows,
		Eligibility:   s.deps.Checker.Evaluate(m),
		Now:           s.deps.History.Now(),
		ChainedGoalID: chained,
	}, m, nil
}

// chainedGoal returns the next_goal_id of the rule that resolved the
// member's most recent attempt, if any.
func (s *Service) chainedGoal(ctx context.Context, rows []history.Row) (*int64, error) {
	last, ok := history.LatestResolved(rows)
	if !ok || last.OutcomeID == nil {
		return nil, nil
	}
	rules, err := s.deps.Goals.ListRules(ctx, last.GoalID)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.ID == *last.OutcomeID {
			return r.NextGoalID, nil
		}
	}
	return nil, nil
}

// Plan is a dry run: it returns what Send would deliver without claiming.
func (s *Service) Plan(ctx context.Context, memberID string) (*planner.PlannedAction, error) {
	pc, _, err := s.BuildContext(ctx, memberID)
	if err != nil {
		return nil, err
	}
	action, err := s.deps.Planner.PlanNextAction(ctx, pc)
	if err != nil || action == nil {
		return nil, err
	}
	s.deps.Metrics.Plan(ctx, string(action.DecisionMethod))
	return action, nil
}

// Send plans and delivers the next action for memberID. A nil Delivery with
// a nil error means there was nothing to send.
func (s *Service) Send(ctx context.Context, memberID string) (*Delivery, error) {
	pc, m, err := s.BuildContext(ctx, memberID)
	if err != nil {
		return nil, err
	}
	action, err := s.deps.Planner.PlanNextAction(ctx, pc)
	if err != nil || action == nil {
		return nil, err
	}
	s.deps.Metrics.Plan(ctx, string(action.DecisionMethod))
	return s.deliver(ctx, m, pc, action)
}

// SendOverride delivers an operator-chosen goal, still subject to the
// contact gate and the in-flight guard.
func (s *Service) SendOverride(ctx context.Context, memberID string, goalID int64, operator string) (*Delivery, error) {
	pc, m, err := s.BuildContext(ctx, memberID)
	if err != nil {
		return nil, err
	}
	action, err := s.deps.Planner.Override(ctx, pc, goalID, operator)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, fmt.Errorf("send to %s: %s", memberID, pc.Eligibility.Reason)
	}
	s.deps.Metrics.Plan(ctx, string(action.DecisionMethod))
	return s.deliver(ctx, m, pc, action)
}

// deliver claims the attempt, hands the message to the sender and marks it
// sent. A failed send leaves the row open until its window elapses.
func (s *Service) deliver(ctx context.Context, m member.Member, pc planner.Context, action *planner.PlannedAction) (*Delivery, error) {
	row, err := s.deps.History.Claim(ctx, history.Claim{
		MemberID:       m.ID,
		GoalID:         action.Goal.ID,
		Reason:         action.Reason,
		DecisionMethod: action.DecisionMethod,
		Now:            pc.Now,
		Window:         s.deps.Window,
	})
	if err != nil {
		return nil, fmt.Errorf("claim %s/%d: %w", m.ID, action.Goal.ID, err)
	}

	if err := s.deps.Sender.Send(ctx, m, action); err != nil {
		s.deps.Metrics.Send(ctx, false)
		return nil, fmt.Errorf("send %q to %s: %w", action.Goal.Name, m.ID, err)
	}
	s.deps.Metrics.Send(ctx, true)

	row, err = s.deps.History.MarkSent(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("mark sent %s: %w", row.ID, err)
	}
	if err := s.deps.Members.RecordContact(ctx, m.ID, s.deps.History.Now()); err != nil {
		log.Printf("[outreach] warning: failed to stamp contact for %s: %v", m.ID, err)
	}
	log.Printf("[outreach] sent %q to %s (%s)", action.Goal.Name, m.ID, action.DecisionMethod)
	return &Delivery{Action: action, Row: row}, nil
}

// HandleResponse classifies a reply to goalID and applies the matching rule.
// A classifier failure leaves the attempt awaiting_response untouched.
func (s *Service) HandleResponse(ctx context.Context, memberID string, goalID int64, text string) (*Response, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("response for %s/%d: %w", memberID, goalID, outcome.ErrEmptyResponse)
	}
	m, err := s.deps.Members.GetMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("load member %s: %w", memberID, err)
	}
	goal, err := s.deps.Goals.Goal(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("load goal %d: %w", goalID, err)
	}
	row, err := s.deps.History.Find(ctx, memberID, goalID)
	if err != nil {
		return nil, fmt.Errorf("history for %s/%d: %w", memberID, goalID, err)
	}
	if row.Status.Terminal() {
		return nil, fmt.Errorf("response for %s/%d: %w", memberID, goalID, history.ErrTerminal)
	}
	if row.Status != history.StatusAwaitingResponse {
		return nil, fmt.Errorf("response for %s/%d: %w (%s)", memberID, goalID, ErrNotAwaiting, row.Status)
	}

	analysis, match, err := s.deps.Resolver.MatchOutcome(ctx, goal, text)
	if err != nil {
		log.Printf("[outreach] response for %s/%d left unresolved: %v", memberID, goalID, err)
		return nil, err
	}
	if analysis.Intent != "" {
		row, err = s.deps.History.RecordResponse(ctx, row, analysis.Sentiment, analysis.Intent)
		if err != nil {
			return nil, fmt.Errorf("record response: %w", err)
		}
	}

	res := &Response{Analysis: analysis, Row: row}
	if match == nil {
		return res, nil
	}
	applied, err := s.deps.Applier.Apply(ctx, goal, row, *match)
	if err != nil {
		return nil, err
	}
	s.deps.Metrics.Outcome(ctx, string(applied.Outcome))

	rule := match.Rule
	res.Rule = &rule
	res.Applied = &applied
	res.Row = applied.Row
	if rule.ResponseMessage != "" {
		pc := planner.Context{User: planner.User{ID: m.ID, Name: m.DisplayName}}
		res.Reply = planner.Render(rule.ResponseMessage, goal, pc, planner.LinkURL(s.deps.LinkBase, m.ID, goal.ID))
	}
	if applied.Escalation != nil {
		s.notifyAsync(*applied.Escalation)
	}
	return res, nil
}

// Wait blocks until background notifications have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) notifyAsync(item actions.Item) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.deps.Notifier.Notify(ctx, item); err != nil {
			log.Printf("[outreach] notify %s failed: %v", item.ID, err)
		}
	}()
}

// Package rehearsal runs the live planning and outcome-matching path
// against synthetic personas. Sessions are the only state it writes.
package rehearsal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/outreach/internal/catalog"
	"github.com/stellarlinkco/outreach/internal/eligibility"
	"github.com/stellarlinkco/outreach/internal/history"
	"github.com/stellarlinkco/outreach/internal/insights"
	"github.com/stellarlinkco/outreach/internal/member"
	"github.com/stellarlinkco/outreach/internal/outcome"
	"github.com/stellarlinkco/outreach/internal/planner"
)

// GoalSource is the catalog read the simulator needs to resolve planned goals.
type GoalSource interface {
	Goal(ctx context.Context, id int64) (catalog.Goal, error)
}

// Simulator has no history, insight or delivery dependency.
type Simulator struct {
	repo     Repository
	planner  *planner.Planner
	resolver *outcome.Resolver
	goals    GoalSource
	linkBase string
	now      func() time.Time
}

type Option func(*Simulator)

func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

func WithLinkBase(base string) Option {
	return func(s *Simulator) { s.linkBase = base }
}

func NewSimulator(repo Repository, p *planner.Planner, r *outcome.Resolver, goals GoalSource, opts ...Option) *Simulator {
	s := &Simulator{repo: repo, planner: p, resolver: r, goals: goals, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SimulatedResponse is the result of one rehearsed reply.
type SimulatedResponse struct {
	Analysis outcome.Analysis        `json:"analysis"`
	Match    *outcome.MatchedOutcome `json:"matched_outcome,omitempty"`
	Exchange Exchange                `json:"exchange"`
	Session  Session                 `json:"session"`
}

// StartSession plans for persona and stores the new session. The returned
// action is nil when no goal targets the persona.
func (s *Simulator) StartSession(ctx context.Context, operatorID string, persona Persona) (Session, *planner.PlannedAction, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return Session{}, nil, errors.New("rehearsal: operator id is required")
	}
	if strings.TrimSpace(persona.Name) == "" {
		persona.Name = "Rehearsal Persona"
	}
	now := s.now()
	sess := Session{
		ID:         uuid.NewString(),
		OperatorID: operatorID,
		Persona:    persona,
		Exchanges:  []Exchange{},
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	action, err := s.planner.PlanNextAction(ctx, s.planningContext(sess, now))
	if err != nil {
		return Session{}, nil, fmt.Errorf("rehearsal plan: %w", err)
	}
	sess.PlannedAction = snapshot(action)

	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return Session{}, nil, fmt.Errorf("create session: %w", err)
	}
	log.Printf("[rehearsal] session %s started by %s (planned=%s)", sess.ID, operatorID, plannedName(sess.PlannedAction))
	return sess, action, nil
}

// SimulateResponse runs text through the live resolver for the session's
// planned goal and appends the exchange.
func (s *Simulator) SimulateResponse(ctx context.Context, operatorID, sessionID, text string) (SimulatedResponse, error) {
	return s.simulate(ctx, operatorID, sessionID, text, func(goal catalog.Goal) (outcome.Analysis, *outcome.MatchedOutcome, error) {
		return s.resolver.MatchOutcome(ctx, goal, text)
	})
}

// SimulateNoResponse plays out the persona staying silent until the
// response window closes, which is when the follow-up job applies the
// goal's no_response rule.
func (s *Simulator) SimulateNoResponse(ctx context.Context, operatorID, sessionID string) (SimulatedResponse, error) {
	return s.simulate(ctx, operatorID, sessionID, "", func(goal catalog.Goal) (outcome.Analysis, *outcome.MatchedOutcome, error) {
		m, err := s.resolver.MatchNoResponse(ctx, goal)
		return outcome.Analysis{}, m, err
	})
}

func (s *Simulator) simulate(ctx context.Context, operatorID, sessionID, text string, match func(catalog.Goal) (outcome.Analysis, *outcome.MatchedOutcome, error)) (SimulatedResponse, error) {
	sess, err := s.GetSession(ctx, operatorID, sessionID)
	if err != nil {
		return SimulatedResponse{}, err
	}
	if sess.Status.Closed() {
		return SimulatedResponse{}, fmt.Errorf("%w: %s is %s", ErrSessionClosed, sess.ID, sess.Status)
	}
	if sess.PlannedAction == nil {
		return SimulatedResponse{}, ErrNothingPlanned
	}

	goal, err := s.goals.Goal(ctx, sess.PlannedAction.GoalID)
	if err != nil {
		return SimulatedResponse{}, fmt.Errorf("planned goal %d: %w", sess.PlannedAction.GoalID, err)
	}
	analysis, matched, err := match(goal)
	if err != nil {
		return SimulatedResponse{}, err
	}

	now := s.now()
	ex := Exchange{
		GoalID:       goal.ID,
		ResponseText: text,
		Sentiment:    analysis.Sentiment,
		Intent:       analysis.Intent,
		At:           now,
	}
	if matched != nil {
		rule := matched.Rule
		ex.MatchedRuleID = &rule.ID
		ex.OutcomeType = rule.OutcomeType
		ex.NextGoalID = rule.NextGoalID
		if rule.OutcomeType == catalog.OutcomeDefer {
			until := now.Add(time.Duration(rule.DeferDays) * 24 * time.Hour)
			ex.DeferUntil = &until
		}
		pc := s.planningContext(sess, now)
		ex.Reply = planner.Render(rule.ResponseMessage, goal, pc, planner.LinkURL(s.linkBase, pc.User.ID, goal.ID))
		if rule.OutcomeType == catalog.OutcomeRecordInsight && rule.InsightToRecord != "" {
			sess.Persona.Insights = upsertInsight(sess.Persona.Insights, insights.Insight{
				Type:       rule.InsightToRecord,
				Value:      rule.InsightValue,
				Confidence: 1,
				Source:     insights.SourceOutcome,
				UpdatedAt:  now,
			})
		}
	}
	sess.Exchanges = append(sess.Exchanges, ex)

	if err := s.replan(ctx, &sess, ex, now); err != nil {
		return SimulatedResponse{}, err
	}

	sess.UpdatedAt = now
	if err := s.repo.UpdateSession(ctx, sess, StatusActive); err != nil {
		return SimulatedResponse{}, fmt.Errorf("save session: %w", err)
	}
	return SimulatedResponse{Analysis: analysis, Match: matched, Exchange: ex, Session: sess}, nil
}

// replan moves the session to its next goal once the planned one resolved.
// Escalations and unmatched replies keep the current plan. Chained goals
// reach the planner through the context, exactly as on the live path.
func (s *Simulator) replan(ctx context.Context, sess *Session, ex Exchange, now time.Time) error {
	if !resolves(ex.OutcomeType) {
		return nil
	}
	action, err := s.planner.PlanNextAction(ctx, s.planningContext(*sess, now))
	if err != nil {
		return fmt.Errorf("rehearsal replan: %w", err)
	}
	sess.PlannedAction = snapshot(action)
	return nil
}

func (s *Simulator) CompleteSession(ctx context.Context, operatorID, sessionID, notes string) (Session, error) {
	return s.close(ctx, operatorID, sessionID, notes, StatusCompleted)
}

func (s *Simulator) AbandonSession(ctx context.Context, operatorID, sessionID, notes string) (Session, error) {
	return s.close(ctx, operatorID, sessionID, notes, StatusAbandoned)
}

// close is idempotent for the same terminal status and rejects switching
// between completed and abandoned.
func (s *Simulator) close(ctx context.Context, operatorID, sessionID, notes string, to Status) (Session, error) {
	sess, err := s.GetSession(ctx, operatorID, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.Status == to {
		return sess, nil
	}
	if sess.Status.Closed() {
		return Session{}, fmt.Errorf("%w: %s is already %s", ErrSessionClosed, sess.ID, sess.Status)
	}

	now := s.now()
	sess.Status = to
	sess.ClosedAt = &now
	sess.UpdatedAt = now
	sess.Notes = strings.TrimSpace(notes)
	if sess.Notes == "" {
		sess.Notes = summarize(sess)
	}
	if err := s.repo.UpdateSession(ctx, sess, StatusActive); err != nil {
		return Session{}, fmt.Errorf("close session: %w", err)
	}
	log.Printf("[rehearsal] session %s %s", sess.ID, to)
	return sess, nil
}

// GetSession returns the session only to the operator who started it.
func (s *Simulator) GetSession(ctx context.Context, operatorID, sessionID string) (Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.OperatorID != operatorID {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Simulator) ListSessions(ctx context.Context, operatorID string, status Status) ([]Session, error) {
	return s.repo.ListSessions(ctx, operatorID, status)
}

// planningContext builds a synthetic context from the persona and the
// session transcript. Nothing is looked up for a real member.
func (s *Simulator) planningContext(sess Session, now time.Time) planner.Context {
	userID := "rehearsal:" + sess.ID
	ins := make([]insights.Insight, 0, len(sess.Persona.Insights))
	for _, in := range sess.Persona.Insights {
		in.MemberID = userID
		ins = append(ins, in)
	}
	return planner.Context{
		User: planner.User{
			ID:              userID,
			Name:            sess.Persona.Name,
			IsMapped:        sess.Persona.IsMapped,
			EngagementScore: sess.Persona.EngagementScore,
			Insights:        ins,
		},
		Company:       member.Company{Name: sess.Persona.Name, Type: sess.Persona.CompanyType},
		Capabilities:  sess.Persona.Capabilities,
		History:       transcriptHistory(sess, userID),
		Eligibility:   eligibility.Result{CanContact: true, Reason: "rehearsal"},
		Now:           now,
		ChainedGoalID: chainedGoal(sess),
		Rehearsal:     true,
	}
}

// chainedGoal is the next goal named by the rule that resolved the most
// recent attempt in the transcript.
func chainedGoal(sess Session) *int64 {
	for i := len(sess.Exchanges) - 1; i >= 0; i-- {
		if resolves(sess.Exchanges[i].OutcomeType) {
			return sess.Exchanges[i].NextGoalID
		}
	}
	return nil
}

// resolves reports whether an outcome moves the attempt out of
// awaiting_response.
func resolves(t catalog.OutcomeType) bool {
	switch t {
	case catalog.OutcomeAdvance, catalog.OutcomeDismiss, catalog.OutcomeDefer, catalog.OutcomeRecordInsight:
		return true
	}
	return false
}

// transcriptHistory replays the exchanges as in-memory history rows so the
// planner excludes goals the persona already resolved.
func transcriptHistory(sess Session, userID string) []history.Row {
	byGoal := make(map[int64]*history.Row)
	var order []int64
	for _, ex := range sess.Exchanges {
		row, ok := byGoal[ex.GoalID]
		if !ok {
			row = &history.Row{ID: sess.ID, MemberID: userID, GoalID: ex.GoalID, Status: history.StatusAwaitingResponse}
			byGoal[ex.GoalID] = row
			order = append(order, ex.GoalID)
		}
		row.AttemptCount++
		at := ex.At
		row.LastAttemptAt = &at
		switch ex.OutcomeType {
		case catalog.OutcomeAdvance, catalog.OutcomeRecordInsight:
			row.Status = history.StatusCompleted
			row.NextAttemptAt = nil
		case catalog.OutcomeDismiss:
			row.Status = history.StatusDismissed
			row.NextAttemptAt = nil
		case catalog.OutcomeDefer:
			row.Status = history.StatusDeferred
			row.NextAttemptAt = ex.DeferUntil
		}
	}
	rows := make([]history.Row, 0, len(order))
	for _, id := range order {
		rows = append(rows, *byGoal[id])
	}
	return rows
}

func snapshot(a *planner.PlannedAction) *PlannedSnapshot {
	if a == nil {
		return nil
	}
	return &PlannedSnapshot{
		GoalID:         a.Goal.ID,
		GoalName:       a.Goal.Name,
		Message:        a.Message,
		Score:          a.Score,
		Reason:         a.Reason,
		DecisionMethod: a.DecisionMethod,
	}
}

func upsertInsight(list []insights.Insight, in insights.Insight) []insights.Insight {
	for i := range list {
		if list[i].Type == in.Type {
			list[i] = in
			return list
		}
	}
	return append(list, in)
}

func summarize(sess Session) string {
	if len(sess.Exchanges) == 0 {
		return "no exchanges"
	}
	last := sess.Exchanges[len(sess.Exchanges)-1]
	outcomeType := string(last.OutcomeType)
	if outcomeType == "" {
		outcomeType = "unmatched"
	}
	return fmt.Sprintf("%d exchange(s); last response %s/%s -> %s",
		len(sess.Exchanges), last.Sentiment, last.Intent, outcomeType)
}

func plannedName(p *PlannedSnapshot) string {
	if p == nil {
		return "none"
	}
	return p.GoalName
}

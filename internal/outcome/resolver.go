// Package outcome classifies member responses, matches them against a
// goal's outcome rules and applies the result to goal history.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/stellarlinkco/outreach/internal/catalog"
)

// RuleSource lists a goal's outcome rules.
type RuleSource interface {
	ListRules(ctx context.Context, goalID int64) ([]catalog.OutcomeRule, error)
}

// MatchedOutcome is the rule that won for a response.
type MatchedOutcome struct {
	Rule     catalog.OutcomeRule `json:"rule"`
	Analysis Analysis            `json:"analysis"`
}

type Resolver struct {
	classifier Classifier
	rules      RuleSource
}

func NewResolver(classifier Classifier, rules RuleSource) *Resolver {
	return &Resolver{classifier: classifier, rules: rules}
}

// MatchOutcome classifies text and returns the first matching rule of goal
// in priority order, or nil when none matches. Blank text is rejected with
// ErrEmptyResponse. A classifier failure is returned wrapped in ErrClassifier.
func (r *Resolver) MatchOutcome(ctx context.Context, goal catalog.Goal, text string) (Analysis, *MatchedOutcome, error) {
	if strings.TrimSpace(text) == "" {
		return Analysis{}, nil, fmt.Errorf("goal %d: %w", goal.ID, ErrEmptyResponse)
	}

	analysis, err := r.classifier.Classify(ctx, text)
	if err != nil {
		return Analysis{}, nil, fmt.Errorf("classify response for goal %d: %w", goal.ID, wrapClassifier(err))
	}
	analysis = analysis.normalized()

	rules, err := r.rules.ListRules(ctx, goal.ID)
	if err != nil {
		return analysis, nil, fmt.Errorf("rules for goal %d: %w", goal.ID, err)
	}
	rule := Match(rules, analysis, text)
	if rule == nil {
		return analysis, nil, nil
	}
	return analysis, &MatchedOutcome{Rule: *rule, Analysis: analysis}, nil
}

// MatchNoResponse returns the goal's first no_response rule, if any. Callers
// use it once an attempt's response window has elapsed.
func (r *Resolver) MatchNoResponse(ctx context.Context, goal catalog.Goal) (*MatchedOutcome, error) {
	rules, err := r.rules.ListRules(ctx, goal.ID)
	if err != nil {
		return nil, fmt.Errorf("rules for goal %d: %w", goal.ID, err)
	}
	for _, rule := range Ordered(rules) {
		if rule.TriggerType == catalog.TriggerNoResponse {
			return &MatchedOutcome{Rule: rule}, nil
		}
	}
	return nil, nil
}

// Match evaluates rules against a classified response. no_response rules
// never match a response that exists.
func Match(rules []catalog.OutcomeRule, a Analysis, text string) *catalog.OutcomeRule {
	lower := strings.ToLower(text)
	for _, rule := range Ordered(rules) {
		if triggers(rule, a, lower) {
			return &rule
		}
	}
	return nil
}

func triggers(rule catalog.OutcomeRule, a Analysis, lowerText string) bool {
	value := strings.ToLower(strings.TrimSpace(rule.TriggerValue))
	switch rule.TriggerType {
	case catalog.TriggerKeyword:
		for _, kw := range strings.Split(value, ",") {
			if kw = strings.TrimSpace(kw); kw != "" && strings.Contains(lowerText, kw) {
				return true
			}
		}
	case catalog.TriggerIntent:
		return value != "" && value == a.Intent
	case catalog.TriggerSentiment:
		return value != "" && value == a.Sentiment
	}
	return false
}

// Ordered returns rules by priority, highest first; equal priorities keep
// insertion (id) order.
func Ordered(rules []catalog.OutcomeRule) []catalog.OutcomeRule {
	out := make([]catalog.OutcomeRule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func wrapClassifier(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClassifier) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrClassifier, err)
}

package catalog

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Goals []goalEntry `yaml:"goals"`
}

type goalEntry struct {
	Goal  `yaml:",inline"`
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	OutcomeRule `yaml:",inline"`
	NextGoal    string `yaml:"next_goal"`
}

// ImportResult counts what an import changed.
type ImportResult struct {
	GoalsCreated int
	GoalsUpdated int
	RulesCreated int
}

// Import loads goals and their rules from a YAML catalog document. Goals are
// matched by name: existing goals are updated and their rules replaced.
func (c *Catalog) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var res ImportResult
	var doc catalogFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return res, fmt.Errorf("decode catalog: %w", err)
	}

	existing, err := c.repo.ListGoals(ctx, false, "")
	if err != nil {
		return res, fmt.Errorf("list goals: %w", err)
	}
	byName := make(map[string]Goal, len(existing))
	for _, g := range existing {
		byName[g.Name] = g
	}

	for _, entry := range doc.Goals {
		g := entry.Goal
		if prev, ok := byName[g.Name]; ok {
			g.ID = prev.ID
			updated, err := c.UpdateGoal(ctx, g)
			if err != nil {
				return res, fmt.Errorf("goal %q: %w", g.Name, err)
			}
			byName[g.Name] = updated
			res.GoalsUpdated++
			continue
		}
		created, err := c.CreateGoal(ctx, g)
		if err != nil {
			return res, fmt.Errorf("goal %q: %w", g.Name, err)
		}
		byName[g.Name] = created
		res.GoalsCreated++
	}

	// Rules go second so next_goal can reference any goal in the document.
	for _, entry := range doc.Goals {
		owner := byName[entry.Name]
		if len(entry.Rules) == 0 {
			continue
		}
		old, err := c.repo.ListRules(ctx, owner.ID)
		if err != nil {
			return res, fmt.Errorf("list rules for %q: %w", owner.Name, err)
		}
		for _, r := range old {
			if err := c.repo.DeleteRule(ctx, r.ID); err != nil {
				return res, fmt.Errorf("replace rules for %q: %w", owner.Name, err)
			}
		}
		for _, re := range entry.Rules {
			rule := re.OutcomeRule
			rule.GoalID = owner.ID
			if re.NextGoal != "" {
				next, ok := byName[re.NextGoal]
				if !ok {
					return res, fmt.Errorf("%w: goal %q chains to unknown goal %q", ErrInvalidRule, owner.Name, re.NextGoal)
				}
				id := next.ID
				rule.NextGoalID = &id
			}
			if _, err := c.CreateRule(ctx, rule); err != nil {
				return res, fmt.Errorf("rule for %q: %w", owner.Name, err)
			}
			res.RulesCreated++
		}
	}
	c.Invalidate()
	return res, nil
}

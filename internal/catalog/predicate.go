package catalog

import "strings"

type PredicateKind string

const (
	PredicateMappedEquals    PredicateKind = "mapped_equals"
	PredicateCompanyTypeIn   PredicateKind = "company_type_in"
	PredicateMinEngagement   PredicateKind = "min_engagement"
	PredicateRequiresInsight PredicateKind = "requires_insight"
	PredicateExcludesInsight PredicateKind = "excludes_insight"
)

// Target is the slice of a member's planning context that targeting
// predicates are evaluated against.
type Target struct {
	IsMapped        bool
	CompanyType     string
	EngagementScore int
	InsightTypes    map[string]bool
}

// Predicate is one tagged targeting condition.
type Predicate struct {
	Kind      PredicateKind
	Bool      bool
	Values    []string
	Threshold int
}

func (p Predicate) Eval(t Target) bool {
	switch p.Kind {
	case PredicateMappedEquals:
		return t.IsMapped == p.Bool
	case PredicateCompanyTypeIn:
		for _, v := range p.Values {
			if strings.EqualFold(v, t.CompanyType) {
				return true
			}
		}
		return false
	case PredicateMinEngagement:
		return t.EngagementScore >= p.Threshold
	case PredicateRequiresInsight:
		for _, v := range p.Values {
			if !t.InsightTypes[v] {
				return false
			}
		}
		return true
	case PredicateExcludesInsight:
		for _, v := range p.Values {
			if t.InsightTypes[v] {
				return false
			}
		}
		return true
	}
	// Unknown kinds never match so a bad definition cannot widen targeting.
	return false
}

// Predicates compiles the goal's targeting fields.
func (g Goal) Predicates() []Predicate {
	preds := []Predicate{
		{Kind: PredicateMappedEquals, Bool: g.RequiresMapped},
		{Kind: PredicateMinEngagement, Threshold: g.RequiresMinEngagement},
	}
	if types := splitList(g.RequiresCompanyType); len(types) > 0 {
		preds = append(preds, Predicate{Kind: PredicateCompanyTypeIn, Values: types})
	}
	if len(g.RequiresInsights) > 0 {
		preds = append(preds, Predicate{Kind: PredicateRequiresInsight, Values: g.RequiresInsights})
	}
	if len(g.ExcludesInsights) > 0 {
		preds = append(preds, Predicate{Kind: PredicateExcludesInsight, Values: g.ExcludesInsights})
	}
	return preds
}

// Matches reports whether every targeting predicate holds for t.
func (g Goal) Matches(t Target) bool {
	for _, p := range g.Predicates() {
		if !p.Eval(t) {
			return false
		}
	}
	return true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

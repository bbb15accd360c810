package catalog

import "time"

// Category groups goals by the kind of outreach they drive.
type Category string

const (
	CategoryIntroduction      Category = "introduction"
	CategoryAccountLinking    Category = "account_linking"
	CategoryProfileCompletion Category = "profile_completion"
	CategoryEngagement        Category = "engagement"
	CategoryInsightGathering  Category = "insight_gathering"
	CategoryFeedback          Category = "feedback"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryIntroduction, CategoryAccountLinking, CategoryProfileCompletion,
		CategoryEngagement, CategoryInsightGathering, CategoryFeedback:
		return true
	}
	return false
}

// Goal is one catalog entry: targeting rule, message template and priority.
type Goal struct {
	ID                    int64     `json:"id" yaml:"-"`
	Name                  string    `json:"name" yaml:"name"`
	Category              Category  `json:"category" yaml:"category"`
	Description           string    `json:"description" yaml:"description"`
	MessageTemplate       string    `json:"message_template" yaml:"message_template"`
	RequiresMapped        bool      `json:"requires_mapped" yaml:"requires_mapped"`
	RequiresCompanyType   string    `json:"requires_company_type,omitempty" yaml:"requires_company_type"`
	RequiresMinEngagement int       `json:"requires_min_engagement" yaml:"requires_min_engagement"`
	RequiresInsights      []string  `json:"requires_insights,omitempty" yaml:"requires_insights"`
	ExcludesInsights      []string  `json:"excludes_insights,omitempty" yaml:"excludes_insights"`
	BasePriority          int       `json:"base_priority" yaml:"base_priority"`
	IsEnabled             bool      `json:"is_enabled" yaml:"is_enabled"`
	SuccessInsightType    string    `json:"success_insight_type,omitempty" yaml:"success_insight_type"`
	CompletesOnCapability string    `json:"completes_on_capability,omitempty" yaml:"completes_on_capability"`
	FollowUpOnQuestion    bool      `json:"follow_up_on_question" yaml:"follow_up_on_question"`
	CreatedAt             time.Time `json:"created_at" yaml:"-"`
	UpdatedAt             time.Time `json:"updated_at" yaml:"-"`
}

// InsightSeeking reports whether the goal asks the member an open question.
func (g Goal) InsightSeeking() bool {
	return g.Category == CategoryInsightGathering
}

type TriggerType string

const (
	TriggerKeyword    TriggerType = "keyword"
	TriggerIntent     TriggerType = "intent"
	TriggerSentiment  TriggerType = "sentiment"
	TriggerNoResponse TriggerType = "no_response"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerKeyword, TriggerIntent, TriggerSentiment, TriggerNoResponse:
		return true
	}
	return false
}

type OutcomeType string

const (
	OutcomeAdvance       OutcomeType = "advance"
	OutcomeDefer         OutcomeType = "defer"
	OutcomeDismiss       OutcomeType = "dismiss"
	OutcomeRecordInsight OutcomeType = "record_insight"
	OutcomeEscalate      OutcomeType = "escalate"
)

func (o OutcomeType) Valid() bool {
	switch o {
	case OutcomeAdvance, OutcomeDefer, OutcomeDismiss, OutcomeRecordInsight, OutcomeEscalate:
		return true
	}
	return false
}

// OutcomeRule maps a classified response for one goal to a resolution.
type OutcomeRule struct {
	ID              int64       `json:"id" yaml:"-"`
	GoalID          int64       `json:"goal_id" yaml:"-"`
	TriggerType     TriggerType `json:"trigger_type" yaml:"trigger_type"`
	TriggerValue    string      `json:"trigger_value" yaml:"trigger_value"`
	OutcomeType     OutcomeType `json:"outcome_type" yaml:"outcome_type"`
	ResponseMessage string      `json:"response_message,omitempty" yaml:"response_message"`
	NextGoalID      *int64      `json:"next_goal_id,omitempty" yaml:"-"`
	DeferDays       int         `json:"defer_days" yaml:"defer_days"`
	InsightToRecord string      `json:"insight_to_record,omitempty" yaml:"insight_to_record"`
	InsightValue    string      `json:"insight_value,omitempty" yaml:"insight_value"`
	Priority        int         `json:"priority" yaml:"priority"`
}

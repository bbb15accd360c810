package planner

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/stellarlinkco/outreach/internal/catalog"
)

const (
	TokenUserName     = "{{user_name}}"
	TokenLinkURL      = "{{link_url}}"
	TokenGoalQuestion = "{{goal_question}}"
)

// BuildMessage renders goal's template for the member in pc. Unknown tokens,
// and {{goal_question}} on goals that do not seek an insight, are left as
// written.
func BuildMessage(goal catalog.Goal, pc Context, linkURL string) string {
	return Render(goal.MessageTemplate, goal, pc, linkURL)
}

// Render substitutes the supported tokens in tmpl. Outcome replies share it
// with goal messages.
func Render(tmpl string, goal catalog.Goal, pc Context, linkURL string) string {
	pairs := []string{
		TokenUserName, pc.User.Name,
		TokenLinkURL, linkURL,
	}
	if goal.InsightSeeking() {
		pairs = append(pairs, TokenGoalQuestion, goal.Description)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// LinkURL builds the account-link URL a message points the member at.
func LinkURL(base, memberID string, goalID int64) string {
	if strings.TrimSpace(base) == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("member", memberID)
	q.Set("goal", strconv.FormatInt(goalID, 10))
	u.RawQuery = q.Encode()
	return u.String()
}

package outcome

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v4"

	"github.com/stellarlinkco/outreach/internal/config"
)

var ErrClassifier = errors.New("response classifier failed")

// ErrEmptyResponse rejects blank reply text. Silence is only resolved by
// no_response rules once the response window has elapsed.
var ErrEmptyResponse = errors.New("response text is empty")

const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"

	IntentAccept   = "accept"
	IntentDecline  = "decline"
	IntentDefer    = "defer"
	IntentQuestion = "question"
	IntentInfo     = "info"
	IntentOther    = "other"
)

const classifyPrompt = `You classify a member's reply to an outreach message.

Rules:
1. sentiment must be one of: positive/neutral/negative
2. intent must be one of: accept/decline/defer/question/info/other
3. Judge only the reply text

Return strict JSON object:
{"sentiment":"...","intent":"..."}

Reply:
%s`

// Analysis is the classifier's reading of one response.
type Analysis struct {
	Sentiment string `json:"sentiment"`
	Intent    string `json:"intent"`
}

func (a Analysis) normalized() Analysis {
	a.Sentiment = strings.ToLower(strings.TrimSpace(a.Sentiment))
	a.Intent = strings.ToLower(strings.TrimSpace(a.Intent))
	if a.Sentiment == "" {
		a.Sentiment = SentimentNeutral
	}
	if a.Intent == "" {
		a.Intent = IntentOther
	}
	return a
}

// Classifier turns free text into sentiment and intent.
type Classifier interface {
	Classify(ctx context.Context, text string) (Analysis, error)
}

// NewClassifier returns the chat-completions classifier when credentials are
// configured and the keyword heuristic otherwise.
func NewClassifier(cfg config.ClassifierConfig) Classifier {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.BaseURL) == "" {
		return HeuristicClassifier{}
	}
	return NewLLMClassifier(cfg)
}

type LLMClassifier struct {
	apiKey     string
	baseURL    string
	model      string
	maxRetries int
	retryBase  time.Duration
	httpClient *http.Client
}

func NewLLMClassifier(cfg config.ClassifierConfig) *LLMClassifier {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LLMClassifier{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryBase:  500 * time.Millisecond,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *LLMClassifier) Classify(ctx context.Context, text string) (Analysis, error) {
	if c.apiKey == "" {
		return Analysis{}, fmt.Errorf("%w: missing classifier api key", ErrClassifier)
	}
	if c.baseURL == "" {
		return Analysis{}, fmt.Errorf("%w: missing classifier base url", ErrClassifier)
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": fmt.Sprintf(classifyPrompt, text),
		}},
		"temperature": 0,
		"response_format": map[string]string{
			"type": "json_object",
		},
	}

	var content string
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx)
	err := backoff.Retry(func() error {
		out, status, err := c.sendChatCompletion(ctx, body)
		if err != nil {
			// Only transport failures, throttling and server errors are worth retrying.
			if status != 0 && status != http.StatusTooManyRequests && status < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		content = out
		return nil
	}, policy)
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrClassifier, err)
	}

	var out Analysis
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return Analysis{}, fmt.Errorf("%w: parse classification: %v", ErrClassifier, err)
	}
	return out.normalized(), nil
}

func (c *LLMClassifier) sendChatCompletion(ctx context.Context, body map[string]any) (string, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resp.StatusCode, fmt.Errorf("classifier http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", resp.StatusCode, fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", resp.StatusCode, fmt.Errorf("empty content in response")
	}
	return content, resp.StatusCode, nil
}

// HeuristicClassifier is a keyword fallback for offline use.
type HeuristicClassifier struct{}

var (
	declineWords  = []string{"not interested", "no thanks", "no thank you", "unsubscribe", "stop", "leave me alone", "don't contact"}
	deferWords    = []string{"later", "next week", "next month", "busy", "not now", "remind me"}
	acceptWords   = []string{"yes", "sure", "sounds good", "happy to", "done", "love to", "absolutely", "ok"}
	positiveWords = []string{"thanks", "thank you", "great", "love", "awesome", "happy", "glad", "excited"}
	negativeWords = []string{"annoying", "spam", "hate", "angry", "frustrated", "terrible", "stop"}
)

func (HeuristicClassifier) Classify(_ context.Context, text string) (Analysis, error) {
	t := words(text)
	a := Analysis{Sentiment: SentimentNeutral, Intent: IntentOther}

	switch {
	case containsAny(t, declineWords):
		a.Intent = IntentDecline
	case containsAny(t, deferWords):
		a.Intent = IntentDefer
	case strings.Contains(text, "?"):
		a.Intent = IntentQuestion
	case containsAny(t, acceptWords):
		a.Intent = IntentAccept
	case strings.TrimSpace(t) != "":
		a.Intent = IntentInfo
	}

	pos, neg := countAny(t, positiveWords), countAny(t, negativeWords)
	switch {
	case neg > pos:
		a.Sentiment = SentimentNegative
	case pos > neg:
		a.Sentiment = SentimentPositive
	}
	return a, nil
}

// words lowercases text and rejoins its words with single spaces, padded on
// both ends, so a list entry only matches whole words.
func words(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	if len(fields) == 0 {
		return ""
	}
	return " " + strings.Join(fields, " ") + " "
}

func containsAny(s string, list []string) bool {
	return countAny(s, list) > 0
}

func countAny(s string, list []string) int {
	n := 0
	for _, w := range list {
		if strings.Contains(s, " "+w+" ") {
			n++
		}
	}
	return n
}

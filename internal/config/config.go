package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultPlannerMode       = "rule-based"
	DefaultRecencyBonus      = 5
	DefaultPenaltyPerAttempt = 2
	DefaultPenaltyCap        = 10
	DefaultResponseWindow    = "168h"
	DefaultLinkBaseURL       = "https://members.example.org/link"
	DefaultContactCooldown   = "72h"
	DefaultInsightsCacheTTL  = "5m"
	DefaultInsightsCacheSize = 1024
	DefaultClassifierModel   = "gpt-4o-mini"
	DefaultClassifierRetries = 3
	DefaultClassifierTimeout = 30
	DefaultMomentumSchedule  = "0 0 9 * * *"
	DefaultFollowUpSchedule  = "0 */30 * * * *"
	DefaultStaleAfter        = "96h"
	DefaultStalledAfter      = "24h"
)

type Config struct {
	Store       StoreConfig       `json:"store"`
	Planner     PlannerConfig     `json:"planner"`
	Eligibility EligibilityConfig `json:"eligibility"`
	Insights    InsightsConfig    `json:"insights"`
	Classifier  ClassifierConfig  `json:"classifier"`
	Jobs        JobsConfig        `json:"jobs"`
	Notify      NotifyConfig      `json:"notify"`
	Telemetry   TelemetryConfig   `json:"telemetry"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty" env:"OUTREACH_DB_PATH"`
}

type PlannerConfig struct {
	Mode              string `json:"mode" env:"OUTREACH_PLANNER_MODE"` // "rule-based" (default) or "weighted-random"
	RecencyBonus      int    `json:"recencyBonus" env:"OUTREACH_PLANNER_RECENCY_BONUS"`
	PenaltyPerAttempt int    `json:"penaltyPerAttempt" env:"OUTREACH_PLANNER_PENALTY_PER_ATTEMPT"`
	PenaltyCap        int    `json:"penaltyCap" env:"OUTREACH_PLANNER_PENALTY_CAP"` // 0 means linear
	ResponseWindow    string `json:"responseWindow" env:"OUTREACH_RESPONSE_WINDOW"`
	LinkBaseURL       string `json:"linkBaseUrl" env:"OUTREACH_LINK_BASE_URL"`
}

type EligibilityConfig struct {
	Cooldown string `json:"cooldown" env:"OUTREACH_CONTACT_COOLDOWN"`
	TestMode bool   `json:"testMode" env:"OUTREACH_TEST_MODE"`
}

type InsightsConfig struct {
	CacheTTL  string `json:"cacheTtl" env:"OUTREACH_INSIGHTS_CACHE_TTL"`
	CacheSize int    `json:"cacheSize" env:"OUTREACH_INSIGHTS_CACHE_SIZE"`
}

type ClassifierConfig struct {
	APIKey     string `json:"apiKey,omitempty" env:"OUTREACH_CLASSIFIER_API_KEY"`
	BaseURL    string `json:"baseUrl,omitempty" env:"OUTREACH_CLASSIFIER_BASE_URL"`
	Model      string `json:"model" env:"OUTREACH_CLASSIFIER_MODEL"`
	MaxRetries int    `json:"maxRetries" env:"OUTREACH_CLASSIFIER_MAX_RETRIES"`
	TimeoutSec int    `json:"timeoutSec" env:"OUTREACH_CLASSIFIER_TIMEOUT"`
}

type JobsConfig struct {
	StatePath        string `json:"statePath,omitempty" env:"OUTREACH_JOBS_STATE_PATH"`
	MomentumSchedule string `json:"momentumSchedule" env:"OUTREACH_MOMENTUM_SCHEDULE"`
	FollowUpSchedule string `json:"followUpSchedule" env:"OUTREACH_FOLLOWUP_SCHEDULE"`
	StaleAfter       string `json:"staleAfter" env:"OUTREACH_STALE_AFTER"`
	StalledAfter     string `json:"stalledAfter" env:"OUTREACH_STALLED_AFTER"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" env:"OUTREACH_TELEGRAM_ENABLED"`
	Token   string `json:"token" env:"OUTREACH_TELEGRAM_TOKEN"`
	ChatID  int64  `json:"chatId" env:"OUTREACH_TELEGRAM_CHAT_ID"`
	Proxy   string `json:"proxy,omitempty" env:"OUTREACH_TELEGRAM_PROXY"`
}

type TelemetryConfig struct {
	StdoutMetrics bool `json:"stdoutMetrics" env:"OUTREACH_STDOUT_METRICS"`
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{},
		Planner: PlannerConfig{
			Mode:              DefaultPlannerMode,
			RecencyBonus:      DefaultRecencyBonus,
			PenaltyPerAttempt: DefaultPenaltyPerAttempt,
			PenaltyCap:        DefaultPenaltyCap,
			ResponseWindow:    DefaultResponseWindow,
			LinkBaseURL:       DefaultLinkBaseURL,
		},
		Eligibility: EligibilityConfig{
			Cooldown: DefaultContactCooldown,
		},
		Insights: InsightsConfig{
			CacheTTL:  DefaultInsightsCacheTTL,
			CacheSize: DefaultInsightsCacheSize,
		},
		Classifier: ClassifierConfig{
			Model:      DefaultClassifierModel,
			MaxRetries: DefaultClassifierRetries,
			TimeoutSec: DefaultClassifierTimeout,
		},
		Jobs: JobsConfig{
			MomentumSchedule: DefaultMomentumSchedule,
			FollowUpSchedule: DefaultFollowUpSchedule,
			StaleAfter:       DefaultStaleAfter,
			StalledAfter:     DefaultStalledAfter,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".outreach")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DBPath returns the configured database path or the default under ConfigDir.
func (c *Config) DBPath() string {
	if p := strings.TrimSpace(c.Store.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "outreach.db")
}

// JobStatePath returns where the scheduler persists job run state.
func (c *Config) JobStatePath() string {
	if p := strings.TrimSpace(c.Jobs.StatePath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "jobs.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Planner.Mode) == "" {
		cfg.Planner.Mode = def.Planner.Mode
	}
	if cfg.Planner.ResponseWindow == "" {
		cfg.Planner.ResponseWindow = def.Planner.ResponseWindow
	}
	if cfg.Planner.LinkBaseURL == "" {
		cfg.Planner.LinkBaseURL = def.Planner.LinkBaseURL
	}
	if cfg.Eligibility.Cooldown == "" {
		cfg.Eligibility.Cooldown = def.Eligibility.Cooldown
	}
	if cfg.Insights.CacheTTL == "" {
		cfg.Insights.CacheTTL = def.Insights.CacheTTL
	}
	if cfg.Insights.CacheSize <= 0 {
		cfg.Insights.CacheSize = def.Insights.CacheSize
	}
	if cfg.Classifier.Model == "" {
		cfg.Classifier.Model = def.Classifier.Model
	}
	if cfg.Classifier.MaxRetries < 0 {
		cfg.Classifier.MaxRetries = 0
	}
	if cfg.Classifier.TimeoutSec <= 0 {
		cfg.Classifier.TimeoutSec = def.Classifier.TimeoutSec
	}
	if cfg.Jobs.MomentumSchedule == "" {
		cfg.Jobs.MomentumSchedule = def.Jobs.MomentumSchedule
	}
	if cfg.Jobs.FollowUpSchedule == "" {
		cfg.Jobs.FollowUpSchedule = def.Jobs.FollowUpSchedule
	}
	if cfg.Jobs.StaleAfter == "" {
		cfg.Jobs.StaleAfter = def.Jobs.StaleAfter
	}
	if cfg.Jobs.StalledAfter == "" {
		cfg.Jobs.StalledAfter = def.Jobs.StalledAfter
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// Duration parses a duration string, falling back to def when it is empty,
// malformed or not positive.
func Duration(value, def string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(def)
	return d
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はプロセス全体の設定
type Config struct {
	GitHubToken    string
	WebhookSecret  string
	DatabasePath   string
	Port           string
	SweepInterval  time.Duration
	TrackerTimeout time.Duration
	PolicyPath     string
	SlackBotToken  string
	SlackChannelID string
	SlackSecret    string
	AdminToken     string
	LogLevel       string

	Policy Policy
}

// Load は .env と環境変数、ポリシーファイルから設定を読み込む
// .env がなくてもエラーにはしない
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		GitHubToken:    os.Getenv("GITHUB_TOKEN"),
		WebhookSecret:  os.Getenv("GITHUB_WEBHOOK_SECRET"),
		DatabasePath:   getEnv("DATABASE_PATH", "issue_assign.db"),
		Port:           getEnv("PORT", "8080"),
		PolicyPath:     os.Getenv("ASSIGN_CONFIG"),
		SlackBotToken:  os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannelID: os.Getenv("SLACK_CHANNEL_ID"),
		SlackSecret:    os.Getenv("SLACK_SIGNING_SECRET"),
		AdminToken:     os.Getenv("ADMIN_TOKEN"),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Policy:         DefaultPolicy(),
	}

	var err error
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.TrackerTimeout, err = getDuration("TRACKER_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("SWEEP_INTERVAL must be positive: %s", cfg.SweepInterval)
	}

	if cfg.PolicyPath != "" {
		policy, err := LoadPolicy(cfg.PolicyPath)
		if err != nil {
			return nil, err
		}
		cfg.Policy = policy
	}

	return cfg, nil
}

// SlackEnabled は Slack 通知に必要な設定が揃っているか
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannelID != ""
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

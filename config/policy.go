package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration は YAML で "1h30m" のように書ける time.Duration
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LabelDuration は issue ラベルと作業期限の対応
type LabelDuration struct {
	Label    string   `yaml:"label"`
	Duration Duration `yaml:"duration"`
}

// QueuePolicy はキューのリトライとバックオフの設定
type QueuePolicy struct {
	MaxRetries  int      `yaml:"max_retries"`
	MaxFailures int      `yaml:"max_failures"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
}

// Policy はアサイン運用ルール
type Policy struct {
	Maintainers     []string        `yaml:"maintainers"`
	MaxActive       int             `yaml:"max_active"`
	BlockHours      float64         `yaml:"block_hours"`
	LabelDurations  []LabelDuration `yaml:"label_durations"`
	DefaultDuration Duration        `yaml:"default_duration"`
	Queue           QueuePolicy     `yaml:"queue"`
	GreetOnOpen     bool            `yaml:"greet_on_open"`
}

// DefaultPolicy は設定ファイルがない場合のルール
func DefaultPolicy() Policy {
	return Policy{
		Maintainers: []string{},
		MaxActive:   4,
		BlockHours:  5,
		LabelDurations: []LabelDuration{
			{Label: "easy", Duration: Duration(90 * time.Minute)},
			{Label: "medium", Duration: Duration(3 * time.Hour)},
			{Label: "hard", Duration: Duration(5 * time.Hour)},
		},
		DefaultDuration: Duration(3 * time.Hour),
		Queue: QueuePolicy{
			MaxRetries:  3,
			MaxFailures: 8,
			BackoffBase: Duration(time.Minute),
			BackoffCap:  Duration(time.Hour),
		},
		GreetOnOpen: true,
	}
}

// LoadPolicy は YAML ファイルを読み込み、未指定の項目はデフォルト値で埋める
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()

	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("failed to read policy file: %w", err)
	}

	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if err := policy.Validate(); err != nil {
		return policy, err
	}

	return policy, nil
}

func (p Policy) Validate() error {
	if p.MaxActive <= 0 {
		return fmt.Errorf("max_active must be positive: %d", p.MaxActive)
	}
	if p.BlockHours < 0 {
		return fmt.Errorf("block_hours must not be negative: %v", p.BlockHours)
	}
	if p.DefaultDuration <= 0 {
		return fmt.Errorf("default_duration must be positive")
	}
	for _, ld := range p.LabelDurations {
		if ld.Label == "" || ld.Duration <= 0 {
			return fmt.Errorf("invalid label duration: %q=%s", ld.Label, ld.Duration.Std())
		}
	}
	if p.Queue.MaxRetries < 0 || p.Queue.MaxFailures < 0 {
		return fmt.Errorf("queue limits must not be negative")
	}
	return nil
}

// BlockDuration は期限切れ時のブロック期間
func (p Policy) BlockDuration() time.Duration {
	return time.Duration(p.BlockHours * float64(time.Hour))
}

// DurationForLabels は issue のラベルから作業期限を決める
// LabelDurations の順に最初に一致したものを使う (大文字小文字は区別しない)
func (p Policy) DurationForLabels(labels []string) time.Duration {
	for _, ld := range p.LabelDurations {
		for _, label := range labels {
			if strings.EqualFold(strings.TrimSpace(label), ld.Label) {
				return ld.Duration.Std()
			}
		}
	}
	return p.DefaultDuration.Std()
}

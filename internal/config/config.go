package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dlab/internal/domain"
)

// Config models an experiment definition: its stages in order, the chat
// discussions and timers, lottery rounds and webhook targets.
type Config struct {
	Experiment struct {
		ID          string `yaml:"id"`
		Description string `yaml:"description,omitempty"`
	} `yaml:"experiment"`
	Stages []StageConfig `yaml:"stages"`
	// ExternalStages are answered outside dlab but may feed a lottery.
	ExternalStages []string `yaml:"external_stages,omitempty"`
	Timer          struct {
		MaxWaitMinutes float64 `yaml:"max_wait_minutes,omitempty"`
	} `yaml:"timer"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type StageConfig struct {
	ID               string             `yaml:"id"`
	Kind             domain.StageKind   `yaml:"kind"`
	TimeLimitMinutes float64            `yaml:"time_limit_minutes,omitempty"`
	Discussions      []DiscussionConfig `yaml:"discussions,omitempty"`
	Lottery          *LotteryConfig     `yaml:"lottery,omitempty"`
}

type DiscussionConfig struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`
}

// LotteryConfig says where a round's candidates come from. A participant
// applied when the answer to ApplyQuestion in ApplyStage equals ApplyOption;
// their score is the sum of ScoreField over PerformanceStages.
type LotteryConfig struct {
	ApplyStage        string   `yaml:"apply_stage"`
	ApplyQuestion     string   `yaml:"apply_question"`
	ApplyOption       string   `yaml:"apply_option"`
	PerformanceStages []string `yaml:"performance_stages"`
	ScoreField        string   `yaml:"score_field"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Experiment.ID) == "" {
		return fmt.Errorf("config.experiment.id is required")
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("config.stages must declare at least one stage")
	}
	if c.Timer.MaxWaitMinutes < 0 {
		return fmt.Errorf("config.timer.max_wait_minutes must not be negative")
	}
	known := map[string]struct{}{}
	for _, id := range c.ExternalStages {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("config.external_stages contains an empty id")
		}
		known[id] = struct{}{}
	}
	for i, s := range c.Stages {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("stage %d has empty id", i)
		}
		if _, dup := known[s.ID]; dup {
			return fmt.Errorf("stage id %s declared twice", s.ID)
		}
		known[s.ID] = struct{}{}
		if !s.Kind.Valid() {
			return fmt.Errorf("stage %s has unknown kind %q", s.ID, s.Kind)
		}
		if s.TimeLimitMinutes < 0 {
			return fmt.Errorf("stage %s has negative time limit", s.ID)
		}
		if s.Kind == domain.StageKindChat {
			if len(s.Discussions) == 0 {
				return fmt.Errorf("chat stage %s needs at least one discussion", s.ID)
			}
			seen := map[string]struct{}{}
			for _, d := range s.Discussions {
				if strings.TrimSpace(d.ID) == "" {
					return fmt.Errorf("chat stage %s has a discussion with empty id", s.ID)
				}
				if _, ok := seen[d.ID]; ok {
					return fmt.Errorf("chat stage %s declares discussion %s twice", s.ID, d.ID)
				}
				seen[d.ID] = struct{}{}
			}
		} else if len(s.Discussions) > 0 || s.TimeLimitMinutes > 0 {
			return fmt.Errorf("stage %s: discussions and time limits apply to chat stages only", s.ID)
		}
		if s.Lottery != nil && s.Kind != domain.StageKindRanking {
			return fmt.Errorf("stage %s: lottery applies to ranking stages only", s.ID)
		}
	}
	for _, s := range c.Stages {
		if s.Lottery == nil {
			continue
		}
		l := s.Lottery
		if l.ApplyStage == "" || l.ApplyQuestion == "" || l.ApplyOption == "" {
			return fmt.Errorf("stage %s: lottery needs apply_stage, apply_question and apply_option", s.ID)
		}
		if _, ok := known[l.ApplyStage]; !ok {
			return fmt.Errorf("stage %s: lottery apply_stage %s is not declared", s.ID, l.ApplyStage)
		}
		if l.ScoreField == "" {
			return fmt.Errorf("stage %s: lottery score_field is required", s.ID)
		}
		for _, ps := range l.PerformanceStages {
			if _, ok := known[ps]; !ok {
				return fmt.Errorf("stage %s: lottery performance stage %s is not declared", s.ID, ps)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	return nil
}

func (c *Config) Stage(id string) (StageConfig, bool) {
	for _, s := range c.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageConfig{}, false
}

// MaxWait bounds one timer wait; five minutes unless configured.
func (c *Config) MaxWait() time.Duration {
	if c.Timer.MaxWaitMinutes <= 0 {
		return 5 * time.Minute
	}
	return minutes(c.Timer.MaxWaitMinutes)
}

func (s StageConfig) DiscussionIDs() []string {
	ids := make([]string, len(s.Discussions))
	for i, d := range s.Discussions {
		ids[i] = d.ID
	}
	return ids
}

// TimeLimit is zero for untimed stages.
func (s StageConfig) TimeLimit() time.Duration {
	return minutes(s.TimeLimitMinutes)
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

// GenerateDefault returns default config YAML.
func GenerateDefault(experimentID string) string {
	return fmt.Sprintf(defaultTemplate, experimentID)
}

// Default returns the default Config struct for an experiment.
func Default(experimentID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(experimentID))).Decode(&cfg)
	cfg.Experiment.ID = experimentID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// YAML renders the config in the same layout FromYAML reads.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode config yaml: %w", err)
	}
	return string(data), nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `experiment:
  id: %s
  description: "Two baseline tasks, a timed group chat and two leader lottery rounds"

stages:
  - id: baseline1
    kind: survey
  - id: baseline2
    kind: survey
  - id: group_chat
    kind: chat
    time_limit_minutes: 10
    discussions:
      - id: d1
        description: "Introductions"
      - id: d2
        description: "Agree on a ranking"
  - id: r1_apply
    kind: survey
  - id: r1_instructions
    kind: ranking
    lottery:
      apply_stage: r1_apply
      apply_question: apply_r1
      apply_option: "yes"
      performance_stages: [baseline1, baseline2]
      score_field: correct
  - id: r2_apply
    kind: survey
  - id: r2_instructions
    kind: ranking
    lottery:
      apply_stage: r2_apply
      apply_question: apply_r2
      apply_option: "yes"
      performance_stages: [baseline1, baseline2]
      score_field: correct

timer:
  max_wait_minutes: 5
`

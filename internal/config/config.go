package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"gateline/internal/domain"
)

// Config models gateline.yml: the static checkpoint checklist plus the
// attempt/rollback policy and the ambient service settings.
type Config struct {
	Checkpoints map[domain.Checkpoint]CheckpointSpec `yaml:"checkpoints"`
	Attempts    AttemptPolicy                        `yaml:"attempts"`
	Postmerge   struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"postmerge"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Notify struct {
		EscalationURL string `yaml:"escalation_url"`
	} `yaml:"notify"`
}

// CheckpointSpec is the static definition of one gate's exit criteria.
type CheckpointSpec struct {
	Criteria []Criterion `yaml:"criteria"`
}

// Criterion is one named exit condition. Accept lists the proof kinds that can
// satisfy it; any one passing proof of an accepted kind ticks the box.
type Criterion struct {
	ID     string   `yaml:"id"`
	Accept []string `yaml:"accept"`
}

// AttemptPolicy configures the retry/escalate/rollback bands. Counters are
// compared after each failed evaluation: below EscalateAfter the caller should
// retry, from EscalateAfter up to MaxAttempts the task escalates, and at
// MaxAttempts it rolls back.
type AttemptPolicy struct {
	MaxAttempts    int    `yaml:"max_attempts"`
	EscalateAfter  int    `yaml:"escalate_after"`
	RollbackTarget string `yaml:"rollback_target"` // halt | previous
}

const (
	RollbackHalt     = "halt"
	RollbackPrevious = "previous"
)

// Load reads and validates config from the workspace, seeding defaults when
// the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
}

// FromYAML parses and validates config from raw YAML bytes. Fields absent from
// the document keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the checklist and attempt policy are coherent.
func (c *Config) Validate() error {
	if len(c.Checkpoints) == 0 {
		return fmt.Errorf("config.checkpoints is required")
	}
	for cp, spec := range c.Checkpoints {
		if !cp.Valid() {
			return fmt.Errorf("config.checkpoints has unknown checkpoint %s", cp)
		}
		if len(spec.Criteria) == 0 {
			return fmt.Errorf("checkpoint %s has no exit criteria", cp)
		}
		seen := map[string]bool{}
		for _, crit := range spec.Criteria {
			if crit.ID == "" {
				return fmt.Errorf("checkpoint %s has a criterion without id", cp)
			}
			if seen[crit.ID] {
				return fmt.Errorf("checkpoint %s repeats criterion %s", cp, crit.ID)
			}
			seen[crit.ID] = true
			if len(crit.Accept) == 0 {
				return fmt.Errorf("criterion %s/%s accepts no proof kinds", cp, crit.ID)
			}
			for _, kind := range crit.Accept {
				if kind == "" {
					return fmt.Errorf("criterion %s/%s has empty proof kind", cp, crit.ID)
				}
			}
		}
	}
	for _, cp := range domain.Sequence {
		if cp == domain.C4Postmerge && !c.Postmerge.Enabled {
			continue
		}
		if _, ok := c.Checkpoints[cp]; !ok {
			return fmt.Errorf("config.checkpoints missing %s", cp)
		}
	}
	if c.Attempts.MaxAttempts < 1 {
		return fmt.Errorf("attempts.max_attempts must be >= 1")
	}
	if c.Attempts.EscalateAfter < 1 || c.Attempts.EscalateAfter > c.Attempts.MaxAttempts {
		return fmt.Errorf("attempts.escalate_after must be in [1, max_attempts]")
	}
	switch c.Attempts.RollbackTarget {
	case RollbackHalt, RollbackPrevious:
	default:
		return fmt.Errorf("attempts.rollback_target must be %q or %q", RollbackHalt, RollbackPrevious)
	}
	return nil
}

// Criteria returns the checklist for a checkpoint.
func (c *Config) Criteria(cp domain.Checkpoint) []Criterion {
	spec, ok := c.Checkpoints[cp]
	if !ok {
		return nil
	}
	return spec.Criteria
}

// Default returns the built-in checklist and policy.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML for `gate config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `checkpoints:
  C0_COMPREHENSION:
    criteria:
      - id: scope.documented
        accept: [scope-statement]

  C1_PLAN:
    criteria:
      - id: plan.recorded
        accept: [plan-document]
      - id: risk.assessed
        accept: [risk-assessment]

  C2_IMPLEMENTATION:
    criteria:
      - id: change.captured
        accept: [diff]
      - id: tests.pass
        accept: [test-output]
      - id: lint.clean
        accept: [lint-output, static-analysis-output]

  C3_PR:
    criteria:
      - id: review.approved
        accept: [review-approval]

  C4_POSTMERGE:
    criteria:
      - id: monitoring.verified
        accept: [monitoring-snapshot]

attempts:
  max_attempts: 3
  escalate_after: 3
  rollback_target: halt

postmerge:
  enabled: true

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true

notify:
  escalation_url: ""
`

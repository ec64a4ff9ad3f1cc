package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"gateline/internal/config"
	"gateline/internal/domain"
)

func TestDefaultCoversEveryCheckpoint(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, cp := range domain.Sequence {
		if len(cfg.Criteria(cp)) == 0 {
			t.Fatalf("no criteria for %s", cp)
		}
	}
	if cfg.Attempts.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d", cfg.Attempts.MaxAttempts)
	}
	if cfg.Attempts.RollbackTarget != config.RollbackHalt {
		t.Fatalf("rollback target = %s", cfg.Attempts.RollbackTarget)
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Checkpoints) != len(domain.Sequence) {
		t.Fatalf("checkpoints = %d", len(cfg.Checkpoints))
	}
}

func TestFromYAMLOverridesKeepDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("attempts:\n  max_attempts: 5\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Attempts.MaxAttempts != 5 {
		t.Fatalf("max attempts = %d", cfg.Attempts.MaxAttempts)
	}
	// untouched sections keep the built-in checklist
	if len(cfg.Criteria(domain.C2Implementation)) != 3 {
		t.Fatalf("C2 criteria = %d", len(cfg.Criteria(domain.C2Implementation)))
	}
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	cases := []string{
		"attempts:\n  max_attempts: 0\n",
		"attempts:\n  rollback_target: sideways\n",
		"checkpoints:\n  C9_UNKNOWN:\n    criteria: []\n",
	}
	for _, raw := range cases {
		if _, err := config.FromYAML([]byte(raw)); err == nil {
			t.Fatalf("expected validation error for %q", raw)
		}
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateline.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

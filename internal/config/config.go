// Package config provides configuration loading for the branchflow engine.
package config

import (
	"fmt"
	"time"
)

// Config is the root engine configuration.
type Config struct {
	Branches BranchesConfig         `koanf:"branches"`
	Routing  map[string]RouteConfig `koanf:"routing"`
	Policy   PolicyConfig           `koanf:"policy"`
	Git      GitConfig              `koanf:"git"`
	GitHub   GitHubConfig           `koanf:"github"`
	Audit    AuditConfig            `koanf:"audit"`
	Logging  LoggingConfig          `koanf:"logging"`
}

// BranchesConfig names the long-lived branches. Together they form the closed
// set of valid merge targets; anything else is rejected at classification time.
type BranchesConfig struct {
	Production  string `koanf:"production"`
	Integration string `koanf:"integration"`
	Development string `koanf:"development"`
}

// MergeTargets returns the closed set of valid merge targets.
func (b BranchesConfig) MergeTargets() []string {
	return []string{b.Production, b.Integration, b.Development}
}

// IsMergeTarget reports whether branch is one of the configured merge targets.
func (b BranchesConfig) IsMergeTarget(branch string) bool {
	return branch == b.Production || branch == b.Integration || branch == b.Development
}

// RouteConfig is one routing table entry, keyed by task type.
// Symbolic targets ("production", "integration", "development") are resolved
// against BranchesConfig when the table is built.
type RouteConfig struct {
	Prefix           string `koanf:"prefix"`
	BaseBranch       string `koanf:"base_branch"`
	MergeTarget      string `koanf:"merge_target"`
	ProtectionLevel  string `koanf:"protection_level"`
	AutoMergeDefault bool   `koanf:"auto_merge_default"`
	ReviewRequired   bool   `koanf:"review_required"`
}

// PolicyConfig tunes the merge policy engine.
type PolicyConfig struct {
	// ConfidenceThreshold is the minimum confidence score required before
	// auto-merge is permitted on low-protection branches.
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`
	// Reviewers is the default reviewer pool drawn from when the caller
	// provides none.
	Reviewers []string `koanf:"reviewers"`
}

// GitConfig tunes the git primitive and the retry policy around it.
type GitConfig struct {
	// CommandTimeout bounds each external git call independently.
	CommandTimeout time.Duration `koanf:"command_timeout"`
	// MaxRetries is the number of retries after the initial attempt for
	// transient failures.
	MaxRetries int `koanf:"max_retries"`
	// RetryBaseDelay is the initial backoff interval; subsequent retries
	// back off exponentially.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
}

// GitHubConfig configures the code-hosting client.
type GitHubConfig struct {
	Enabled bool   `koanf:"enabled"`
	Owner   string `koanf:"owner"`
	Repo    string `koanf:"repo"`
	// Token is read from the environment when empty (GITHUB_TOKEN).
	Token string `koanf:"token"`
	// BaseURL overrides the API endpoint for GitHub Enterprise.
	BaseURL string `koanf:"base_url"`
}

// AuditConfig configures the audit store.
type AuditConfig struct {
	// DBPath is the SQLite database file backing the audit log.
	DBPath string `koanf:"db_path"`
	// WriteTimeout bounds each audit write so a slow sink never blocks the
	// workflow critical path.
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// LoggingConfig configures the zap logger and its rotating file sink.
type LoggingConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

// NewDefaultConfig returns the shipped defaults. The routing table here is the
// single source of truth for task classification; deployments override it in
// the config file.
func NewDefaultConfig() *Config {
	return &Config{
		Branches: BranchesConfig{
			Production:  "main",
			Integration: "integration",
			Development: "develop",
		},
		Routing: map[string]RouteConfig{
			"feature": {
				Prefix:          "feature/",
				BaseBranch:      "development",
				MergeTarget:     "integration",
				ProtectionLevel: "medium",
				ReviewRequired:  true,
			},
			"bug": {
				Prefix:          "fix/",
				BaseBranch:      "development",
				MergeTarget:     "production",
				ProtectionLevel: "high",
				ReviewRequired:  true,
			},
			"hotfix": {
				Prefix:          "hotfix/",
				BaseBranch:      "production",
				MergeTarget:     "production",
				ProtectionLevel: "critical",
				ReviewRequired:  true,
			},
			"refactor": {
				Prefix:          "refactor/",
				BaseBranch:      "development",
				MergeTarget:     "integration",
				ProtectionLevel: "medium",
				ReviewRequired:  true,
			},
			"test_unit": {
				Prefix:           "test/",
				BaseBranch:       "development",
				MergeTarget:      "development",
				ProtectionLevel:  "low",
				AutoMergeDefault: true,
			},
			"docs": {
				Prefix:           "docs/",
				BaseBranch:       "development",
				MergeTarget:      "development",
				ProtectionLevel:  "low",
				AutoMergeDefault: true,
			},
		},
		Policy: PolicyConfig{
			ConfidenceThreshold: 0.8,
		},
		Git: GitConfig{
			CommandTimeout: 30 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 500 * time.Millisecond,
		},
		GitHub: GitHubConfig{
			Enabled: true,
		},
		Audit: AuditConfig{
			DBPath:       "branchflow.db",
			WriteTimeout: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if c.Branches.Production == "" || c.Branches.Integration == "" || c.Branches.Development == "" {
		return fmt.Errorf("branches.production, branches.integration and branches.development must all be set")
	}
	if c.Policy.ConfidenceThreshold < 0 || c.Policy.ConfidenceThreshold > 1 {
		return fmt.Errorf("policy.confidence_threshold must be in [0, 1], got %v", c.Policy.ConfidenceThreshold)
	}
	if c.Git.MaxRetries < 0 {
		return fmt.Errorf("git.max_retries must not be negative")
	}
	if c.Git.CommandTimeout <= 0 {
		return fmt.Errorf("git.command_timeout must be positive")
	}
	if c.Audit.WriteTimeout <= 0 {
		return fmt.Errorf("audit.write_timeout must be positive")
	}
	return nil
}

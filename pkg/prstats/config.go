package prstats

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the engine's configuration surface. Values come from a YAML
// file, environment variables, or both; unset fields fall back to the
// tagged defaults.
type Config struct {
	// Token authenticates against the GitHub API.
	Token string `yaml:"token" env:"GITHUB_TOKEN"`

	// Concurrency is the worker pool size. Kept small by default to
	// respect the shared rate-limit budget.
	Concurrency int `yaml:"concurrency" env:"PRSTATS_CONCURRENCY" env-default:"8"`

	// SafetyMargin is the remaining-quota threshold below which the
	// governor suspends callers until the quota resets.
	SafetyMargin int `yaml:"rate_limit_safety_margin" env:"PRSTATS_SAFETY_MARGIN" env-default:"50"`

	// MaxRetries bounds per-page retry attempts.
	MaxRetries uint `yaml:"max_retries" env:"PRSTATS_MAX_RETRIES" env-default:"6"`

	// BackoffBase and BackoffCap shape the exponential backoff between
	// retry attempts.
	BackoffBase time.Duration `yaml:"backoff_base" env:"PRSTATS_BACKOFF_BASE" env-default:"1s"`
	BackoffCap  time.Duration `yaml:"backoff_cap" env:"PRSTATS_BACKOFF_CAP" env-default:"2m"`

	// CheckpointDir overrides where incremental sync state is persisted.
	CheckpointDir string `yaml:"checkpoint_dir" env:"PRSTATS_CHECKPOINT_DIR"`

	// Force refetches everything, ignoring stored cursors and frozen
	// records.
	Force bool `yaml:"force" env:"PRSTATS_FORCE"`

	// NoCheckpoint disables sync-state persistence entirely: every run
	// fetches from scratch and nothing is written to disk.
	NoCheckpoint bool `yaml:"no_checkpoint" env:"PRSTATS_NO_CHECKPOINT"`

	// Filters restrict which pull requests are synced. They are applied
	// on the listing, before any per-PR detail fetches are issued.
	Filters Filters `yaml:"filters"`
}

// Filters are the predicates applied to listed pull requests.
type Filters struct {
	From   time.Time `yaml:"from" env:"PRSTATS_FILTER_FROM"`
	To     time.Time `yaml:"to" env:"PRSTATS_FILTER_TO"`
	Author string    `yaml:"author" env:"PRSTATS_FILTER_AUTHOR"`
	Branch string    `yaml:"branch" env:"PRSTATS_FILTER_BRANCH"`
	State  string    `yaml:"state" env:"PRSTATS_FILTER_STATE"`
	Labels []string  `yaml:"labels" env:"PRSTATS_FILTER_LABELS"`
}

// LoadConfig reads configuration from the given YAML file plus the
// environment. With an empty path only the environment is read.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("reading config from environment: %w", err)
		}
	}
	return &cfg, nil
}

// applyDefaults fills zero values for configs constructed in code rather
// than through LoadConfig.
func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 6
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 2 * time.Minute
	}
}

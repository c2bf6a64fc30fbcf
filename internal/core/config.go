package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/comfyq/comfyq/internal/sched"
	"github.com/comfyq/comfyq/internal/vast"
)

// ComfyConfig describes how to reach (and, if needed, launch) the backend.
type ComfyConfig struct {
	BaseURL   string   `yaml:"base_url"`
	Dir       string   `yaml:"dir"`
	Host      string   `yaml:"host"`
	Port      int      `yaml:"port"`
	StartArgs []string `yaml:"start_args"`
}

// SchedulerConfig is the YAML surface for scheduler tuning. Unset values
// fall through to the built-in defaults; retry_budget is a pointer so an
// explicit 0 (no retries) stays distinguishable from unset.
type SchedulerConfig struct {
	Concurrency            int     `yaml:"concurrency"`
	PollIntervalSeconds    float64 `yaml:"poll_interval_seconds"`
	RetryBudget            *int    `yaml:"retry_budget"`
	UnknownTimeoutSeconds  float64 `yaml:"unknown_timeout_seconds"`
	StaleNoChangeThreshold int     `yaml:"stale_no_change_threshold"`
	StaleElapsedSeconds    float64 `yaml:"stale_elapsed_seconds"`
	HardAgeCeilingSeconds  float64 `yaml:"hard_age_ceiling_seconds"`
}

// SourceConfig describes the local batch layout feeding the run. A positive
// chunk_size splits each batch into per-chunk tasks of at most that many
// images instead of one task per batch.
type SourceConfig struct {
	Root      string   `yaml:"root"`
	Subdirs   []string `yaml:"subdirs"`
	ChunkSize int      `yaml:"chunk_size"`
}

// WorkflowConfig names the workflow file and the per-node input patches
// applied before submission. When sink_from names a node, a save node wired
// to it is appended to workflows that lack one, so results always land in
// the history store's outputs.
type WorkflowConfig struct {
	File     string         `yaml:"file"`
	Mappings map[string]any `yaml:"mappings"`
	SinkFrom string         `yaml:"sink_from"`
}

// VastConfig holds instance rental settings. The API key is normally
// supplied via secrets.env or VAST_API_KEY rather than YAML.
type VastConfig struct {
	APIKey string              `yaml:"api_key"`
	Search vast.SearchCriteria `yaml:"search"`
	Image  string              `yaml:"image"`
	DiskGB float64             `yaml:"disk_gb"`
	Label  string              `yaml:"label"`
}

// SSHConfig holds key material paths for instance access.
type SSHConfig struct {
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	User       string `yaml:"user"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type Config struct {
	Comfy     ComfyConfig     `yaml:"comfy"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Source    SourceConfig    `yaml:"source"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Vast      VastConfig      `yaml:"vast"`
	SSH       SSHConfig       `yaml:"ssh"`
	Store     StoreConfig     `yaml:"store"`
}

// SchedulerSettings converts the YAML surface into scheduler settings.
// Zero values pass through to the scheduler's own defaulting, except the
// retry budget: the scheduler treats zero as policy, so the default is
// applied here when the field was left unset.
func (c Config) SchedulerSettings() sched.Config {
	s := c.Scheduler
	budget := sched.DefaultConfig().RetryBudget
	if s.RetryBudget != nil {
		budget = *s.RetryBudget
	}
	return sched.Config{
		Concurrency:    s.Concurrency,
		PollInterval:   secondsToDuration(s.PollIntervalSeconds),
		RetryBudget:    budget,
		UnknownTimeout: secondsToDuration(s.UnknownTimeoutSeconds),
		StaleThreshold: s.StaleNoChangeThreshold,
		StaleElapsed:   secondsToDuration(s.StaleElapsedSeconds),
		HardAgeCeiling: secondsToDuration(s.HardAgeCeilingSeconds),
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// BaseURL returns the configured endpoint, deriving it from host/port when
// base_url is not set.
func (c ComfyConfig) ResolveBaseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 8188
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/comfyq/config.yaml or ~/.config/comfyq/config.yaml.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = filepath.Join(configDir(), "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	// Merge secrets from secrets.env if present to avoid storing keys in YAML
	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("VAST_API_KEY"); v != "" {
		secrets["VAST_API_KEY"] = v
	}
	if k, ok := secrets["VAST_API_KEY"]; ok && k != "" {
		cfg.Vast.APIKey = k
	}
	return cfg, nil
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "comfyq")
}

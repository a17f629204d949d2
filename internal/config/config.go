package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

func lookupEnv(name string) (string, bool) {
	return os.LookupEnv(name)
}

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Redis      RedisConfig      `koanf:"redis"`
	Registry   RegistryConfig   `koanf:"registry"`
	Run        RunConfig        `koanf:"run"`
	Workspace  WorkspaceConfig  `koanf:"workspace"`
	CLI        CLIConfig        `koanf:"cli"`
	Git        GitConfig        `koanf:"git"`
	Encryption EncryptionConfig `koanf:"encryption"`
	MCP        MCPConfig        `koanf:"mcp"`
	Webhooks   WebhookConfig    `koanf:"webhooks"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Tracing    TracingConfig    `koanf:"tracing"`
	Logging    LoggingConfig    `koanf:"logging"`
}

type ServerConfig struct {
	Port      int    `koanf:"port"`
	AuthToken string `koanf:"auth_token"`
}

type RedisConfig struct {
	URL      string `koanf:"url"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// RegistryConfig configures the durable run store (C5).
type RegistryConfig struct {
	DSN string `koanf:"dsn"`
}

// RunConfig configures the orchestrator's run lifecycle knobs (C4/C6/C8).
type RunConfig struct {
	MaxConcurrent       int  `koanf:"max_concurrent"`
	DefaultTimeoutSec   int  `koanf:"default_timeout_sec"`
	MaxTimeoutSec       int  `koanf:"max_timeout_sec"`
	InactivityTimeoutSec int `koanf:"inactivity_timeout_sec"`
	StuckThresholdSec   int  `koanf:"stuck_threshold_sec"`
	ReaperIntervalSec   int  `koanf:"reaper_interval_sec"`
	AutoCommitEnabled   bool `koanf:"auto_commit_enabled"`
	InjectAcquireTimeoutSec int `koanf:"inject_acquire_timeout_sec"`
}

// WorkspaceConfig configures the worktree-based allocator (C3).
type WorkspaceConfig struct {
	Root                    string `koanf:"root"`
	BaseRepoPath            string `koanf:"base_repo_path"`
	DiskWarningThresholdGB  int    `koanf:"disk_warning_threshold_gb"`
	DiskCriticalThresholdGB int    `koanf:"disk_critical_threshold_gb"`
}

type CLIConfig struct {
	Default    string           `koanf:"default"`
	ClaudeCode ClaudeCodeConfig `koanf:"claude_code"`
}

type ClaudeCodeConfig struct {
	Path         string `koanf:"path"`
	Version      string `koanf:"version"`
	DefaultModel string `koanf:"default_model"`
	APIKey       string `koanf:"api_key"`
}

type GitConfig struct {
	BranchPrefix    string            `koanf:"branch_prefix"`
	CommitAuthor    string            `koanf:"commit_author"`
	CommitEmail     string            `koanf:"commit_email"`
	ProviderDomains map[string]string `koanf:"provider_domains"`
}

type EncryptionConfig struct {
	Key string `koanf:"key"`
}

type MCPConfig struct {
	GlobalServers []interface{} `koanf:"global_servers"`
}

type WebhookConfig struct {
	HMACSecret string        `koanf:"hmac_secret"`
	RetryCount int           `koanf:"retry_count"`
	RetryDelay time.Duration `koanf:"retry_delay"`
}

type RateLimitConfig struct {
	Enabled         bool `koanf:"enabled"`
	RunsPerMinute   int  `koanf:"runs_per_minute"`
}

type TracingConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Exporter     string  `koanf:"exporter"`
	Endpoint     string  `koanf:"endpoint"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Defaults returns a Config with sensible default values, matching the
// env vars named in SPEC_FULL §6 (MAX_CONCURRENT_RUNS, RUN_DEFAULT_TIMEOUT_SEC,
// INACTIVITY_TIMEOUT_SEC, STUCK_THRESHOLD_SEC, WORKSPACE_ROOT, AUTO_COMMIT_ENABLED).
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Redis: RedisConfig{
			DB:     0,
			Prefix: "workflowd:",
		},
		Registry: RegistryConfig{
			DSN: "file:/data/workflowd/registry.db?_pragma=journal_mode(WAL)",
		},
		Run: RunConfig{
			MaxConcurrent:           16,
			DefaultTimeoutSec:       7200,
			MaxTimeoutSec:           14400,
			InactivityTimeoutSec:    600,
			StuckThresholdSec:       1800,
			ReaperIntervalSec:       60,
			AutoCommitEnabled:       false,
			InjectAcquireTimeoutSec: 5,
		},
		Workspace: WorkspaceConfig{
			Root:                    "/data/workspaces",
			BaseRepoPath:            "/data/workflowd-repo",
			DiskWarningThresholdGB:  10,
			DiskCriticalThresholdGB: 20,
		},
		CLI: CLIConfig{
			Default: "claude-code",
			ClaudeCode: ClaudeCodeConfig{
				Path:         "claude",
				DefaultModel: "claude-sonnet-4-20250514",
			},
		},
		Git: GitConfig{
			BranchPrefix:    "workflowd/",
			CommitAuthor:    "Workflowd Bot",
			CommitEmail:     "workflowd@noreply",
			ProviderDomains: map[string]string{},
		},
		Webhooks: WebhookConfig{
			RetryCount: 3,
			RetryDelay: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RunsPerMinute: 10,
		},
		Tracing: TracingConfig{
			Exporter:     "otlp",
			SamplingRate: 0.1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from YAML file + environment variables.
// Loading order: defaults → YAML file → env vars (later overrides earlier).
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	cfg := Defaults()

	// Load YAML file (optional — may not exist)
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			// Only fail if the file was explicitly specified and can't be read
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	} else {
		// Try default path, ignore if not found
		_ = k.Load(file.Provider("workflowd.yaml"), yaml.Parser())
	}

	// Load environment variables.
	// ORCH_SERVER__AUTH_TOKEN → server.auth_token
	// Double underscore (__) separates nesting levels.
	// Single underscore within a level is preserved (e.g., auth_token).
	err := k.Load(env.Provider("ORCH_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "ORCH_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyLegacyEnvAliases(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyLegacyEnvAliases honors the flat env var names enumerated in
// SPEC_FULL §6 alongside the ORCH_* layered form, so a deployment can set
// just MAX_CONCURRENT_RUNS without adopting the full nesting scheme.
func applyLegacyEnvAliases(cfg *Config) {
	alias := func(name string) (string, bool) {
		v, ok := lookupEnv(name)
		return v, ok
	}
	if v, ok := alias("MAX_CONCURRENT_RUNS"); ok {
		fmt.Sscanf(v, "%d", &cfg.Run.MaxConcurrent)
	}
	if v, ok := alias("RUN_DEFAULT_TIMEOUT_SEC"); ok {
		fmt.Sscanf(v, "%d", &cfg.Run.DefaultTimeoutSec)
	}
	if v, ok := alias("INACTIVITY_TIMEOUT_SEC"); ok {
		fmt.Sscanf(v, "%d", &cfg.Run.InactivityTimeoutSec)
	}
	if v, ok := alias("STUCK_THRESHOLD_SEC"); ok {
		fmt.Sscanf(v, "%d", &cfg.Run.StuckThresholdSec)
	}
	if v, ok := alias("WORKSPACE_ROOT"); ok && v != "" {
		cfg.Workspace.Root = v
	}
	if v, ok := alias("AUTO_COMMIT_ENABLED"); ok {
		cfg.Run.AutoCommitEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := alias("ANTHROPIC_API_KEY"); ok && v != "" {
		cfg.CLI.ClaudeCode.APIKey = v
	}
}

func validate(cfg *Config) error {
	if cfg.Redis.URL == "" {
		return fmt.Errorf("config: redis.url is required (set ORCH_REDIS__URL)")
	}
	if cfg.Server.AuthToken == "" {
		return fmt.Errorf("config: server.auth_token is required (set ORCH_SERVER__AUTH_TOKEN)")
	}
	if cfg.Encryption.Key == "" {
		return fmt.Errorf("config: encryption.key is required (set ORCH_ENCRYPTION__KEY)")
	}
	if cfg.Registry.DSN == "" {
		return fmt.Errorf("config: registry.dsn is required (set ORCH_REGISTRY__DSN)")
	}
	return nil
}

// Package config loads orchestrator configuration from defaults, an
// openswe.toml file, and OPENSWE_* environment variables (env wins).
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	openswe "github.com/openswe/openswe"
)

type Config struct {
	App      AppConfig              `toml:"app"`
	Server   ServerConfig           `toml:"server"`
	Store    StoreConfig            `toml:"store"`
	Sandbox  SandboxConfig          `toml:"sandbox"`
	GitHub   GitHubConfig           `toml:"github"`
	Runtime  RuntimeConfig          `toml:"runtime"`
	Models   map[string]ModelConfig `toml:"models"`
	Chains   ChainsConfig           `toml:"chains"`
	Observer ObserverConfig         `toml:"observer"`
}

// AppConfig identifies the bot on the source-control host.
type AppConfig struct {
	ID                   string `toml:"id"`
	Name                 string `toml:"name"`
	PrivateKey           string `toml:"private_key"`      // PEM inline
	PrivateKeyPath       string `toml:"private_key_path"` // or a file
	URL                  string `toml:"url"`
	SecretsEncryptionKey string `toml:"secrets_encryption_key"`
}

type ServerConfig struct {
	Addr         string   `toml:"addr"`
	BearerTokens []string `toml:"bearer_tokens"`
}

type StoreConfig struct {
	Backend     string `toml:"backend"` // "sqlite" or "postgres"
	Path        string `toml:"path"`    // sqlite file
	PostgresURL string `toml:"postgres_url"`
}

type SandboxConfig struct {
	Provider          string `toml:"provider"` // "docker" or "local"
	SnapshotName      string `toml:"snapshot_name"`
	IdleDeleteMinutes int    `toml:"idle_delete_minutes"`
	LocalRoot         string `toml:"local_root"`
}

type GitHubConfig struct {
	PAT            string `toml:"pat"`
	InstallationID int64  `toml:"installation_id"`
	BaseURL        string `toml:"base_url"` // "" = api.github.com
}

type RuntimeConfig struct {
	LocalMode          bool     `toml:"local_mode"`
	Production         bool     `toml:"production"`
	SkipCI             bool     `toml:"skip_ci"`
	MaxInternalTokens  int      `toml:"max_internal_tokens"`
	RecursionLimit     int      `toml:"recursion_limit"`
	ToolTimeoutSeconds int      `toml:"tool_timeout_seconds"`
	WriteCommands      []string `toml:"write_commands"`
}

// ModelConfig describes one model the router can serve, keyed by the section
// name under [models].
type ModelConfig struct {
	Provider    string   `toml:"provider"`
	Model       string   `toml:"model"`
	APIKey      string   `toml:"api_key"`
	BaseURL     string   `toml:"base_url"`
	Temperature *float64 `toml:"temperature"`
	MaxTokens   int      `toml:"max_tokens"`
}

// ChainsConfig maps each task class to its ordered model-key fallback chain.
// The *_max variants serve runs triggered with a "-max" label; a class
// without one keeps its regular chain for those runs.
type ChainsConfig struct {
	Router     []string `toml:"router"`
	Summarizer []string `toml:"summarizer"`
	Planner    []string `toml:"planner"`
	Programmer []string `toml:"programmer"`
	Reviewer   []string `toml:"reviewer"`
	Safety     []string `toml:"safety"`

	PlannerMax    []string `toml:"planner_max"`
	ProgrammerMax []string `toml:"programmer_max"`
	ReviewerMax   []string `toml:"reviewer_max"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		App:    AppConfig{Name: "open-swe"},
		Server: ServerConfig{Addr: ":8080"},
		Store:  StoreConfig{Backend: "sqlite", Path: "openswe.db"},
		Sandbox: SandboxConfig{
			Provider:          "docker",
			IdleDeleteMinutes: 15,
		},
		Runtime: RuntimeConfig{
			WriteCommands: []string{"shell", "install_dependencies", "apply_patch", "str_replace_based_edit_tool"},
		},
		Chains: ChainsConfig{
			Router:     []string{"fast"},
			Summarizer: []string{"fast"},
			Planner:    []string{"primary", "fast"},
			Programmer: []string{"primary", "fast"},
			Reviewer:   []string{"primary", "fast"},
			Safety:     []string{"fast"},
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "openswe.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("OPENSWE_APP_ID"); v != "" {
		cfg.App.ID = v
	}
	if v := os.Getenv("OPENSWE_APP_PRIVATE_KEY"); v != "" {
		cfg.App.PrivateKey = v
	}
	if v := os.Getenv("OPENSWE_SECRETS_ENCRYPTION_KEY"); v != "" {
		cfg.App.SecretsEncryptionKey = v
	}
	if v := os.Getenv("OPENSWE_GITHUB_PAT"); v != "" {
		cfg.GitHub.PAT = v
	}
	if v := os.Getenv("OPENSWE_POSTGRES_URL"); v != "" {
		cfg.Store.PostgresURL = v
		cfg.Store.Backend = "postgres"
	}
	if v := os.Getenv("OPENSWE_API_KEY"); v != "" {
		for key, m := range cfg.Models {
			if m.APIKey == "" {
				m.APIKey = v
				cfg.Models[key] = m
			}
		}
	}
	if isTruthy(os.Getenv("OPENSWE_LOCAL_MODE")) {
		cfg.Runtime.LocalMode = true
	}
	if isTruthy(os.Getenv("OPENSWE_PRODUCTION")) {
		cfg.Runtime.Production = true
	}
	if isTruthy(os.Getenv("OPENSWE_OBSERVER_ENABLED")) {
		cfg.Observer.Enabled = true
	}

	// App key can live in a file referenced by the TOML.
	if cfg.App.PrivateKey == "" && cfg.App.PrivateKeyPath != "" {
		if data, err := os.ReadFile(cfg.App.PrivateKeyPath); err == nil {
			cfg.App.PrivateKey = string(data)
		}
	}

	return cfg
}

func isTruthy(v string) bool { return v == "true" || v == "1" }

// Orchestrator converts the loaded file into the runtime openswe.Config
// handed to Services.
func (c Config) Orchestrator() openswe.Config {
	return openswe.Config{
		AppID:                c.App.ID,
		AppName:              c.App.Name,
		AppPrivateKey:        c.App.PrivateKey,
		AppURL:               c.App.URL,
		SecretsEncryptionKey: c.App.SecretsEncryptionKey,
		SandboxSnapshotName:  c.Sandbox.SnapshotName,
		SandboxIdleDelete:    time.Duration(c.Sandbox.IdleDeleteMinutes) * time.Minute,
		LocalMode:            c.Runtime.LocalMode,
		Production:           c.Runtime.Production,
		SkipCI:               c.Runtime.SkipCI,
		BearerTokens:         c.Server.BearerTokens,
		MaxInternalTokens:    c.Runtime.MaxInternalTokens,
		RecursionLimit:       c.Runtime.RecursionLimit,
		ToolTimeout:          time.Duration(c.Runtime.ToolTimeoutSeconds) * time.Second,
		WriteCommands:        c.Runtime.WriteCommands,
	}
}

// ChainFor returns the configured fallback chain for a task class.
func (c Config) ChainFor(class openswe.TaskClass) []string {
	switch class {
	case openswe.ClassRouter:
		return c.Chains.Router
	case openswe.ClassSummarizer:
		return c.Chains.Summarizer
	case openswe.ClassPlanner:
		return c.Chains.Planner
	case openswe.ClassProgrammer:
		return c.Chains.Programmer
	case openswe.ClassReviewer:
		return c.Chains.Reviewer
	case openswe.ClassSafety:
		return c.Chains.Safety
	default:
		return nil
	}
}

// MaxChainFor returns the max-capability chain for a task class, or nil when
// the class has none configured.
func (c Config) MaxChainFor(class openswe.TaskClass) []string {
	switch class {
	case openswe.ClassPlanner:
		return c.Chains.PlannerMax
	case openswe.ClassProgrammer:
		return c.Chains.ProgrammerMax
	case openswe.ClassReviewer:
		return c.Chains.ReviewerMax
	default:
		return nil
	}
}

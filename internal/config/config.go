package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for codeagent.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Providers map[string]ProviderConfig `json:"providers"`
	Sandbox   SandboxConfig             `json:"sandbox"`
	Tools     ToolsConfig               `json:"tools"`
	Security  SecurityConfig            `json:"security"`
	Audit     AuditConfig               `json:"audit"`
}

type GeneralConfig struct {
	Workspace         string `json:"workspace"` // confinement root for every tool call
	LogLevel          string `json:"logLevel"`
	Verbose           bool   `json:"verbose"`
	DefaultProvider   string `json:"defaultProvider"`
	MaxTokens         int    `json:"maxTokens,omitempty"`
	SystemPromptExtra string `json:"systemPromptExtra,omitempty"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	APIKeyEnv    string `json:"apiKeyEnv,omitempty"` // read when apiKey is empty
	DefaultModel string `json:"defaultModel,omitempty"`
}

// ResolvedAPIKey returns the literal key, falling back to the configured env var.
func (p ProviderConfig) ResolvedAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

type SandboxConfig struct {
	Mode      string          `json:"mode"` // "strict" | "prefix"
	Container ContainerConfig `json:"container"`
}

// ContainerConfig runs scripts inside a throwaway Docker container with the
// workspace mounted at /workspace and no network.
type ContainerConfig struct {
	Enabled bool   `json:"enabled"`
	Image   string `json:"image,omitempty"`
	Memory  string `json:"memory,omitempty"` // e.g. "256m"
	CPUs    string `json:"cpus,omitempty"`   // e.g. "0.5"
}

type ToolsConfig struct {
	MaxReadChars   int                 `json:"maxReadChars"`
	ScriptTimeout  int                 `json:"scriptTimeout"` // seconds
	MaxOutputBytes int                 `json:"maxOutputBytes"`
	Interpreters   []InterpreterConfig `json:"interpreters"`
}

// InterpreterConfig allows scripts with Extension to run via Command.
type InterpreterConfig struct {
	Extension string   `json:"extension"`
	Command   []string `json:"command"`
	Language  string   `json:"language,omitempty"`
}

type SecurityConfig struct {
	DefaultPolicy   string   `json:"defaultPolicy"` // "allow" | "deny" | "ask"
	Blacklist       []string `json:"blacklist"`
	Whitelist       []string `json:"whitelist"`
	ConfirmPatterns []string `json:"confirmPatterns"`
	ConfirmTools    []string `json:"confirmTools,omitempty"` // tools that always ask
	AuditLog        bool     `json:"auditLog"`
}

type AuditConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

// DefaultConfigDir returns the default config directory (~/.codeagent).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codeagent"
	}
	return filepath.Join(home, ".codeagent")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.ExpandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ExpandPaths resolves ~/ in the path-valued settings.
func (c *Config) ExpandPaths() {
	c.General.Workspace = ExpandPath(c.General.Workspace)
	c.Audit.DBPath = ExpandPath(c.Audit.DBPath)
}

// yamlToJSON re-encodes YAML so the json tags stay the single source of field names.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.General.Workspace) == "" {
		errs = append(errs, "general.workspace must not be empty")
	}
	if _, err := ParseLogLevel(cfg.General.LogLevel); err != nil {
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxTokens < 0 {
		errs = append(errs, "general.maxTokens must be >= 0")
	}

	switch cfg.Sandbox.Mode {
	case "", "strict", "prefix":
		// valid
	default:
		errs = append(errs, "sandbox.mode must be one of: strict, prefix")
	}
	if cc := cfg.Sandbox.Container; cc.Enabled {
		if strings.TrimSpace(cc.Image) == "" {
			errs = append(errs, "sandbox.container.image is required when the container is enabled")
		}
		if cc.Memory != "" {
			if n, err := units.RAMInBytes(cc.Memory); err != nil || n <= 0 {
				errs = append(errs, "sandbox.container.memory must be a size such as 256m")
			}
		}
		if cc.CPUs != "" {
			if n, err := strconv.ParseFloat(cc.CPUs, 64); err != nil || n <= 0 {
				errs = append(errs, "sandbox.container.cpus must be a positive number")
			}
		}
	}

	if cfg.Tools.MaxReadChars < 1 {
		errs = append(errs, "tools.maxReadChars must be >= 1")
	}
	if cfg.Tools.ScriptTimeout < 1 || cfg.Tools.ScriptTimeout > 3600 {
		errs = append(errs, "tools.scriptTimeout must be between 1 and 3600")
	}
	if cfg.Tools.MaxOutputBytes < 0 {
		errs = append(errs, "tools.maxOutputBytes must be >= 0")
	}
	if len(cfg.Tools.Interpreters) == 0 {
		errs = append(errs, "tools.interpreters must list at least one interpreter")
	}
	for i, in := range cfg.Tools.Interpreters {
		if !strings.HasPrefix(in.Extension, ".") || len(in.Extension) < 2 {
			errs = append(errs, fmt.Sprintf("tools.interpreters[%d].extension must start with '.'", i))
		}
		if len(in.Command) == 0 || strings.TrimSpace(in.Command[0]) == "" {
			errs = append(errs, fmt.Sprintf("tools.interpreters[%d].command must not be empty", i))
		}
	}

	switch cfg.Security.DefaultPolicy {
	case "allow", "deny", "ask":
		// valid
	default:
		errs = append(errs, "security.defaultPolicy must be one of: allow, deny, ask")
	}

	if cfg.Audit.Enabled && cfg.Audit.DBPath == "" {
		errs = append(errs, "audit.dbPath is required when audit is enabled")
	}

	if cfg.General.DefaultProvider != "" {
		if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
			errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
		}
	}
	for name, pc := range cfg.Providers {
		if pc.Enabled && pc.APIBase == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParseLogLevel maps a config level name to a slog level. Empty means info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

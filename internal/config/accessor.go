package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/docker/go-units"
)

// setting is one addressable leaf of Config, read and written with its own type.
type setting struct {
	get func(c *Config) any
	set func(c *Config, raw string) error
}

var settings = map[string]setting{
	"general.workspace":         stringSetting(func(c *Config) *string { return &c.General.Workspace }, nonEmpty),
	"general.logLevel":          stringSetting(func(c *Config) *string { return &c.General.LogLevel }, logLevel),
	"general.verbose":           boolSetting(func(c *Config) *bool { return &c.General.Verbose }),
	"general.defaultProvider":   stringSetting(func(c *Config) *string { return &c.General.DefaultProvider }, nil),
	"general.maxTokens":         intSetting(func(c *Config) *int { return &c.General.MaxTokens }, 0, 1<<20),
	"general.systemPromptExtra": stringSetting(func(c *Config) *string { return &c.General.SystemPromptExtra }, nil),

	"sandbox.mode":              stringSetting(func(c *Config) *string { return &c.Sandbox.Mode }, oneOf("strict", "prefix")),
	"sandbox.container.enabled": boolSetting(func(c *Config) *bool { return &c.Sandbox.Container.Enabled }),
	"sandbox.container.image":   stringSetting(func(c *Config) *string { return &c.Sandbox.Container.Image }, nonEmpty),
	"sandbox.container.memory":  stringSetting(func(c *Config) *string { return &c.Sandbox.Container.Memory }, memorySize),
	"sandbox.container.cpus":    stringSetting(func(c *Config) *string { return &c.Sandbox.Container.CPUs }, cpuCount),

	"tools.maxReadChars":   intSetting(func(c *Config) *int { return &c.Tools.MaxReadChars }, 1, 1<<30),
	"tools.scriptTimeout":  intSetting(func(c *Config) *int { return &c.Tools.ScriptTimeout }, 1, 3600),
	"tools.maxOutputBytes": intSetting(func(c *Config) *int { return &c.Tools.MaxOutputBytes }, 0, 1<<30),
	"tools.interpreters":   {get: func(c *Config) any { return c.Tools.Interpreters }, set: setInterpreters},

	"security.defaultPolicy":   stringSetting(func(c *Config) *string { return &c.Security.DefaultPolicy }, oneOf("allow", "deny", "ask")),
	"security.blacklist":       listSetting(func(c *Config) *[]string { return &c.Security.Blacklist }),
	"security.whitelist":       listSetting(func(c *Config) *[]string { return &c.Security.Whitelist }),
	"security.confirmPatterns": listSetting(func(c *Config) *[]string { return &c.Security.ConfirmPatterns }),
	"security.confirmTools":    listSetting(func(c *Config) *[]string { return &c.Security.ConfirmTools }),
	"security.auditLog":        boolSetting(func(c *Config) *bool { return &c.Security.AuditLog }),

	"audit.enabled": boolSetting(func(c *Config) *bool { return &c.Audit.Enabled }),
	"audit.dbPath":  stringSetting(func(c *Config) *string { return &c.Audit.DBPath }, nonEmpty),
}

// providerFields are addressed as providers.<name>.<field>.
var providerFields = map[string]func(p *ProviderConfig) any{
	"enabled":      func(p *ProviderConfig) any { return &p.Enabled },
	"apiBase":      func(p *ProviderConfig) any { return &p.APIBase },
	"apiKey":       func(p *ProviderConfig) any { return &p.APIKey },
	"apiKeyEnv":    func(p *ProviderConfig) any { return &p.APIKeyEnv },
	"defaultModel": func(p *ProviderConfig) any { return &p.DefaultModel },
}

// GetByPath returns the value at a dot path such as "tools.scriptTimeout".
// A section path such as "sandbox" returns its leaves keyed by full path.
func GetByPath(cfg *Config, path string) (any, error) {
	if s, ok := lookup(cfg, path); ok {
		return s.get(cfg), nil
	}
	section := make(map[string]any)
	for p, v := range ListPaths(cfg) {
		if strings.HasPrefix(p, path+".") {
			section[p] = v
		}
	}
	if len(section) == 0 {
		return nil, fmt.Errorf("key not found: %s", path)
	}
	return section, nil
}

// SetByPath parses raw for the field at path and stores it. The config is
// left untouched when raw does not fit the field.
func SetByPath(cfg *Config, path, raw string) error {
	s, ok := lookup(cfg, path)
	if !ok {
		if name, field, isProvider := splitProviderPath(path); isProvider && providerFields[field] != nil {
			if cfg.Providers == nil {
				cfg.Providers = make(map[string]ProviderConfig)
			}
			cfg.Providers[name] = ProviderConfig{}
			if s, ok = lookup(cfg, path); ok {
				if err := s.set(cfg, raw); err != nil {
					delete(cfg.Providers, name)
					return err
				}
				return nil
			}
		}
		return fmt.Errorf("unknown config path: %s", path)
	}
	return s.set(cfg, raw)
}

// ListPaths returns every settable path with its current value.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any, len(settings)+len(cfg.Providers)*len(providerFields))
	for p, s := range settings {
		out[p] = s.get(cfg)
	}
	for name := range cfg.Providers {
		for field := range providerFields {
			p := "providers." + name + "." + field
			if s, ok := lookup(cfg, p); ok {
				out[p] = s.get(cfg)
			}
		}
	}
	return out
}

// Sanitize returns a copy safe to print: literal API keys are masked and
// keys taken from the environment are reported by variable name only.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		if p.APIKey != "" {
			p.APIKey = maskString(p.APIKey)
		}
		out.Providers[name] = p
	}
	return &out
}

// maskString keeps the first and last four characters of long secrets.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func lookup(cfg *Config, path string) (setting, bool) {
	if s, ok := settings[path]; ok {
		return s, true
	}
	name, field, ok := splitProviderPath(path)
	if !ok {
		return setting{}, false
	}
	fieldPtr := providerFields[field]
	if fieldPtr == nil {
		return setting{}, false
	}
	if _, exists := cfg.Providers[name]; !exists {
		return setting{}, false
	}
	// Providers live in a map of values, so every access copies out and back.
	withProvider := func(c *Config, fn func(p *ProviderConfig) error) error {
		p := c.Providers[name]
		if err := fn(&p); err != nil {
			return err
		}
		c.Providers[name] = p
		return nil
	}
	return setting{
		get: func(c *Config) any {
			p := c.Providers[name]
			switch v := fieldPtr(&p).(type) {
			case *bool:
				return *v
			case *string:
				return *v
			}
			return nil
		},
		set: func(c *Config, raw string) error {
			return withProvider(c, func(p *ProviderConfig) error {
				switch v := fieldPtr(p).(type) {
				case *bool:
					b, err := parseBool(path, raw)
					if err != nil {
						return err
					}
					*v = b
				case *string:
					*v = raw
				}
				return nil
			})
		},
	}, true
}

func splitProviderPath(path string) (name, field string, ok bool) {
	parts := strings.Split(path, ".")
	if len(parts) != 3 || parts[0] != "providers" || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func stringSetting(field func(c *Config) *string, check func(string) error) setting {
	return setting{
		get: func(c *Config) any { return *field(c) },
		set: func(c *Config, raw string) error {
			if check != nil {
				if err := check(raw); err != nil {
					return err
				}
			}
			*field(c) = raw
			return nil
		},
	}
}

func boolSetting(field func(c *Config) *bool) setting {
	return setting{
		get: func(c *Config) any { return *field(c) },
		set: func(c *Config, raw string) error {
			b, err := parseBool("value", raw)
			if err != nil {
				return err
			}
			*field(c) = b
			return nil
		},
	}
}

func intSetting(field func(c *Config) *int, lo, hi int) setting {
	return setting{
		get: func(c *Config) any { return *field(c) },
		set: func(c *Config, raw string) error {
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("%q is not a whole number", raw)
			}
			if n < lo || n > hi {
				return fmt.Errorf("%d is out of range [%d, %d]", n, lo, hi)
			}
			*field(c) = n
			return nil
		},
	}
}

// listSetting accepts a JSON array or a comma-separated list.
func listSetting(field func(c *Config) *[]string) setting {
	return setting{
		get: func(c *Config) any { return *field(c) },
		set: func(c *Config, raw string) error {
			var items []string
			if strings.HasPrefix(strings.TrimSpace(raw), "[") {
				if err := json.Unmarshal([]byte(raw), &items); err != nil {
					return fmt.Errorf("invalid list: %w", err)
				}
			} else if strings.TrimSpace(raw) != "" {
				for _, item := range strings.Split(raw, ",") {
					if item = strings.TrimSpace(item); item != "" {
						items = append(items, item)
					}
				}
			}
			if err := validPatterns(items); err != nil {
				return err
			}
			*field(c) = items
			return nil
		},
	}
}

// setInterpreters takes the whole table as JSON, e.g.
// [{"extension":".py","command":["python3"]}].
func setInterpreters(c *Config, raw string) error {
	var table []InterpreterConfig
	if err := json.Unmarshal([]byte(raw), &table); err != nil {
		return fmt.Errorf("tools.interpreters must be a JSON array: %w", err)
	}
	if len(table) == 0 {
		return fmt.Errorf("tools.interpreters must list at least one interpreter")
	}
	seen := make(map[string]bool, len(table))
	for i, in := range table {
		if !strings.HasPrefix(in.Extension, ".") || len(in.Extension) < 2 {
			return fmt.Errorf("interpreter %d: extension must start with '.'", i)
		}
		if len(in.Command) == 0 || strings.TrimSpace(in.Command[0]) == "" {
			return fmt.Errorf("interpreter %d: command must not be empty", i)
		}
		if seen[in.Extension] {
			return fmt.Errorf("interpreter %d: duplicate extension %s", i, in.Extension)
		}
		seen[in.Extension] = true
	}
	c.Tools.Interpreters = table
	return nil
}

func parseBool(name, raw string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("%s must be true or false, got %q", name, raw)
	}
	return b, nil
}

func nonEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("value must not be empty")
	}
	return nil
}

func logLevel(s string) error {
	_, err := ParseLogLevel(s)
	return err
}

func oneOf(allowed ...string) func(string) error {
	return func(s string) error {
		if !slices.Contains(allowed, s) {
			return fmt.Errorf("%q must be one of: %s", s, strings.Join(allowed, ", "))
		}
		return nil
	}
}

func memorySize(s string) error {
	if n, err := units.RAMInBytes(s); err != nil || n <= 0 {
		return fmt.Errorf("%q is not a memory size such as 256m", s)
	}
	return nil
}

func cpuCount(s string) error {
	if n, err := strconv.ParseFloat(s, 64); err != nil || n <= 0 {
		return fmt.Errorf("%q is not a positive CPU count", s)
	}
	return nil
}

// validPatterns rejects entries that look like regular expressions but do not compile.
func validPatterns(items []string) error {
	for _, p := range items {
		if !strings.ContainsAny(p, `()[]{}|^$.*+?\`) {
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("pattern %q: %w", p, err)
		}
	}
	return nil
}

// SortedPaths returns the keys of a ListPaths result in order.
func SortedPaths(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}

package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:       "./calculator",
			LogLevel:        "warn",
			DefaultProvider: "gemini",
		},
		Providers: map[string]ProviderConfig{
			"gemini": {
				Enabled:      true,
				APIBase:      "https://generativelanguage.googleapis.com/v1beta/openai",
				APIKeyEnv:    "GEMINI_API_KEY",
				DefaultModel: "gemini-2.0-flash-001",
			},
			"openai": {
				Enabled:      false,
				APIBase:      "https://api.openai.com/v1",
				APIKeyEnv:    "OPENAI_API_KEY",
				DefaultModel: "gpt-4o-mini",
			},
		},
		Sandbox: SandboxConfig{
			Mode: "strict",
			Container: ContainerConfig{
				Image:  "python:3.12-alpine",
				Memory: "256m",
				CPUs:   "0.5",
			},
		},
		Tools: ToolsConfig{
			MaxReadChars:   10000,
			ScriptTimeout:  30,
			MaxOutputBytes: 65536,
			Interpreters: []InterpreterConfig{
				{Extension: ".py", Command: []string{"python3"}, Language: "Python"},
			},
		},
		Security: SecurityConfig{
			DefaultPolicy: "allow",
			Blacklist:     defaultBlacklist(),
			AuditLog:      true,
		},
		Audit: AuditConfig{
			Enabled: true,
			DBPath:  "~/.codeagent/audit.db",
		},
	}
}

// defaultBlacklist keeps secrets and VCS internals away from the model.
func defaultBlacklist() []string {
	return []string{
		`(^|/)\.env(\.[^/]*)?$`,
		`(^|/)\.git(/|$)`,
	}
}

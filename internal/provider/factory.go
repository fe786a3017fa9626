package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"codeagent/internal/config"
	"codeagent/internal/domain"
)

// ProviderConstructor creates a provider from a config entry.
type ProviderConstructor func(name string, pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Provider

// Factory creates and caches LLM providers from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	client       *http.Client
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		client:       SharedHTTPClient(defaultHTTPTimeout),
		constructors: make(map[string]ProviderConstructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds or replaces a provider constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func openAICompatible(name string, pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Provider {
	return NewOpenAI(OpenAIConfig{
		Name:    name,
		APIKey:  pc.ResolvedAPIKey(),
		APIBase: pc.APIBase,
		Model:   pc.DefaultModel,
		Client:  client,
		Logger:  logger,
	})
}

func (f *Factory) registerDefaults() {
	f.constructors["openai"] = openAICompatible
	f.constructors["gemini"] = func(name string, pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Provider {
		if pc.APIBase == "" {
			pc.APIBase = "https://generativelanguage.googleapis.com/v1beta/openai"
		}
		if pc.DefaultModel == "" {
			pc.DefaultModel = "gemini-2.0-flash-001"
		}
		return openAICompatible(name, pc, client, logger)
	}
}

// Get returns the named provider, or the default if name is empty.
// Instances are cached.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	var p domain.Provider
	if ctor, found := f.constructors[name]; found {
		p = ctor(name, pc, f.client, f.logger)
	} else if pc.APIBase != "" && pc.ResolvedAPIKey() != "" {
		// Unknown names are treated as OpenAI-compatible endpoints.
		p = openAICompatible(name, pc, f.client, f.logger)
	} else {
		return nil, fmt.Errorf("provider %s: no constructor registered and no API base/key configured", name)
	}

	f.cache[name] = p
	return p, nil
}

func (f *Factory) DefaultProvider() (domain.Provider, error) {
	return f.Get("")
}

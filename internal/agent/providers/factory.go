package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/backoff"
)

// Settings describes one configured provider. Fields that do not apply to
// the provider's type are ignored.
type Settings struct {
	// Name is the id requests use. Default: Type
	Name string

	// Type selects the implementation: anthropic, openai, claude-cli or codex-cli.
	Type string

	// Hosted providers.
	APIKey            string
	BaseURL           string
	Organization      string
	MaxTokens         int
	MaxRetries        int
	Retry             backoff.Policy
	MaxToolIterations int

	// CLI providers.
	Binary         string
	ExtraArgs      []string
	Env            map[string]string
	KillGrace      time.Duration
	PermissionMode string
	Sandbox        string

	DefaultModel string
	Models       []agent.Model
	IdleTimeout  time.Duration
}

// Shared is the read-only state every provider receives.
type Shared struct {
	Tools   *agent.ToolRegistry
	Paths   agent.PathValidator
	WorkDir string
	Logger  *slog.Logger
}

// New builds the provider s describes.
func New(s Settings, shared Shared) (agent.Provider, error) {
	hosted := HostedConfig{
		DefaultModel:      s.DefaultModel,
		Models:            s.Models,
		MaxRetries:        s.MaxRetries,
		Retry:             s.Retry,
		IdleTimeout:       s.IdleTimeout,
		MaxToolIterations: s.MaxToolIterations,
		Tools:             shared.Tools,
		Paths:             shared.Paths,
		WorkDir:           shared.WorkDir,
		Logger:            shared.Logger,
	}
	cli := CLIConfig{
		Binary:       s.Binary,
		ExtraArgs:    s.ExtraArgs,
		Env:          s.Env,
		DefaultModel: s.DefaultModel,
		Models:       s.Models,
		IdleTimeout:  s.IdleTimeout,
		KillGrace:    s.KillGrace,
		Paths:        shared.Paths,
		WorkDir:      shared.WorkDir,
		Logger:       shared.Logger,
	}

	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case TypeAnthropic:
		return NewAnthropicProvider(AnthropicConfig{
			HostedConfig: hosted,
			APIKey:       s.APIKey,
			BaseURL:      s.BaseURL,
			MaxTokens:    s.MaxTokens,
		}), nil
	case TypeOpenAI:
		return NewOpenAIProvider(OpenAIConfig{
			HostedConfig: hosted,
			APIKey:       s.APIKey,
			BaseURL:      s.BaseURL,
			Organization: s.Organization,
		}), nil
	case TypeClaudeCLI:
		return NewClaudeCLIProvider(ClaudeCLIConfig{CLIConfig: cli, PermissionMode: s.PermissionMode}), nil
	case TypeCodexCLI:
		return NewCodexCLIProvider(CodexCLIConfig{CLIConfig: cli, Sandbox: s.Sandbox}), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", s.Type)
	}
}

// Registry holds the configured providers by name. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	providers   map[string]agent.Provider
	names       []string
	defaultName string
}

// NewRegistry builds every configured provider. defaultName picks the
// provider used when a request names none; empty means the first one.
func NewRegistry(settings []Settings, shared Shared, defaultName string) (*Registry, error) {
	r := &Registry{providers: make(map[string]agent.Provider, len(settings))}
	for _, s := range settings {
		name := s.Name
		if name == "" {
			name = s.Type
		}
		if _, dup := r.providers[name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", name)
		}
		p, err := New(s, shared)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		r.providers[name] = p
		r.names = append(r.names, name)
	}
	if defaultName == "" && len(r.names) > 0 {
		defaultName = r.names[0]
	}
	if defaultName != "" {
		if _, ok := r.providers[defaultName]; !ok {
			return nil, fmt.Errorf("default provider %q is not configured", defaultName)
		}
	}
	r.defaultName = defaultName
	sort.Strings(r.names)
	return r, nil
}

// Get returns the provider registered as name, or the default for "".
func (r *Registry) Get(name string) (agent.Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", agent.ErrProviderUnavailable, name)
	}
	return p, nil
}

// Names lists the configured provider names in order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Default returns the default provider name.
func (r *Registry) Default() string { return r.defaultName }

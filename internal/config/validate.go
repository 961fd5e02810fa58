package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/switchboard/internal/tools"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return "invalid config: " + e.Issues[0]
	}
	return "invalid config:\n  - " + strings.Join(e.Issues, "\n  - ")
}

var providerTypes = map[string]bool{
	"anthropic":  true,
	"openai":     true,
	"claude-cli": true,
	"codex-cli":  true,
}

var (
	claudePermissionModes = map[string]bool{"": true, "default": true, "acceptEdits": true, "bypassPermissions": true, "plan": true}
	codexSandboxes        = map[string]bool{"": true, "read-only": true, "workspace-write": true, "danger-full-access": true}
)

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		add("version: %v", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text, got %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	for _, pattern := range c.Logging.RedactPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			add("logging.redact_patterns: %q: %v", pattern, err)
		}
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path must start with /, got %q", c.Metrics.Path)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1, got %v", c.Tracing.SamplingRate)
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			add("storage.path is required for the sqlite driver")
		}
	default:
		add("storage.driver must be memory or sqlite, got %q", c.Storage.Driver)
	}

	for _, root := range c.Workspace.Roots {
		if strings.TrimSpace(root) == "" {
			add("workspace.roots must not contain empty entries")
		}
	}
	known := make(map[string]bool, len(tools.Names))
	for _, name := range tools.Names {
		known[name] = true
	}
	for _, name := range c.Tools.Enabled {
		if !known[name] {
			add("tools.enabled: unknown tool %q", name)
		}
	}
	if c.Tools.MaxReadBytes < 0 || c.Tools.MaxGlobResults < 0 || c.Tools.MaxGrepMatches < 0 || c.Tools.Shell.MaxOutput < 0 {
		add("tools limits must not be negative")
	}

	if len(c.Providers) == 0 {
		add("providers: at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if !providerTypes[p.Type] {
			add("%s.type must be anthropic, openai, claude-cli or codex-cli, got %q", field, p.Type)
		}
		if seen[p.Name] {
			add("%s.name %q is duplicated", field, p.Name)
		}
		seen[p.Name] = true
		if p.MaxToolIterations < 0 || p.MaxRetries < 0 || p.MaxTokens < 0 {
			add("%s limits must not be negative", field)
		}
		if !claudePermissionModes[p.PermissionMode] {
			add("%s.permission_mode %q is not a Claude Code permission mode", field, p.PermissionMode)
		}
		if !codexSandboxes[p.Sandbox] {
			add("%s.sandbox %q is not a Codex sandbox mode", field, p.Sandbox)
		}
		for j, m := range p.Models {
			if strings.TrimSpace(m.ID) == "" {
				add("%s.models[%d].id is required", field, j)
			}
			if m.ContextWindow < 0 {
				add("%s.models[%d].context_window must not be negative", field, j)
			}
		}
	}
	if c.DefaultProvider != "" && !seen[c.DefaultProvider] {
		add("default_provider %q is not configured", c.DefaultProvider)
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

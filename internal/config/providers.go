package config

import (
	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/agent/providers"
	"github.com/haasonsaas/switchboard/internal/backoff"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/tools/exec"
)

// ProviderSettings converts the configured providers for providers.NewRegistry.
func (c *Config) ProviderSettings() []providers.Settings {
	out := make([]providers.Settings, 0, len(c.Providers))
	for _, p := range c.Providers {
		s := providers.Settings{
			Name:              p.Name,
			Type:              p.Type,
			APIKey:            p.APIKey,
			BaseURL:           p.BaseURL,
			Organization:      p.Organization,
			MaxTokens:         p.MaxTokens,
			MaxRetries:        p.MaxRetries,
			MaxToolIterations: p.MaxToolIterations,
			Binary:            p.Binary,
			ExtraArgs:         p.ExtraArgs,
			Env:               p.Env,
			KillGrace:         p.KillGrace,
			PermissionMode:    p.PermissionMode,
			Sandbox:           p.Sandbox,
			DefaultModel:      p.DefaultModel,
			IdleTimeout:       p.IdleTimeout,
		}
		if p.Retry != (RetryConfig{}) {
			s.Retry = backoff.Policy{
				Initial: p.Retry.Initial,
				Max:     p.Retry.Max,
				Factor:  p.Retry.Factor,
				Jitter:  p.Retry.Jitter,
			}
		}
		for _, m := range p.Models {
			s.Models = append(s.Models, agent.Model{
				ID:                     m.ID,
				DisplayName:            m.DisplayName,
				ContextWindow:          m.ContextWindow,
				MaxOutputTokens:        m.MaxOutputTokens,
				InputPricePerMTok:      m.InputPricePerMTok,
				OutputPricePerMTok:     m.OutputPricePerMTok,
				CacheWritePricePerMTok: m.CacheWritePricePerMTok,
				CacheReadPricePerMTok:  m.CacheReadPricePerMTok,
			})
		}
		out = append(out, s)
	}
	return out
}

// ShellConfig converts the bash tool settings.
func (t ToolsConfig) ShellConfig() exec.Config {
	return exec.Config{
		Shell:          t.Shell.Path,
		DefaultTimeout: t.Shell.Timeout,
		MaxOutput:      t.Shell.MaxOutput,
		Env:            t.Shell.Env,
	}
}

// LogConfig converts the logging settings.
func (l LoggingConfig) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:          l.Level,
		Format:         l.Format,
		AddSource:      l.AddSource,
		RedactPatterns: l.RedactPatterns,
	}
}

// TraceConfig converts the tracing settings.
func (t TracingConfig) TraceConfig(version string) observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Environment:    t.Environment,
		Endpoint:       t.Endpoint,
		SamplingRate:   t.SamplingRate,
		Attributes:     t.Attributes,
		Insecure:       t.Insecure,
	}
}

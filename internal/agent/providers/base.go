package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/backoff"
)

// DefaultIdleTimeout is how long a stream may stay silent before it is
// abandoned.
const DefaultIdleTimeout = 2 * time.Minute

// HostedConfig is the part of a hosted provider's configuration shared by
// every vendor.
type HostedConfig struct {
	// DefaultModel is used when a request names no model.
	DefaultModel string

	// Models replaces the built-in catalog when non-empty.
	Models []agent.Model

	// MaxRetries bounds stream setup attempts on retryable failures. Default: 3
	MaxRetries int

	// Retry shapes the delay between setup attempts.
	Retry backoff.Policy

	// IdleTimeout abandons a model call that sends nothing for this long.
	// Default: 2 minutes. Negative disables the watchdog.
	IdleTimeout time.Duration

	// MaxToolIterations bounds the tool loop. Default: 16
	MaxToolIterations int

	// Tools is the registry offered to the model. Nil disables tools.
	Tools *agent.ToolRegistry

	// Paths confines the working directory and tool paths.
	Paths agent.PathValidator

	// WorkDir is the working directory when a request does not set one.
	WorkDir string

	Logger *slog.Logger
}

// BaseProvider holds the catalog, retry and tool-loop settings shared by the
// hosted providers.
type BaseProvider struct {
	name              string
	catalog           agent.Catalog
	defaultModel      string
	maxRetries        int
	retry             backoff.Policy
	idleTimeout       time.Duration
	maxToolIterations int
	tools             *agent.ToolRegistry
	paths             agent.PathValidator
	workDir           string
	logger            *slog.Logger
}

// NewBaseProvider creates a base provider with sane defaults. builtin is used
// when the config carries no model list.
func NewBaseProvider(name string, cfg HostedConfig, builtin []agent.Model, defaultModel string) BaseProvider {
	models := cfg.Models
	if len(models) == 0 {
		models = builtin
	}
	if cfg.DefaultModel != "" {
		defaultModel = cfg.DefaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Retry == (backoff.Policy{}) {
		cfg.Retry = backoff.DefaultPolicy()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return BaseProvider{
		name:              name,
		catalog:           agent.NewCatalog(models...),
		defaultModel:      defaultModel,
		maxRetries:        cfg.MaxRetries,
		retry:             cfg.Retry,
		idleTimeout:       cfg.IdleTimeout,
		maxToolIterations: cfg.MaxToolIterations,
		tools:             cfg.Tools,
		paths:             cfg.Paths,
		workDir:           cfg.WorkDir,
		logger:            logger.With("provider", name),
	}
}

// Type returns the provider identifier.
func (b *BaseProvider) Type() string { return b.name }

// Models returns the provider's catalog.
func (b *BaseProvider) Models() agent.Catalog { return b.catalog }

// ContextWindow returns the window of modelID, or ErrUnknownModel.
func (b *BaseProvider) ContextWindow(modelID string) (int, error) {
	return b.catalog.ContextWindow(modelID)
}

// DefaultModel returns the model used when a request names none.
func (b *BaseProvider) DefaultModel() string { return b.defaultModel }

// hostedRequest is everything a hosted stream resolves before it starts.
type hostedRequest struct {
	model   agent.Model
	workDir string
	tools   *agent.ToolRegistry
}

// prepare resolves model, working directory and tools for a request. Every
// failure here is a configuration error returned before any stream exists.
func (b *BaseProvider) prepare(opts agent.Options) (hostedRequest, error) {
	model, err := b.catalog.ResolveModel(opts.Model, b.defaultModel)
	if err != nil {
		return hostedRequest{}, err
	}
	workDir, err := resolveWorkDir(b.paths, opts.Cwd, b.workDir)
	if err != nil {
		return hostedRequest{}, err
	}
	tools, err := requestTools(b.tools, opts.Tools)
	if err != nil {
		return hostedRequest{}, err
	}
	return hostedRequest{model: model, workDir: workDir, tools: tools}, nil
}

// loop builds the tool loop for one stream.
func (b *BaseProvider) loop(em *agent.Emitter, req hostedRequest, conv agent.Conversation) *toolLoop {
	var convID string
	if conv != nil {
		convID = conv.ID()
	}
	return &toolLoop{
		em:    em,
		tools: req.tools,
		ec: agent.ExecutionContext{
			WorkDir:        req.workDir,
			Paths:          b.paths,
			ConversationID: convID,
		},
		maxIterations: b.maxToolIterations,
		logger:        b.logger,
	}
}

// openWithRetry runs open until it succeeds, fails permanently, or the retry
// budget is spent. Only stream setup is retried; nothing has been emitted yet.
func openWithRetry[T any](ctx context.Context, b *BaseProvider, open func(ctx context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx, b.retry, b.maxRetries, IsRetryable, func(attempt int) (T, error) {
		v, err := open(ctx)
		if err != nil && attempt < b.maxRetries && IsRetryable(err) {
			b.logger.Debug("retrying stream setup", "attempt", attempt, "error", err)
		}
		return v, err
	})
}

package exec

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/tools/files"
)

const (
	// DefaultTimeout bounds a command that asks for no timeout.
	DefaultTimeout = 2 * time.Minute

	// MaxTimeout is the longest a command may ask for.
	MaxTimeout = 10 * time.Minute

	defaultMaxOutput = 64000
	waitDelay        = 2 * time.Second
)

// Config controls the shell runner.
type Config struct {
	Shell          string
	DefaultTimeout time.Duration
	MaxOutput      int
	Env            map[string]string
}

// Runner executes shell commands for the bash tool.
type Runner struct {
	shell          string
	defaultTimeout time.Duration
	maxOutput      int
	env            map[string]string
}

// NewRunner creates a runner with defaults applied.
func NewRunner(cfg Config) *Runner {
	r := &Runner{
		shell:          cfg.Shell,
		defaultTimeout: cfg.DefaultTimeout,
		maxOutput:      cfg.MaxOutput,
		env:            cfg.Env,
	}
	if r.shell == "" {
		r.shell = "/bin/sh"
	}
	if r.defaultTimeout <= 0 {
		r.defaultTimeout = DefaultTimeout
	}
	if r.maxOutput <= 0 {
		r.maxOutput = defaultMaxOutput
	}
	return r
}

// Request is one command invocation.
type Request struct {
	Command string
	Cwd     string
	Input   string
	Timeout time.Duration
}

// Result summarizes a finished command.
type Result struct {
	Command    string `json:"command"`
	Cwd        string `json:"cwd"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Run executes req in the execution context's working directory, or in
// req.Cwd once it passes path validation.
func (r *Runner) Run(ctx context.Context, req Request, ec agent.ExecutionContext) (Result, error) {
	if req.Command == "" {
		return Result{}, errors.New("command is required")
	}
	dir := ec.WorkDir
	if req.Cwd != "" {
		resolved, err := files.ResolveIn(ec, req.Cwd)
		if err != nil {
			return Result{}, err
		}
		dir = resolved
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.shell, "-c", req.Command)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	if len(r.env) > 0 {
		env := os.Environ()
		for k, v := range r.env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	stdout := NewLimitedBuffer(r.maxOutput)
	stderr := NewLimitedBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if req.Input != "" {
		cmd.Stdin = strings.NewReader(req.Input)
	}

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Command:    req.Command,
		Cwd:        cmd.Dir,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode(err),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.TimedOut = true
		result.Error = "command timed out after " + timeout.String()
	}
	return result, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

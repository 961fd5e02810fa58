package providers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	toolexec "github.com/haasonsaas/switchboard/internal/tools/exec"
)

const (
	// maxCLILineBytes bounds one line of CLI output.
	maxCLILineBytes = 8 << 20

	// maxCLIStderrBytes bounds the stderr kept for error reports.
	maxCLIStderrBytes = 64 << 10

	// DefaultKillGrace is how long a cancelled CLI gets between SIGTERM and SIGKILL.
	DefaultKillGrace = 5 * time.Second
)

// ProcessExitError reports a CLI agent that exited with a nonzero status.
type ProcessExitError struct {
	Binary   string
	ExitCode int
	Stderr   string
}

func (e *ProcessExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Binary, e.ExitCode)
	if line := firstLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

// Unwrap ties the exit to the process failure code.
func (e *ProcessExitError) Unwrap() error { return agent.ErrProcessFailed }

// Metadata is the error-event context for the exit.
func (e *ProcessExitError) Metadata() map[string]any {
	return map[string]any{
		"exit_code": e.ExitCode,
		"stderr":    e.Stderr,
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// cliInvocation describes one CLI run. args receives the per-request temp dir
// so flags can point into it.
type cliInvocation struct {
	binary    string
	args      func(tmpDir string) []string
	dir       string
	env       map[string]string
	stdin     string
	killGrace time.Duration
}

// cliProcess owns one running CLI agent. The child runs in its own process
// group so cancellation reaches anything it spawned. Its temp dir is removed
// by Close on every path.
type cliProcess struct {
	binary string
	args   []string
	tmpDir string
	cmd    *exec.Cmd
	stdout *io.PipeReader
	stderr *toolexec.LimitedBuffer
	cancel context.CancelCauseFunc
	ctx    context.Context
	done   chan struct{}
	err    error
	logger *slog.Logger
	once   sync.Once
}

// startCLI creates the temp dir and starts the process. The process is
// terminated when ctx is done.
func startCLI(ctx context.Context, inv cliInvocation, logger *slog.Logger) (*cliProcess, error) {
	tmpDir, err := os.MkdirTemp("", "switchboard-cli-")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp dir: %v", agent.ErrProcessFailed, err)
	}

	procCtx, cancel := context.WithCancelCause(ctx)
	args := inv.args(tmpDir)
	cmd := exec.CommandContext(procCtx, inv.binary, args...)
	cmd.Dir = inv.dir
	env := append(os.Environ(), "TMPDIR="+tmpDir)
	for k, v := range inv.env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	if inv.stdin != "" {
		cmd.Stdin = strings.NewReader(inv.stdin)
	}

	grace := inv.killGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return terminateGroup(cmd) }
	cmd.WaitDelay = grace

	pr, pw := io.Pipe()
	stderr := toolexec.NewLimitedBuffer(maxCLIStderrBytes)
	cmd.Stdout = pw
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel(context.Canceled)
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("%w: start %s: %v", agent.ErrProcessFailed, inv.binary, err)
	}

	p := &cliProcess{
		binary: inv.binary,
		args:   args,
		tmpDir: tmpDir,
		cmd:    cmd,
		stdout: pr,
		stderr: stderr,
		cancel: cancel,
		ctx:    procCtx,
		done:   make(chan struct{}),
		logger: logger,
	}
	go func() {
		p.err = cmd.Wait()
		_ = pw.Close()
		close(p.done)
	}()
	logger.Debug("cli started", "binary", inv.binary, "pid", cmd.Process.Pid, "dir", inv.dir)
	return p, nil
}

// Lines calls fn for every non-empty stdout line until EOF or fn fails. A line
// longer than the limit is malformed output.
func (p *cliProcess) Lines(fn func(line []byte) error) error {
	scanner := bufio.NewScanner(p.stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), maxCLILineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("%w: %s output line exceeds %d bytes", agent.ErrMalformedBackendOutput, p.binary, maxCLILineBytes)
		}
		if p.ctx.Err() != nil {
			return context.Cause(p.ctx)
		}
		return err
	}
	return nil
}

// Wait waits for the process to exit. Cancellation reports the context cause;
// a nonzero exit is a *ProcessExitError.
func (p *cliProcess) Wait() error {
	<-p.done
	if p.err == nil {
		return nil
	}
	if p.ctx.Err() != nil {
		return context.Cause(p.ctx)
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		return &ProcessExitError{
			Binary:   p.binary,
			ExitCode: exitErr.ExitCode(),
			Stderr:   strings.TrimSpace(p.stderr.String()),
		}
	}
	return fmt.Errorf("%w: %s: %v", agent.ErrProcessFailed, p.binary, p.err)
}

// Close stops the process if it is still running, reaps it, kills any
// leftovers in its group, and removes the temp dir. It is safe to call more
// than once.
func (p *cliProcess) Close() {
	p.once.Do(func() {
		p.cancel(context.Canceled)
		_ = p.stdout.Close()
		<-p.done
		killGroup(p.cmd)
		if err := os.RemoveAll(p.tmpDir); err != nil {
			p.logger.Warn("remove cli temp dir", "dir", p.tmpDir, "error", err)
		}
	})
}

// TempDir is the per-request scratch directory.
func (p *cliProcess) TempDir() string { return p.tmpDir }

// Args returns the argv the process was started with, binary excluded.
func (p *cliProcess) Args() []string { return p.args }

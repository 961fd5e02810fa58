package agent

import (
	"context"
	"errors"

	"github.com/haasonsaas/switchboard/internal/events"
)

// Sentinel errors shared by every provider. Callers branch on them with errors.Is.
var (
	// ErrProviderUnavailable indicates the backend is not configured or its binary is missing.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrUnknownModel indicates the requested model is not in the provider catalog.
	ErrUnknownModel = errors.New("unknown model")

	// ErrAuthenticationFailed indicates the upstream rejected the credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrUpstreamTimeout indicates the upstream went idle past the allowed interval.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamProtocol indicates a vendor error frame or an unparseable vendor stream.
	ErrUpstreamProtocol = errors.New("upstream protocol error")

	// ErrToolExecutionFailed indicates a tool failed. It never aborts a stream.
	ErrToolExecutionFailed = errors.New("tool execution failed")

	// ErrPathRejected indicates a path resolved outside every allowed root.
	ErrPathRejected = errors.New("path rejected")

	// ErrProcessFailed indicates a CLI agent exited nonzero.
	ErrProcessFailed = errors.New("process failed")

	// ErrProcessTimedOut indicates a CLI agent was killed after going idle.
	ErrProcessTimedOut = errors.New("process timed out")

	// ErrMalformedBackendOutput indicates backend output that cannot be mapped to events.
	ErrMalformedBackendOutput = events.ErrMalformedBackendOutput

	// ErrUnknownTool indicates a tool name that is not in the registry.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInterrupted indicates the stream was cancelled before it completed.
	ErrInterrupted = errors.New("interrupted")
)

// Wire codes carried in the metadata of error events.
const (
	CodeAuthenticationFailed   = "authentication_failed"
	CodeUpstreamTimeout        = "upstream_timeout"
	CodeUpstreamProtocol       = "upstream_protocol_error"
	CodeProcessFailed          = "process_failed"
	CodeProcessTimedOut        = "process_timed_out"
	CodeMalformedBackendOutput = "malformed_backend_output"
	CodeInterrupted            = "interrupted"
	CodeProviderUnavailable    = "provider_unavailable"
	CodeUnknownModel           = "unknown_model"
	CodePathRejected           = "path_rejected"
	CodeUnknownTool            = "unknown_tool"
	CodeInternal               = "internal_error"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrAuthenticationFailed, CodeAuthenticationFailed},
	{ErrUpstreamTimeout, CodeUpstreamTimeout},
	{ErrProcessTimedOut, CodeProcessTimedOut},
	{ErrUpstreamProtocol, CodeUpstreamProtocol},
	{ErrMalformedBackendOutput, CodeMalformedBackendOutput},
	{ErrProcessFailed, CodeProcessFailed},
	{ErrInterrupted, CodeInterrupted},
	{ErrProviderUnavailable, CodeProviderUnavailable},
	{ErrUnknownModel, CodeUnknownModel},
	{ErrPathRejected, CodePathRejected},
	{ErrUnknownTool, CodeUnknownTool},
}

// ErrorCode maps an error chain onto the code sent to clients. Context
// cancellation counts as an interruption.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	if errors.Is(err, context.Canceled) {
		return CodeInterrupted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeUpstreamTimeout
	}
	return CodeInternal
}

// ErrorEvent converts err into the terminal error event for a stream. extra
// adds diagnostic context such as exit_code and stderr.
func ErrorEvent(err error, extra map[string]any) events.Event {
	meta := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		meta[k] = v
	}
	meta[events.MetaCode] = ErrorCode(err)
	return events.ErrorWithContext(err.Error(), meta)
}

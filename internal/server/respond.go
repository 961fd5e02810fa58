package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/switchboard/internal/agent"
)

// ErrorResponse is the body of every non-streaming error.
type ErrorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail, Code: code})
}

func writeBadRequest(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusBadRequest, "invalid_request", detail)
}

// writeAgentError answers a stream that the provider refused to start.
func writeAgentError(w http.ResponseWriter, err error) {
	code := agent.ErrorCode(err)
	writeError(w, statusForError(err), code, err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, agent.ErrUnknownModel),
		errors.Is(err, agent.ErrPathRejected),
		errors.Is(err, agent.ErrUnknownTool):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, agent.ErrAuthenticationFailed):
		return http.StatusBadGateway
	case errors.Is(err, agent.ErrUpstreamTimeout), errors.Is(err, agent.ErrProcessTimedOut):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

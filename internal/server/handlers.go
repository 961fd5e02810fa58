package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/propagation"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/internal/transport/sse"
	"github.com/haasonsaas/switchboard/internal/usage"
)

const (
	maxRequestBytes  = 4 << 20
	saveTimeout      = 5 * time.Second
	defaultListLimit = 50
	maxListLimit     = 500
)

type streamRequest struct {
	Prompt   string         `json:"prompt"`
	Provider string         `json:"provider"`
	Options  map[string]any `json:"options"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStream runs one turn against a provider and relays its events as
// server-sent events. Failures that happen before the provider produced a
// stream are answered with a JSON error; once streaming has started every
// failure travels as an error event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")

	var req streamRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeBadRequest(w, "prompt is required")
		return
	}
	opts, err := agent.ParseOptions(req.Options)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	opts.Debug = opts.Debug || s.debug

	name := req.Provider
	if name == "" {
		name = s.providers.Default()
	}
	provider, err := s.providers.Get(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, agent.CodeProviderUnavailable, err.Error())
		return
	}

	release, err := s.locker.TryLock(id)
	if err != nil {
		writeError(w, http.StatusConflict, "conversation_busy", err.Error())
		return
	}
	defer release()

	conv, err := sessions.GetOrCreate(r.Context(), s.store, id)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "load conversation failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, agent.CodeInternal, "failed to load conversation")
		return
	}

	ctx, cancel := context.WithCancel(s.tracer.ExtractContext(r.Context(), propagation.HeaderCarrier(r.Header)))
	defer cancel()
	ctx = observability.AddConversationID(ctx, id)
	ctx = observability.AddProvider(ctx, name)

	model := opts.Model
	if model == "" {
		model = "default"
	}
	ctx, span := s.tracer.StartStream(ctx, name, model, id)
	s.tracer.SetAttributes(span,
		"request_id", observability.GetRequestID(ctx),
		"thinking_level", int(opts.ThinkingLevel),
		"debug", opts.Debug,
	)

	stream, err := provider.Stream(ctx, conv.Bind(name), req.Prompt, opts)
	if err != nil {
		s.tracer.EndStream(span, agent.Outcome{}, err)
		s.logger.WarnContext(ctx, "stream rejected", "error", err)
		writeAgentError(w, err)
		return
	}

	finish := s.metrics.StreamStarted(name)
	sink := sse.NewWriter(w, sse.Options{Debug: opts.Debug})
	// A failed handshake is sticky and surfaces from the first Write.
	_ = sink.Initialize()
	out, relayErr := agent.Relay(ctx, stream, sink,
		s.metrics.StreamObserver(name, model),
		sessions.UsageObserver(conv),
		s.usage.Observer(name, model, id),
	)
	if relayErr != nil || r.Context().Err() != nil {
		cancel()
		s.metrics.ClientDisconnected(name)
		// The producer closes its channel once it sees the cancellation.
		go func() {
			for range stream {
			}
		}()
	}
	finish(out)
	s.tracer.EndStream(span, out, relayErr)

	committed := sessions.Commit(conv, req.Prompt, out)
	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancelSave()
	if err := s.store.Save(saveCtx, conv); err != nil {
		s.logger.ErrorContext(ctx, "save conversation failed", "error", err)
	}

	s.logger.InfoContext(ctx, "stream finished",
		"outcome", observability.OutcomeLabel(out),
		"events", out.Events,
		"stop_reason", out.StopReason,
		"committed", committed,
		"trace_id", observability.GetTraceID(ctx),
		"duration", time.Since(start),
	)
}

type providerInfo struct {
	Name           string        `json:"name"`
	Type           string        `json:"type"`
	Available      bool          `json:"available"`
	Default        bool          `json:"default"`
	NativeSessions bool          `json:"native_sessions"`
	Models         []agent.Model `json:"models"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	def := s.providers.Default()
	out := make([]providerInfo, 0, len(s.providers.Names()))
	for _, name := range s.providers.Names() {
		p, err := s.providers.Get(name)
		if err != nil {
			continue
		}
		_, native := p.(agent.NativeSessionProvider)
		out = append(out, providerInfo{
			Name:           name,
			Type:           p.Type(),
			Available:      p.Available(),
			Default:        name == def,
			NativeSessions: native,
			Models:         p.Models().Sorted(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit <= 0 {
		writeBadRequest(w, "limit must be a positive integer")
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeBadRequest(w, "offset must be a non-negative integer")
		return
	}
	records, err := s.store.List(r.Context(), sessions.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, agent.CodeInternal, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": records})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, sessions.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "get conversation failed", "error", err)
		writeError(w, http.StatusInternalServerError, agent.CodeInternal, "failed to load conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv.Record())
}

func (s *Server) handleListScreens(w http.ResponseWriter, r *http.Request) {
	list := s.screens.List(r.URL.Query().Get("conversation_id"))
	writeJSON(w, http.StatusOK, map[string]any{"screens": list})
}

func (s *Server) handleGetScreen(w http.ResponseWriter, r *http.Request) {
	screen, ok := s.screens.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "screen not found")
		return
	}
	writeJSON(w, http.StatusOK, screen)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit <= 0 {
		writeBadRequest(w, "limit must be a positive integer")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Totals map[string]usage.Usage `json:"totals"`
		Recent []usage.Record         `json:"recent"`
	}{
		Totals: s.usage.Summary(),
		Recent: s.usage.Recent(limit),
	})
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

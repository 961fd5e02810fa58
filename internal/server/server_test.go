package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/internal/tools/screens"
)

type fakeProvider struct {
	events    []events.Event
	err       error
	nativeID  string
	prompts   []string
	histories [][]agent.Message
	opts      []agent.Options
}

func (f *fakeProvider) Type() string { return "fake" }
func (f *fakeProvider) Available() bool { return true }
func (f *fakeProvider) Models() agent.Catalog {
	return agent.NewCatalog(agent.Model{ID: "fake-large", ContextWindow: 1000})
}

func (f *fakeProvider) ContextWindow(id string) (int, error) {
	return f.Models().ContextWindow(id)
}

func (f *fakeProvider) Stream(ctx context.Context, conv agent.Conversation, prompt string, opts agent.Options) (<-chan events.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.prompts = append(f.prompts, prompt)
	f.histories = append(f.histories, conv.PriorMessages())
	f.opts = append(f.opts, opts)
	if f.nativeID != "" {
		conv.SetNativeSessionID(f.nativeID)
	}
	ch := make(chan events.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type fakeSource struct {
	providers map[string]agent.Provider
	def       string
}

func (s *fakeSource) Get(name string) (agent.Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", agent.ErrProviderUnavailable, name)
	}
	return p, nil
}

func (s *fakeSource) Names() []string {
	return []string{s.def}
}

func (s *fakeSource) Default() string { return s.def }

func answer(text string) []events.Event {
	return []events.Event{
		events.TextStart(0),
		events.TextDelta(0, text),
		events.TextStop(0),
		events.Usage(events.UsageInput{InputTokens: events.Int(10), OutputTokens: events.Int(5)}),
		events.Done("end_turn"),
	}
}

type harness struct {
	srv      *Server
	provider *fakeProvider
	store    *sessions.MemoryStore
	locker   *sessions.Locker
	screens  *screens.Registry
	metrics  *observability.Metrics
	registry *prometheus.Registry
}

func newHarness(t *testing.T, p *fakeProvider) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	h := &harness{
		provider: p,
		store:    sessions.NewMemoryStore(),
		locker:   sessions.NewLocker(),
		screens:  screens.NewRegistry(),
		metrics:  observability.NewMetrics(reg),
		registry: reg,
	}
	srv, err := New(Config{
		Providers:      &fakeSource{providers: map[string]agent.Provider{"fake": p}, def: "fake"},
		Store:          h.store,
		Locker:         h.locker,
		Screens:        h.screens,
		Metrics:        h.metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.srv = srv
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func readFrames(t *testing.T, body io.Reader) []events.Event {
	t.Helper()
	var out []events.Event
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		ev, err := events.Decode([]byte(strings.TrimPrefix(line, "data: ")))
		if err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestNewRequiresProvidersAndStore(t *testing.T) {
	if _, err := New(Config{Store: sessions.NewMemoryStore()}); err == nil {
		t.Error("expected error without providers")
	}
	if _, err := New(Config{Providers: &fakeSource{}}); err == nil {
		t.Error("expected error without store")
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	rec := h.do(http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestStreamRelaysEventsAndCommitsTurn(t *testing.T) {
	h := newHarness(t, &fakeProvider{events: answer("hello there")})

	rec := h.do(http.MethodPost, "/api/conversations/c1/stream", `{"prompt":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	frames := readFrames(t, rec.Body)
	if len(frames) != 5 {
		t.Fatalf("frames = %d, want 5", len(frames))
	}
	if last := frames[len(frames)-1]; last.Type() != events.TypeDone {
		t.Fatalf("last frame = %s, want done", last.Type())
	}

	conv, err := h.store.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("conversation not saved: %v", err)
	}
	turns := conv.PriorMessages()
	if len(turns) != 2 || turns[0].Content != "hi" || turns[1].Content != "hello there" {
		t.Fatalf("turns = %+v", turns)
	}
	if conv.Usage().Usage.InputTokens != 10 {
		t.Errorf("usage = %+v", conv.Usage())
	}

	if got := testutil.ToFloat64(h.metrics.StreamsFinished.WithLabelValues("fake", observability.OutcomeDone)); got != 1 {
		t.Errorf("streams finished = %v", got)
	}
}

func TestStreamReplaysHistoryOnNextTurn(t *testing.T) {
	p := &fakeProvider{events: answer("first")}
	h := newHarness(t, p)

	h.do(http.MethodPost, "/api/conversations/c1/stream", `{"prompt":"one"}`)
	h.do(http.MethodPost, "/api/conversations/c1/stream", `{"prompt":"two"}`)

	if len(p.histories) != 2 {
		t.Fatalf("calls = %d", len(p.histories))
	}
	if len(p.histories[0]) != 0 {
		t.Errorf("first history = %+v, want empty", p.histories[0])
	}
	if len(p.histories[1]) != 2 || p.histories[1][0].Content != "one" {
		t.Errorf("second history = %+v", p.histories[1])
	}
}

func TestStreamErrorDoesNotCommit(t *testing.T) {
	p := &fakeProvider{
		nativeID: "native-1",
		events: []events.Event{
			events.TextDelta(0, "partial"),
			events.ErrorWithContext("boom", map[string]any{events.MetaCode: agent.CodeProcessFailed}),
		},
	}
	h := newHarness(t, p)

	rec := h.do(http.MethodPost, "/api/conversations/c1/stream", `{"prompt":"hi"}`)
	frames := readFrames(t, rec.Body)
	if len(frames) != 2 || frames[1].Type() != events.TypeError {
		t.Fatalf("frames = %v", frames)
	}

	conv, err := h.store.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("conversation not saved: %v", err)
	}
	if turns := conv.PriorMessages(); len(turns) != 0 {
		t.Fatalf("turns = %+v, want none after an error", turns)
	}
	if rec := conv.Record(); rec.NativeSessionID != "native-1" || rec.NativeProvider != "fake" {
		t.Fatalf("native session = %q/%q, want it kept", rec.NativeSessionID, rec.NativeProvider)
	}
	if got := testutil.ToFloat64(h.metrics.StreamErrors.WithLabelValues("fake", agent.CodeProcessFailed)); got != 1 {
		t.Errorf("stream errors = %v", got)
	}
}

func TestStreamRequestErrors(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
		body     string
		status   int
		code     string
	}{
		{"bad json", &fakeProvider{}, `{`, http.StatusBadRequest, "invalid_request"},
		{"empty prompt", &fakeProvider{}, `{"prompt":"  "}`, http.StatusBadRequest, "invalid_request"},
		{"bad option", &fakeProvider{}, `{"prompt":"hi","options":{"model":7}}`, http.StatusBadRequest, "invalid_request"},
		{"unknown provider", &fakeProvider{}, `{"prompt":"hi","provider":"nope"}`, http.StatusBadRequest, agent.CodeProviderUnavailable},
		{
			"unknown model",
			&fakeProvider{err: fmt.Errorf("%w: gpt-9", agent.ErrUnknownModel)},
			`{"prompt":"hi"}`, http.StatusBadRequest, agent.CodeUnknownModel,
		},
		{
			"unavailable",
			&fakeProvider{err: fmt.Errorf("%w: binary missing", agent.ErrProviderUnavailable)},
			`{"prompt":"hi"}`, http.StatusServiceUnavailable, agent.CodeProviderUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.provider)
			rec := h.do(http.MethodPost, "/api/conversations/c1/stream", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if resp := decodeError(t, rec); resp.Code != tt.code {
				t.Fatalf("code = %q, want %q", resp.Code, tt.code)
			}
		})
	}
}

func TestStreamBusyConversation(t *testing.T) {
	p := &fakeProvider{events: answer("x")}
	h := newHarness(t, p)
	release, err := h.locker.TryLock("c1")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer release()

	rec := h.do(http.MethodPost, "/api/conversations/c1/stream", `{"prompt":"hi"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if len(p.prompts) != 0 {
		t.Fatal("provider should not be called while the conversation is busy")
	}
}

func TestStreamPassesOptions(t *testing.T) {
	p := &fakeProvider{events: answer("x")}
	h := newHarness(t, p)
	h.do(http.MethodPost, "/api/conversations/c1/stream",
		`{"prompt":"hi","options":{"model":"fake-large","thinking_level":2,"debug":true}}`)
	if len(p.opts) != 1 {
		t.Fatalf("calls = %d", len(p.opts))
	}
	if got := p.opts[0]; got.Model != "fake-large" || got.ThinkingLevel != 2 || !got.Debug {
		t.Fatalf("opts = %+v", got)
	}
}

func TestProviders(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	rec := h.do(http.MethodGet, "/api/providers", "")
	var resp struct {
		Providers []providerInfo `json:"providers"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Providers) != 1 {
		t.Fatalf("providers = %+v", resp.Providers)
	}
	got := resp.Providers[0]
	if got.Name != "fake" || !got.Default || !got.Available || got.NativeSessions {
		t.Fatalf("provider = %+v", got)
	}
	if len(got.Models) != 1 || got.Models[0].ID != "fake-large" {
		t.Fatalf("models = %+v", got.Models)
	}
}

func TestConversations(t *testing.T) {
	h := newHarness(t, &fakeProvider{events: answer("x")})
	h.do(http.MethodPost, "/api/conversations/c1/stream", `{"prompt":"hi"}`)

	rec := h.do(http.MethodGet, "/api/conversations/c1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	var record sessions.Record
	if err := json.NewDecoder(rec.Body).Decode(&record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.ID != "c1" || len(record.Turns) != 2 {
		t.Fatalf("record = %+v", record)
	}

	if rec := h.do(http.MethodGet, "/api/conversations/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing = %d, want 404", rec.Code)
	}

	rec = h.do(http.MethodGet, "/api/conversations?limit=10", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"c1"`) {
		t.Fatalf("list = %d %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(http.MethodGet, "/api/conversations?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
}

func TestScreens(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	opened := h.screens.Open(screens.Screen{Type: "panel", ConversationID: "c1", Title: "Plan"})
	h.screens.Open(screens.Screen{Type: "panel", ConversationID: "c2"})

	rec := h.do(http.MethodGet, "/api/screens?conversation_id=c1", "")
	var resp struct {
		Screens []screens.Screen `json:"screens"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Screens) != 1 || resp.Screens[0].ID != opened.ID {
		t.Fatalf("screens = %+v", resp.Screens)
	}

	if rec := h.do(http.MethodGet, "/api/screens/"+opened.ID, ""); rec.Code != http.StatusOK {
		t.Fatalf("get screen = %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/api/screens/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing screen = %d", rec.Code)
	}
}

func TestUsageEndpoint(t *testing.T) {
	h := newHarness(t, &fakeProvider{events: answer("x")})
	h.do(http.MethodPost, "/api/conversations/c1/stream", `{"prompt":"hi"}`)

	rec := h.do(http.MethodGet, "/api/usage", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("usage = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"fake:default"`) || !strings.Contains(body, `"input_tokens":10`) {
		t.Fatalf("usage body = %s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, &fakeProvider{events: answer("x")})
	h.do(http.MethodPost, "/api/conversations/c1/stream", `{"prompt":"hi"}`)

	rec := h.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "switchboard_streams_started_total") {
		t.Fatal("metrics output missing stream counter")
	}
}

func TestServeShutsDownWithContext(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.srv.ListenAndServe(ctx, ServeOptions{Addr: "127.0.0.1:0"})
	}()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("ListenAndServe: %v", err)
	}
}

func TestStreamLogContinuesCallerTrace(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var buf strings.Builder
	srv, err := New(Config{
		Providers: &fakeSource{providers: map[string]agent.Provider{"fake": &fakeProvider{events: answer("ok")}}, def: "fake"},
		Store:     sessions.NewMemoryStore(),
		Metrics:   observability.NewMetrics(prometheus.NewRegistry()),
		Logger:    observability.NewLogger(observability.LogConfig{Output: &buf}),
	})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/c1/stream", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var finished map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		if m["msg"] == "stream finished" {
			finished = m
		}
	}
	if finished == nil {
		t.Fatalf("no stream finished line in %s", buf.String())
	}
	if finished["trace_id"] != traceID {
		t.Errorf("trace_id = %v, want %s", finished["trace_id"], traceID)
	}
	if finished["conversation_id"] != "c1" || finished["provider"] != "fake" {
		t.Errorf("context ids = %v, %v", finished["conversation_id"], finished["provider"])
	}
	if id, _ := finished["request_id"].(string); id == "" {
		t.Error("request_id missing")
	}
	if _, ok := finished["duration"]; !ok {
		t.Error("duration missing")
	}
}

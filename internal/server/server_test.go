package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/engine"
	"github.com/tjfontaine/polyglot-roundtable/internal/metrics"
	"github.com/tjfontaine/polyglot-roundtable/internal/phase"
	"github.com/tjfontaine/polyglot-roundtable/internal/pkg/config"
	"github.com/tjfontaine/polyglot-roundtable/internal/resume"
	"github.com/tjfontaine/polyglot-roundtable/internal/runtime"
)

func newTestServer(t *testing.T, models ...string) (*Server, *config.Config) {
	t.Helper()
	cfg := &config.Config{Defaults: config.ThreadDefaults{Mode: "debate"}}
	for i, m := range models {
		cfg.Defaults.Participants = append(cfg.Defaults.Participants, config.ParticipantConfig{
			ID:       fmt.Sprintf("p%d", i),
			ModelRef: m,
			Priority: i,
		})
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(nil)
	coord, err := runtime.New(
		runtime.WithLogger(logger),
		runtime.WithStaticConfig(cfg),
		runtime.WithMemoryStore(),
		runtime.WithMetrics(m),
	)
	if err != nil {
		t.Fatalf("runtime.New() error = %v", err)
	}
	return New(coord, Config{Logger: logger, Metrics: m.Handler()}), cfg
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func startBody(text string) map[string]any {
	return map[string]any{
		"user_message": map[string]any{
			"role":  "user",
			"parts": []map[string]string{{"text": text, "state": "done"}},
		},
	}
}

func answer(thread string, idx int, model, text string) domain.Message {
	return domain.Message{
		ID:          domain.ParticipantMessageID(thread, 0, idx),
		Role:        domain.RoleAssistant,
		RoundNumber: 0,
		Parts:       []domain.Part{{Text: text, State: domain.PartDone}},
		Metadata: domain.AssistantMetadata{
			ParticipantID:    fmt.Sprintf("p%d", idx),
			ParticipantIndex: domain.IntPtr(idx),
			ModelRef:         model,
			CompletionReason: domain.CompletionStop,
		},
	}
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t, "gpt-4o")

	rec := do(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz status = %d", rec.Code)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected X-Request-ID header")
	}

	rec = do(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "roundtable_") {
		t.Errorf("GET /metrics status = %d body = %.200s", rec.Code, rec.Body.String())
	}
}

func TestServer_RoundLifecycle(t *testing.T) {
	s, _ := newTestServer(t, "gpt-4o", "claude-sonnet")
	base := "/v1/threads/t1"

	rec := do(t, s, http.MethodPost, base+"/rounds", startBody("Which queue should we use?"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("start round status = %d body = %s", rec.Code, rec.Body.String())
	}
	status := decode[engine.Status](t, rec)
	if status.RoundNumber != 0 || status.Phase != phase.Participants {
		t.Fatalf("start round = %+v", status)
	}

	act := decode[engine.Action](t, do(t, s, http.MethodGet, base+"/next-action", nil))
	if act.Kind != engine.ActionInvokeParticipant || act.ParticipantIndex == nil || *act.ParticipantIndex != 0 {
		t.Fatalf("next action = %+v", act)
	}

	rec = do(t, s, http.MethodPost, base+"/messages", map[string]any{
		"messages": []domain.Message{answer("t1", 0, "gpt-4o", "NATS")},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("push messages status = %d body = %s", rec.Code, rec.Body.String())
	}

	act = decode[engine.Action](t, do(t, s, http.MethodGet, base+"/next-action", nil))
	if act.Kind != engine.ActionInvokeParticipant || *act.ParticipantIndex != 1 || act.ModelRef != "claude-sonnet" {
		t.Fatalf("next action after first answer = %+v", act)
	}

	rec = do(t, s, http.MethodGet, base+"/rounds/0/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("round status = %d body = %s", rec.Code, rec.Body.String())
	}
	report := decode[runtime.RoundReport](t, rec)
	if report.Completion.CompletedCount != 1 || len(report.Usage.Participants) != 1 {
		t.Errorf("round report = %+v", report)
	}

	timeline := decode[struct {
		Items []json.RawMessage `json:"items"`
	}](t, do(t, s, http.MethodGet, base+"/timeline", nil))
	if len(timeline.Items) == 0 {
		t.Error("timeline is empty")
	}

	rec = do(t, s, http.MethodPost, base+"/rounds/0/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d body = %s", rec.Code, rec.Body.String())
	}
	if stopped := decode[engine.Status](t, rec); !stopped.Stopped {
		t.Errorf("stop = %+v", stopped)
	}

	events := decode[struct {
		Events []*domain.RoundEvent `json:"events"`
	}](t, do(t, s, http.MethodGet, base+"/events?round=0", nil))
	if len(events.Events) == 0 || events.Events[0].Type != domain.RoundEventStarted {
		t.Errorf("events = %+v", events.Events)
	}
}

func TestServer_Errors(t *testing.T) {
	s, _ := newTestServer(t, "gpt-4o")
	if rec := do(t, s, http.MethodPost, "/v1/threads/t1/rounds", startBody("hi")); rec.Code != http.StatusCreated {
		t.Fatalf("start round status = %d body = %s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantType   domain.ErrorType
	}{
		{"bad round param", http.MethodGet, "/v1/threads/t1/rounds/abc/status", nil, http.StatusBadRequest, domain.ErrorTypeInvalidRequest},
		{"unknown round", http.MethodGet, "/v1/threads/t1/rounds/7/status", nil, http.StatusNotFound, domain.ErrorTypeNotFound},
		{"malformed body", http.MethodPost, "/v1/threads/t1/messages", "{", http.StatusBadRequest, domain.ErrorTypeInvalidRequest},
		{"missing body", http.MethodPost, "/v1/threads/t1/phases", nil, http.StatusBadRequest, domain.ErrorTypeInvalidRequest},
		{"empty messages", http.MethodPost, "/v1/threads/t1/messages", map[string]any{"messages": []any{}}, http.StatusBadRequest, domain.ErrorTypeInvalidRequest},
		{"negative stream index", http.MethodPost, "/v1/threads/t1/streams", map[string]any{"round_number": 0, "participant_index": -1}, http.StatusBadRequest, domain.ErrorTypeInvalidRequest},
		{"bad events limit", http.MethodGet, "/v1/threads/t1/events?limit=x", nil, http.StatusBadRequest, domain.ErrorTypeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			resp := decode[ErrorResponse](t, rec)
			if resp.Error == nil || resp.Error.Type != tt.wantType {
				t.Errorf("error = %+v, want type %s", resp.Error, tt.wantType)
			}
		})
	}
}

func TestServer_RegenerateAcceptsEmptyBody(t *testing.T) {
	s, _ := newTestServer(t, "gpt-4o")
	base := "/v1/threads/t1"
	do(t, s, http.MethodPost, base+"/rounds", startBody("hi"))
	do(t, s, http.MethodPost, base+"/messages", map[string]any{
		"messages": []domain.Message{answer("t1", 0, "gpt-4o", "hello")},
	})

	rec := do(t, s, http.MethodPost, base+"/rounds/0/regenerate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("regenerate status = %d body = %s", rec.Code, rec.Body.String())
	}
	status := decode[engine.Status](t, rec)
	if status.Completion.CompletedCount != 0 || status.Phase != phase.Participants {
		t.Errorf("regenerate = %+v", status)
	}
}

func TestServer_AttachDrift(t *testing.T) {
	s, cfg := newTestServer(t, "gpt-4o", "claude-sonnet")
	base := "/v1/threads/t1"
	do(t, s, http.MethodPost, base+"/rounds", startBody("hi"))
	do(t, s, http.MethodPost, base+"/messages", map[string]any{
		"messages": []domain.Message{answer("t1", 0, "gpt-4o", "hello")},
	})

	rec := do(t, s, http.MethodPost, base+"/attach", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("attach status = %d body = %s", rec.Code, rec.Body.String())
	}
	decision := decode[resume.Decision](t, rec)
	if decision.Reason != resume.ReasonResume || decision.Plan == nil || decision.Plan.NextParticipantIndex != 1 {
		t.Fatalf("attach = %+v", decision)
	}

	cfg.Defaults.Participants[0].ModelRef = "mistral-large"

	rec = do(t, s, http.MethodPost, base+"/attach", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("attach after drift status = %d body = %s", rec.Code, rec.Body.String())
	}
	resp := decode[ErrorResponse](t, rec)
	if resp.Error == nil || resp.Error.Code != domain.ErrorCodeConfigurationDrift {
		t.Errorf("error = %+v", resp.Error)
	}
	if resp.Decision == nil || resp.Decision.Reason != resume.ReasonConfigurationDrift {
		t.Errorf("decision = %+v", resp.Decision)
	}
}

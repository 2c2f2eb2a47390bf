package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
	"github.com/tjfontaine/polyglot-roundtable/internal/testutil"
)

const orchestratorURL = "http://orchestrator.test/v1/directives"

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() expected error for empty url")
	}
}

func TestDispatcher_Replay(t *testing.T) {
	recorder, cleanup := testutil.NewVCRRecorder(t, "webhook_directives")
	defer cleanup()

	d, err := New(Config{URL: orchestratorURL}, WithHTTPClient(testutil.VCRHTTPClient(recorder)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	invoke := ports.Directive{
		ThreadID:         "thread-42",
		RoundNumber:      1,
		ParticipantIndex: domain.IntPtr(0),
		ParticipantID:    "alpha",
		ModelRef:         "gpt-4o",
	}
	if err := d.InvokeParticipant(ctx, invoke); err != nil {
		t.Fatalf("InvokeParticipant() error = %v", err)
	}

	synth := ports.Directive{ThreadID: "thread-42", RoundNumber: 1, ParticipantIndex: domain.IntPtr(9)}
	if err := d.StartSynthesis(ctx, synth); err != nil {
		t.Fatalf("StartSynthesis() error = %v", err)
	}
}

func TestDispatcher_RejectedIsNotRetried(t *testing.T) {
	recorder, cleanup := testutil.NewVCRRecorder(t, "webhook_rejected")
	defer cleanup()

	// The cassette holds a single interaction; a retry would fail with
	// "interaction not found" instead of the status error.
	d, err := New(Config{URL: orchestratorURL, Retries: 3},
		WithHTTPClient(testutil.VCRHTTPClient(recorder)),
		WithBackoff(time.Millisecond))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = d.InvokeParticipant(context.Background(), ports.Directive{
		ThreadID:         "thread-42",
		RoundNumber:      3,
		ParticipantIndex: domain.IntPtr(2),
		ParticipantID:    "gamma",
		ModelRef:         "retired-model",
	})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("InvokeParticipant() error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusUnprocessableEntity || statusErr.Temporary() {
		t.Errorf("StatusError = %+v", statusErr)
	}
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		retries   int
		wantErr   bool
		wantCalls int32
	}{
		{"first attempt succeeds", 0, 2, false, 1},
		{"recovers after retries", 2, 2, false, 3},
		{"gives up", 5, 1, true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				calls   atomic.Int32
				mu      sync.Mutex
				gotAuth string
				got     ports.Directive
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				mu.Lock()
				gotAuth = r.Header.Get("Authorization")
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					t.Errorf("decode body: %v", err)
				}
				mu.Unlock()
				if n <= tt.failures {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusAccepted)
			}))
			defer srv.Close()

			d, err := New(Config{
				URL:     srv.URL,
				Retries: tt.retries,
				Headers: map[string]string{"Authorization": "Bearer token"},
			}, WithBackoff(time.Millisecond))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			err = d.InvokeParticipant(context.Background(), ports.Directive{
				ThreadID:         "t",
				RoundNumber:      0,
				ParticipantIndex: domain.IntPtr(1),
				ParticipantID:    "beta",
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("InvokeParticipant() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
			mu.Lock()
			defer mu.Unlock()
			if gotAuth != "Bearer token" {
				t.Errorf("Authorization = %q", gotAuth)
			}
			if got.Kind != ports.DirectiveInvokeParticipant || got.ParticipantIndex == nil || *got.ParticipantIndex != 1 {
				t.Errorf("payload = %+v", got)
			}
		})
	}
}

func TestDispatcher_ContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d, err := New(Config{URL: srv.URL, Retries: 5}, WithBackoff(time.Hour))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = d.StartSynthesis(ctx, ports.Directive{ThreadID: "t"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("StartSynthesis() error = %v, want deadline exceeded", err)
	}
}

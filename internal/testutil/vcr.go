package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// NewVCRRecorder creates a new VCR recorder for testing. Cassettes live in
// testdata/fixtures of the calling package; set VCR_MODE=record to record
// them against a live endpoint.
func NewVCRRecorder(t *testing.T, cassetteName string) (*recorder.Recorder, func()) {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	r.SetMatcher(matchJSONBody)

	// Credentials never reach a cassette.
	r.AddSaveFilter(func(i *cassette.Interaction) error {
		delete(i.Request.Headers, "Authorization")
		return nil
	})

	cleanup := func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	}

	return r, cleanup
}

// matchJSONBody matches method and URL, and compares JSON bodies
// structurally so key order and whitespace do not matter.
func matchJSONBody(r *http.Request, i cassette.Request) bool {
	if !cassette.DefaultMatcher(r, i) {
		return false
	}
	if r.Body == nil || i.Body == "" {
		return true
	}

	var b bytes.Buffer
	if _, err := b.ReadFrom(r.Body); err != nil {
		return false
	}
	r.Body = io.NopCloser(bytes.NewReader(b.Bytes()))

	var got, want any
	if json.Unmarshal(b.Bytes(), &got) != nil || json.Unmarshal([]byte(i.Body), &want) != nil {
		return b.String() == i.Body
	}
	return reflect.DeepEqual(got, want)
}

// VCRHTTPClient returns an HTTP client configured to use the VCR recorder
func VCRHTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{
		Transport: r,
	}
}

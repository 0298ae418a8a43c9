package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	qaerrors "github.com/PentesterFlow/qadocgen/internal/errors"
	"github.com/PentesterFlow/qadocgen/internal/llm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(context.Background(), Config{
		APIKey:            "test-key",
		Model:             "test-model",
		Timeout:           5 * time.Second,
		RequestsPerMinute: 6000,
		BaseURL:           server.URL,
		Retry: qaerrors.RetryConfig{
			MaxRetries:     1,
			InitialDelay:   time.Millisecond,
			MaxDelay:       time.Millisecond,
			Multiplier:     1,
			RetryableTypes: []qaerrors.ErrorType{qaerrors.Timeout, qaerrors.RateLimit},
		},
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

// =============================================================================
// Config Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate()
	if !qaerrors.IsType(err, qaerrors.Configuration) {
		t.Errorf("Validate() error = %v, want configuration error", err)
	}

	cfg.APIKey = "k"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(context.Background(), Config{}, nil); err == nil {
		t.Error("New() without API key should fail")
	}
}

// =============================================================================
// Generate Tests
// =============================================================================

func TestClient_Generate(t *testing.T) {
	var body map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "test-model") {
			t.Errorf("path = %s, want model in path", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"[{\"test_case_id\":\"TC_1\"}]"}]},"finishReason":"STOP"}]}`)
	})

	text, err := c.Generate(context.Background(), llm.Request{
		System:      "You are an expert QA engineer who creates comprehensive test cases.",
		Prompt:      "Generate tests",
		Temperature: 0.7,
		MaxTokens:   2000,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != `[{"test_case_id":"TC_1"}]` {
		t.Errorf("Generate() = %q", text)
	}

	encoded, _ := json.Marshal(body)
	for _, want := range []string{"expert QA engineer", "Generate tests", "2000"} {
		if !strings.Contains(string(encoded), want) {
			t.Errorf("request body missing %q: %s", want, encoded)
		}
	}
}

func TestClient_GenerateClientError(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"code":400,"message":"invalid argument","status":"INVALID_ARGUMENT"}}`)
	})

	_, err := c.Generate(context.Background(), llm.Request{Prompt: "x"})
	if err == nil {
		t.Fatal("Generate() should fail on a 400 reply")
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1 (client errors are not retried)", hits.Load())
	}
}

func TestClient_GenerateEmptyReply(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"STOP"}]}`)
	})

	_, err := c.Generate(context.Background(), llm.Request{Prompt: "x"})
	if !errors.Is(err, llm.ErrEmptyResponse) {
		t.Errorf("Generate() error = %v, want ErrEmptyResponse", err)
	}
}

// =============================================================================
// Classification Tests
// =============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want qaerrors.ErrorType
	}{
		{errors.New("Error 429, Message: Resource has been exhausted"), qaerrors.RateLimit},
		{errors.New("Error 503, Message: The model is overloaded"), qaerrors.Timeout},
		{errors.New("API key not valid"), qaerrors.Configuration},
		{errors.New("Error 400, Message: bad request"), qaerrors.Synthesis},
		{context.Canceled, qaerrors.Cancelled},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := qaerrors.GetErrorType(classify(tt.err)); got != tt.want {
				t.Errorf("classify() type = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCountable(t *testing.T) {
	if countable(qaerrors.NewCancelledError("", "generate")) {
		t.Error("cancellation should not count against the breaker")
	}
	if !countable(qaerrors.New(qaerrors.Timeout, "", "generate", "x", nil)) {
		t.Error("timeouts should count against the breaker")
	}
}

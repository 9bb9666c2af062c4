package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAnalyzeChangesParsesModelVerdict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer model-key" {
			t.Fatalf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		var request chatRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if request.Model != "test-model" {
			t.Fatalf("unexpected model %q", request.Model)
		}
		if len(request.Messages) != 2 {
			t.Fatalf("expected system and user messages, got %d", len(request.Messages))
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "{\"urgency\":8,\"timing\":\"immediate\",\"summary\":\"Reach out\",\"suggestedMessage\":\"Oi\"}"}}],
			"usage": {"prompt_tokens": 100, "completion_tokens": 50}
		}`))
	}))
	defer server.Close()

	client := newTestModelClient(t, server.URL)

	analysis, err := client.AnalyzeChanges(context.Background(), AnalysisRequest{
		Person: PersonContext{Name: "Maria Silva"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if analysis.OverallUrgency != 8 || analysis.SuggestedTiming != "immediate" {
		t.Fatalf("unexpected analysis %+v", analysis)
	}

	stats := client.CostStats()
	if stats.Calls != 1 || stats.TotalCost <= 0 {
		t.Fatalf("unexpected cost stats %+v", stats)
	}
}

func TestAnalyzeChangesRejectsOutOfRangeUrgency(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"urgency\":42}"}}]}`))
	}))
	defer server.Close()

	client := newTestModelClient(t, server.URL)

	_, err := client.AnalyzeChanges(context.Background(), AnalysisRequest{})
	if !errors.Is(err, ErrUpstreamModel) {
		t.Fatalf("expected ErrUpstreamModel, got %v", err)
	}
}

func TestAnalyzeChangesUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestModelClient(t, server.URL)

	_, err := client.AnalyzeChanges(context.Background(), AnalysisRequest{})
	if !errors.Is(err, ErrUpstreamModel) {
		t.Fatalf("expected ErrUpstreamModel, got %v", err)
	}

	if stats := client.CostStats(); stats.Calls != 0 {
		t.Fatalf("failed calls must not accrue cost, got %+v", stats)
	}
}

func newTestModelClient(t *testing.T, baseURL string) *HTTPModelClient {
	t.Helper()
	client, err := NewHTTPModelClient(HTTPModelClientConfig{
		BaseURL: baseURL,
		APIKey:  "model-key",
		Model:   "test-model",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

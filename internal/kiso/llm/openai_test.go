package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiso-run/kiso/internal/kiso/llm"
)

func TestOpenAITransportParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization header: got %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if body["model"] != "gpt-test" {
			t.Errorf("model: got %v", body["model"])
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello there"}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 4},
		})
	}))
	defer srv.Close()

	transport := llm.NewOpenAITransport(llm.OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL})
	resp, err := transport.Call(context.Background(), llm.Request{
		Role:     llm.RolePlanner,
		Model:    "gpt-test",
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text != "hello there" {
		t.Errorf("Text: got %q", resp.Text)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 4 {
		t.Errorf("token counts: got in=%d out=%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAITransportSendsJSONSchemaWhenRequested(t *testing.T) {
	var sawSchema bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if rf, ok := body["response_format"].(map[string]any); ok && rf["type"] == "json_schema" {
			sawSchema = true
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "{}"}}},
		})
	}))
	defer srv.Close()

	transport := llm.NewOpenAITransport(llm.OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := transport.Call(context.Background(), llm.Request{
		Role:     llm.RoleReviewer,
		Model:    "gpt-test",
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
		Schema:   map[string]any{"type": "object"},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !sawSchema {
		t.Fatal("expected response_format.type=json_schema when Schema is set")
	}
}

func TestOpenAITransportSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "model does not support structured outputs", "type": "invalid_request_error"},
		})
	}))
	defer srv.Close()

	transport := llm.NewOpenAITransport(llm.OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := transport.Call(context.Background(), llm.Request{
		Role:     llm.RoleCurator,
		Model:    "gpt-test",
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
		Schema:   map[string]any{"type": "object"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

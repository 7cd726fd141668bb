package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"reelforge/internal/config"
)

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		payload := map[string]any{
			"choices": []any{
				map[string]any{
					"message": map[string]any{"content": content},
				},
			},
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestCompleteJSONReturnsContent(t *testing.T) {
	server := chatServer(t, `{"story":"a runner at dawn"}`)

	client := NewChatClient(config.LLM{APIKey: "test", BaseURL: server.URL, Model: "demo-model"})
	content, err := client.CompleteJSON(context.Background(), "write json", "a bottle ad")
	if err != nil {
		t.Fatalf("CompleteJSON returned error: %v", err)
	}

	var decoded struct {
		Story string `json:"story"`
	}
	if err := DecodeModelJSON(content, &decoded); err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if decoded.Story != "a runner at dawn" {
		t.Fatalf("story = %q", decoded.Story)
	}
}

func TestCompleteJSONRequiresPromptsAndKey(t *testing.T) {
	client := NewChatClient(config.LLM{APIKey: "test", BaseURL: "http://127.0.0.1:0", Model: "demo"})
	if _, err := client.CompleteJSON(context.Background(), "", "user"); err == nil {
		t.Error("empty system prompt accepted")
	}
	if _, err := client.CompleteJSON(context.Background(), "system", ""); err == nil {
		t.Error("empty user prompt accepted")
	}

	keyless := NewChatClient(config.LLM{BaseURL: "http://127.0.0.1:0", Model: "demo"})
	if _, err := keyless.CompleteJSON(context.Background(), "system", "user"); err == nil {
		t.Error("missing api key accepted")
	}
}

func TestCompleteJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		payload := map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": `{"ok":true}`}},
			},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client := NewChatClient(config.LLM{APIKey: "test", BaseURL: server.URL, Model: "demo"},
		WithChatRetry(5, time.Millisecond, 5*time.Millisecond),
		WithChatSleeper(func(time.Duration) {}))
	if _, err := client.CompleteJSON(context.Background(), "system", "user"); err != nil {
		t.Fatalf("CompleteJSON returned error after retryable failures: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server called %d times, want 3", got)
	}
}

func TestCompleteJSONDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
	}))
	defer server.Close()

	client := NewChatClient(config.LLM{APIKey: "bad", BaseURL: server.URL, Model: "demo"},
		WithChatRetry(5, time.Millisecond, 5*time.Millisecond),
		WithChatSleeper(func(time.Duration) {}))
	if _, err := client.CompleteJSON(context.Background(), "system", "user"); err == nil {
		t.Fatal("expected error for 401 response")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server called %d times, want 1", got)
	}
}

func TestDecodeModelJSONStripsCodeFence(t *testing.T) {
	var decoded struct {
		OK bool `json:"ok"`
	}
	if err := DecodeModelJSON("```json\n{\"ok\":true}\n```", &decoded); err != nil {
		t.Fatalf("decode fenced payload: %v", err)
	}
	if !decoded.OK {
		t.Fatal("fenced payload lost its content")
	}
	if err := DecodeModelJSON("```\n\n```", &decoded); err == nil {
		t.Fatal("empty fenced payload accepted")
	}
}

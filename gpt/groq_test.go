package gpt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGroqCompleter_Complete(t *testing.T) {
	var body struct {
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer gsk_test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"llama-3.1-8b-instant",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hmm, I see. What did you build there?"}}]}`)
	}))
	defer srv.Close()

	g := NewGroqCompleter(GroqConfig{
		APIKey:      "gsk_test",
		BaseURL:     srv.URL + "/openai/v1/",
		Temperature: 0.7,
		MaxTokens:   150,
	})

	text, err := g.Complete(context.Background(), []Message{
		{Role: RoleSystem, Text: "persona"},
		{Role: RoleAssistant, Text: "greeting"},
		{Role: RoleUser, Text: "I built a payments service"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "Hmm, I see. What did you build there?" {
		t.Errorf("text = %q", text)
	}

	if body.Model != DefaultGroqModel {
		t.Errorf("model = %q", body.Model)
	}
	if body.Temperature != 0.7 || body.MaxTokens != 150 {
		t.Errorf("temperature=%v max_tokens=%d", body.Temperature, body.MaxTokens)
	}
	wantRoles := []string{"system", "assistant", "user"}
	if len(body.Messages) != len(wantRoles) {
		t.Fatalf("messages = %+v", body.Messages)
	}
	for i, role := range wantRoles {
		if body.Messages[i].Role != role {
			t.Errorf("message %d role = %q, want %q", i, body.Messages[i].Role, role)
		}
	}
}

func TestGroqCompleter_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := NewGroqCompleter(GroqConfig{APIKey: "k", BaseURL: srv.URL + "/"})
	if _, err := g.Complete(context.Background(), []Message{{Role: RoleUser, Text: "hi"}}); err == nil {
		t.Fatalf("expected error")
	}
}

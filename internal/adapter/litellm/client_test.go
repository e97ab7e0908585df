package litellm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ensembleworks/ensemble/internal/adapter/litellm"
	"github.com/ensembleworks/ensemble/internal/config"
	"github.com/ensembleworks/ensemble/internal/port/model"
	"github.com/ensembleworks/ensemble/internal/resilience"
)

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Fatalf("unexpected auth: %q", auth)
		}

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "openai/gpt-4o-mini" {
			t.Fatalf("unexpected model: %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Fatalf("expected system prompt first, got %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "step 1: read the code"}}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 11}
		}`))
	}))
	defer srv.Close()

	client := litellm.NewClient(config.Model{URL: srv.URL, APIKey: "test-key", Name: "openai/gpt-4o-mini"})
	out, err := client.Complete(context.Background(), "You are a planner.", []model.Message{
		{Role: "user", Content: "Plan the refactor."},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if out.Text != "step 1: read the code" {
		t.Fatalf("unexpected text: %q", out.Text)
	}
	if out.TokensIn != 42 || out.TokensOut != 11 {
		t.Fatalf("unexpected usage: in=%d out=%d", out.TokensIn, out.TokensOut)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	client := litellm.NewClient(config.Model{URL: srv.URL, Name: "m"})
	if _, err := client.Complete(context.Background(), "", []model.Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := litellm.NewClient(config.Model{URL: srv.URL, Name: "m"})
	if _, err := client.Complete(context.Background(), "", []model.Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("expected error for 429")
	}
}

func TestCompleteBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := litellm.NewClient(config.Model{URL: srv.URL, Name: "m"})
	client.SetBreaker(resilience.NewBreaker(2, time.Minute))

	msgs := []model.Message{{Role: "user", Content: "hi"}}
	for range 2 {
		if _, err := client.Complete(context.Background(), "", msgs); err == nil {
			t.Fatal("expected error while failing")
		}
	}

	if _, err := client.Complete(context.Background(), "", msgs); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"pagesift/internal/apperr"
	"pagesift/internal/config"
)

func TestParseJSONObject(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"prose wrapped", `Here is the result: {"title":"x"} hope it helps`, `{"title":"x"}`, false},
		{"no object", "sorry, cannot comply", "", true},
		{"broken json", `{"a":`, "", true},
	}

	for _, tc := range cases {
		got, err := ParseJSONObject(tc.content)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error, got %s", tc.name, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if string(got) != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestOpenAIClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req openAIChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("expected json_object response format")
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"{\"title\":\"ok\"}"}}]}`)
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.LLM.DefaultProvider = "openai"
	cfg.LLM.OpenAI.APIKey = "test-key"
	cfg.LLM.OpenAI.BaseURL = srv.URL
	cfg.LLM.OpenAI.Model = "gpt-4o-mini"

	client, prov, model, err := NewClientFromConfig(cfg, "", "")
	if err != nil {
		t.Fatalf("NewClientFromConfig error: %v", err)
	}
	if prov != ProviderOpenAI || model != "gpt-4o-mini" {
		t.Fatalf("unexpected provider/model %s/%s", prov, model)
	}

	out, err := client.Complete(context.Background(), Request{System: "extract", Prompt: "page text"})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if out != `{"title":"ok"}` {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestOpenAIClientUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.LLM.DefaultProvider = "openai"
	cfg.LLM.OpenAI.APIKey = "k"
	cfg.LLM.OpenAI.BaseURL = srv.URL
	cfg.LLM.OpenAI.Model = "m"

	client, _, _, err := NewClientFromConfig(cfg, "", "")
	if err != nil {
		t.Fatalf("NewClientFromConfig error: %v", err)
	}

	_, err = client.Complete(context.Background(), Request{Prompt: "x"})
	if apperr.CodeOf(err) != apperr.CodeLLMProviderError {
		t.Fatalf("expected LLM_PROVIDER_ERROR, got %v", err)
	}
}

func TestNewClientFromConfigValidation(t *testing.T) {
	cfg := &config.Config{}
	cfg.LLM.DefaultProvider = "openai"

	if _, _, _, err := NewClientFromConfig(cfg, "", ""); err == nil {
		t.Fatalf("missing api key must fail")
	}

	cfg.LLM.DefaultProvider = "watson"
	if _, _, _, err := NewClientFromConfig(cfg, "", ""); apperr.CodeOf(err) != apperr.CodeLLMProviderError {
		t.Fatalf("unknown provider must fail with LLM_PROVIDER_ERROR")
	}

	// Per-request override wins over the configured default.
	cfg.LLM.DefaultProvider = "openai"
	cfg.LLM.OpenAI.APIKey = "k"
	cfg.LLM.OpenAI.Model = "m"
	cfg.LLM.Anthropic.APIKey = "k2"
	cfg.LLM.Anthropic.Model = "claude"
	_, prov, model, err := NewClientFromConfig(cfg, "anthropic", "")
	if err != nil {
		t.Fatalf("override error: %v", err)
	}
	if prov != ProviderAnthropic || model != "claude" {
		t.Fatalf("unexpected override result %s/%s", prov, model)
	}
}

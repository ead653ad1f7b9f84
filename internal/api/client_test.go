package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestNewClient_WithAPIKey(t *testing.T) {
	client, err := NewClient(context.Background(), ClientConfig{
		APIKey: "test-key-123",
		Model:  anthropic.ModelClaudeSonnet4_20250514,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Model() != anthropic.ModelClaudeSonnet4_20250514 {
		t.Errorf("Model = %q, want %q", client.Model(), anthropic.ModelClaudeSonnet4_20250514)
	}
	if client.Tracker() == nil {
		t.Error("Tracker should not be nil")
	}
}

func TestNewClient_NoAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewClient(context.Background(), ClientConfig{})
	if !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("NewClient error = %v, want ErrNoAPIKey", err)
	}
}

func TestNewClient_DefaultModel(t *testing.T) {
	client, err := NewClient(context.Background(), ClientConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Model() != DefaultModel {
		t.Errorf("Model = %q, want %q", client.Model(), DefaultModel)
	}
}

func TestNewClient_BedrockTranslatesModel(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	client, err := NewClient(context.Background(), ClientConfig{
		UseAWSBedrock: true,
		AWSRegion:     "us-west-2",
		Model:         anthropic.ModelClaudeSonnet4_5_20250929,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if got, want := string(client.Model()), "us.anthropic.claude-sonnet-4-5-20250929-v1:0"; got != want {
		t.Errorf("Model = %q, want %q", got, want)
	}
	if !client.Bedrock() {
		t.Error("Bedrock() = false")
	}
}

func TestTokenTracker(t *testing.T) {
	tr := NewTokenTracker()
	tr.Add(100, 50)
	tr.Add(10, 5)
	in, out := tr.Total()
	if in != 110 || out != 55 {
		t.Errorf("Total() = %d, %d, want 110, 55", in, out)
	}
	if tr.Calls() != 2 {
		t.Errorf("Calls() = %d, want 2", tr.Calls())
	}
}

func fakeMessagesServer(t *testing.T, text string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_test",
			"type":        "message",
			"role":        "assistant",
			"model":       req["model"],
			"content":     []map[string]any{{"type": "text", "text": text}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 12, "output_tokens": 7},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunner_RunJSON(t *testing.T) {
	srv := fakeMessagesServer(t, "Here you go:\n```json\n{\"confidence\": 0.8, \"constraints\": [\"min delay 6h\"]}\n```")
	client, err := NewClient(context.Background(), ClientConfig{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	var out struct {
		Confidence  float64  `json:"confidence"`
		Constraints []string `json:"constraints"`
	}
	if err := NewRunner(client).RunJSON(context.Background(), Request{System: "s", Prompt: "p"}, &out); err != nil {
		t.Fatalf("RunJSON failed: %v", err)
	}
	if out.Confidence != 0.8 || len(out.Constraints) != 1 {
		t.Errorf("out = %+v", out)
	}
	if client.Tracker().Calls() != 1 {
		t.Errorf("Calls() = %d, want 1", client.Tracker().Calls())
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`{"a":1}`, `{"a":1}`, false},
		{"prefix {\"a\":{\"b\":2}} suffix", `{"a":{"b":2}}`, false},
		{`[1,2]`, `[1,2]`, false},
		{"no json here", "", true},
		{"} backwards {", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractJSON(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ExtractJSON(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

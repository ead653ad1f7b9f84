package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ShayCichocki/arbiter/internal/api"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

func TestLLMCapability_Invoke(t *testing.T) {
	var gotSystem, gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			System []struct {
				Text string `json:"text"`
			} `json:"system"`
			Messages []struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"messages"`
			Model string `json:"model"`
		}
		json.Unmarshal(body, &req)
		if len(req.System) > 0 {
			gotSystem = req.System[0].Text
		}
		if len(req.Messages) > 0 && len(req.Messages[0].Content) > 0 {
			gotPrompt = req.Messages[0].Content[0].Text
		}

		reply := `{"payload":{"action":"delay","delay":"6h"},"constraints":["crew_rest: minimum delay 6h"],"confidence":0.85,"sources":["FAR 117"]}`
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_test",
			"type":        "message",
			"role":        "assistant",
			"model":       req.Model,
			"content":     []map[string]any{{"type": "text", "text": reply}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 20},
		})
	}))
	defer srv.Close()

	client, err := api.NewClient(context.Background(), api.ClientConfig{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	factory := LLMFactory(api.NewRunner(client))
	capability, err := factory(WorkerSpec{Name: "crew_legality", Role: models.RoleSafety})
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}

	out, err := capability.Invoke(context.Background(), "You check crew duty limits.", Context{
		ThreadID:   "t1",
		Round:      models.RoundInitial,
		Disruption: json.RawMessage(`{"flight":"AA100"}`),
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if out.Confidence != 0.85 || len(out.Constraints) != 1 || out.Payload["delay"] != "6h" {
		t.Errorf("out = %+v", out)
	}
	if !strings.HasPrefix(gotSystem, "You check crew duty limits.") || !strings.Contains(gotSystem, `"constraints"`) {
		t.Errorf("system prompt = %q", gotSystem)
	}
	if !strings.Contains(gotPrompt, `"AA100"`) || !strings.Contains(gotPrompt, `"round": "initial"`) {
		t.Errorf("user prompt = %q", gotPrompt)
	}
}

package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"Mamori/pkg/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatResponse(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini-2024-07-18",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	}
}

func TestOpenAIAnalyzerParsesJSONContent(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse(`{"risk_score": 92, "scam_type": "ore_ore", "summary": "息子を装う", "is_suspicious": true}`))
	}))
	defer srv.Close()

	a := NewOpenAIAnalyzer("sk-test", srv.URL+"/v1", "gpt-4o-mini", srv.Client())
	res, err := a.Analyze(context.Background(), Request{Kind: KindConversationSummary, Text: "母さん、俺だよ"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", gotModel)
	assert.Equal(t, 92, res.RiskScore)
	assert.Equal(t, "ore_ore", res.ScamType)
	assert.True(t, res.IsSuspicious)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", res.ModelVersion)
}

func TestOpenAIAnalyzerErrors(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error": {"message": "bad", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	a := NewOpenAIAnalyzer("sk-test", srv.URL+"/v1", "", srv.Client())
	_, err := a.Analyze(context.Background(), Request{Kind: KindQuickCheck, Text: "x"})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))

	status = http.StatusServiceUnavailable
	_, err = a.Analyze(context.Background(), Request{Kind: KindQuickCheck, Text: "x"})
	require.Error(t, err)
	assert.False(t, resilience.IsPermanent(err))
}

package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"Mamori/pkg/resilience"

	"github.com/sashabaranov/go-openai"
)

const systemPrompt = `あなたは高齢者を狙う詐欺を検出するアナリストです。
入力を評価し、次のキーのみを含む JSON オブジェクトで回答してください:
risk_score (0-100 の整数), scam_type (文字列), summary (日本語の要約),
keywords_found (文字列配列), key_points (文字列配列), recommended_actions (文字列配列),
is_suspicious (真偽値), reason (文字列)。`

// OpenAIAnalyzer 使用 OpenAI 兼容接口作为评分服务
type OpenAIAnalyzer struct {
	client *openai.Client
	model  string
}

// NewOpenAIAnalyzer baseURL 为空时使用官方地址
func NewOpenAIAnalyzer(apiKey, baseURL, model string, httpClient *http.Client) *OpenAIAnalyzer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIAnalyzer{client: openai.NewClientWithConfig(cfg), model: model}
}

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "analysis_kind: %s\n", req.Kind)
	if req.PhoneNumber != "" {
		fmt.Fprintf(&b, "phone_number: %s\n", req.PhoneNumber)
	}
	if req.CallType != "" {
		fmt.Fprintf(&b, "call_type: %s\n", req.CallType)
	}
	if req.CallerNumber != "" {
		fmt.Fprintf(&b, "caller_number: %s\n", req.CallerNumber)
	}
	if req.SMSContent != "" {
		fmt.Fprintf(&b, "sms_content: %s\n", req.SMSContent)
	}
	if req.Text != "" {
		fmt.Fprintf(&b, "text: %s\n", req.Text)
	}
	return b.String()
}

func (o *OpenAIAnalyzer) Analyze(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, resilience.Permanent(err)
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(req)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 &&
			apiErr.HTTPStatusCode != http.StatusTooManyRequests {
			return nil, resilience.Permanent(err)
		}
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices")
	}

	var wire wireResult
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &wire); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("openai: decode analysis: %w", err))
	}
	result := wire.toResult()
	if result.ModelVersion == "" {
		result.ModelVersion = resp.Model
	}
	return result, nil
}

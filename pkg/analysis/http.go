package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Mamori/pkg/resilience"

	"github.com/sirupsen/logrus"
)

// StatusError 外部服务返回的非 2xx 响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis service HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPAnalyzer 调用独立部署的评分服务
type HTTPAnalyzer struct {
	baseURL        string
	httpClient     *http.Client
	timeout        time.Duration
	summaryTimeout time.Duration
	logger         *logrus.Logger
}

type HTTPOption func(*HTTPAnalyzer)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPAnalyzer) { h.httpClient = c }
}

// WithTimeouts 普通接口与摘要接口的超时
func WithTimeouts(def, summary time.Duration) HTTPOption {
	return func(h *HTTPAnalyzer) {
		if def > 0 {
			h.timeout = def
		}
		if summary > 0 {
			h.summaryTimeout = summary
		}
	}
}

func WithLogger(l *logrus.Logger) HTTPOption {
	return func(h *HTTPAnalyzer) { h.logger = l }
}

func NewHTTPAnalyzer(baseURL string, opts ...HTTPOption) *HTTPAnalyzer {
	h := &HTTPAnalyzer{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{},
		timeout:        3 * time.Second,
		summaryTimeout: 5 * time.Second,
		logger:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var endpoints = map[Kind]string{
	KindConversation:        "/api/v1/analyze/conversation",
	KindCallMetadata:        "/api/v1/analyze/call-metadata",
	KindConversationSummary: "/api/v1/analyze/conversation-summary",
	KindQuickCheck:          "/api/v1/analyze/quick-check",
}

func requestBody(req Request) map[string]any {
	switch req.Kind {
	case KindConversation:
		body := map[string]any{"text": req.Text}
		if req.CallerNumber != "" {
			body["caller_number"] = req.CallerNumber
		}
		return body
	case KindCallMetadata:
		body := map[string]any{"phone_number": req.PhoneNumber, "call_type": req.CallType}
		if req.SMSContent != "" {
			body["sms_content"] = req.SMSContent
		}
		return body
	}
	return map[string]any{"text": req.Text}
}

// Analyze 5xx、429 与网络错误可重试，其余非 2xx 标记为 Permanent
func (h *HTTPAnalyzer) Analyze(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, resilience.Permanent(err)
	}
	timeout := h.timeout
	if req.Kind == KindConversationSummary {
		timeout = h.summaryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(requestBody(req))
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+endpoints[req.Kind], bytes.NewReader(body))
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		h.logger.WithError(err).WithField("kind", req.Kind).Warn("analysis request failed")
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(raw)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: snippet}
		h.logger.WithFields(logrus.Fields{"kind": req.Kind, "status": resp.StatusCode}).Warn("analysis service returned error")
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, statusErr
		}
		return nil, resilience.Permanent(statusErr)
	}

	var wire wireResult
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	result := wire.toResult()
	h.logger.WithFields(logrus.Fields{
		"kind":     req.Kind,
		"score":    result.RiskScore,
		"duration": time.Since(start),
	}).Debug("analysis completed")
	return result, nil
}

package analysis

import (
	"context"
	"fmt"
)

// Kind 分析接口类型，对应外部服务的不同端点
type Kind string

const (
	KindConversation        Kind = "conversation"
	KindCallMetadata        Kind = "call_metadata"
	KindConversationSummary Kind = "conversation_summary"
	KindQuickCheck          Kind = "quick_check"
)

// FallbackModelVersion 降级结果的模型版本标记
const FallbackModelVersion = "fallback"

// Request 一次分析请求，按 Kind 使用不同字段
type Request struct {
	Kind         Kind
	Text         string
	CallerNumber string
	PhoneNumber  string
	CallType     string
	SMSContent   string
}

func (r Request) Validate() error {
	switch r.Kind {
	case KindConversation, KindConversationSummary, KindQuickCheck:
		if r.Text == "" {
			return fmt.Errorf("analysis %s: text is required", r.Kind)
		}
	case KindCallMetadata:
		if r.CallType == "" {
			return fmt.Errorf("analysis %s: call type is required", r.Kind)
		}
	default:
		return fmt.Errorf("unknown analysis kind %q", r.Kind)
	}
	return nil
}

// Result 外部评分服务的结果
type Result struct {
	RiskScore          int      `json:"riskScore"`
	ScamType           string   `json:"scamType"`
	Summary            string   `json:"summary"`
	KeywordsFound      []string `json:"keywordsFound"`
	KeyPoints          []string `json:"keyPoints"`
	RecommendedActions []string `json:"recommendedActions"`
	ModelVersion       string   `json:"modelVersion"`
	IsSuspicious       bool     `json:"isSuspicious"`
	Reason             string   `json:"reason,omitempty"`
	// Fallback 为 true 表示外部服务不可用时的中性结果
	Fallback bool `json:"fallback"`
}

// Analyzer 外部评分服务
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Result, error)
}

// NeutralResult 依赖失败或熔断时返回的零风险结果
func NeutralResult() *Result {
	return &Result{
		RiskScore:          0,
		ScamType:           "unknown",
		Summary:            "解析に失敗しました",
		KeywordsFound:      []string{},
		KeyPoints:          []string{},
		RecommendedActions: []string{},
		ModelVersion:       FallbackModelVersion,
		Fallback:           true,
	}
}

// wireResult 外部服务使用 snake_case
type wireResult struct {
	RiskScore          float64  `json:"risk_score"`
	ScamType           string   `json:"scam_type"`
	Summary            string   `json:"summary"`
	KeywordsFound      []string `json:"keywords_found"`
	KeyPoints          []string `json:"key_points"`
	RecommendedActions []string `json:"recommended_actions"`
	ModelVersion       string   `json:"model_version"`
	IsSuspicious       bool     `json:"is_suspicious"`
	Reason             string   `json:"reason"`
}

func (w wireResult) toResult() *Result {
	r := &Result{
		RiskScore:          clampScore(w.RiskScore),
		ScamType:           w.ScamType,
		Summary:            w.Summary,
		KeywordsFound:      nonNil(w.KeywordsFound),
		KeyPoints:          nonNil(w.KeyPoints),
		RecommendedActions: nonNil(w.RecommendedActions),
		ModelVersion:       w.ModelVersion,
		IsSuspicious:       w.IsSuspicious,
		Reason:             w.Reason,
	}
	if r.ScamType == "" {
		r.ScamType = "unknown"
	}
	return r
}

func clampScore(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(v + 0.5)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

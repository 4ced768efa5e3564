package risk

import (
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// NumberRisk 号码风险等级
type NumberRisk string

const (
	NumberHigh   NumberRisk = "high"
	NumberMedium NumberRisk = "medium"
	NumberLow    NumberRisk = "low"
)

// CallType 转发来源
type CallType string

const (
	CallTypeCall CallType = "call"
	CallTypeSMS  CallType = "sms"
)

const (
	DefaultHomePrefix = "+81"
	DefaultMinDigits  = 8

	autoBlockKeywordThreshold = 3
	criticalKeywordThreshold  = 2
	reasonKeywordLimit        = 3
)

// DefaultKeywords 固定的诈骗关键词表，扫描结果按此顺序输出
var DefaultKeywords = []string{
	"当選", "未払い", "口座", "振込", "至急", "本日中",
	"最終通告", "裁判", "差し押さえ", "支払い期限",
	"不正アクセス", "不正利用", "アカウント停止",
	"ログイン確認", "本人確認", "お届け物",
	"還付金", "払い戻し", "投資", "高収益",
}

var (
	withheldCallerIDs   = []string{"非通知", "unknown", "private", "anonymous"}
	defaultMediumPrefix = []string{"050", "0120"}
)

// Assessment 一次号码/短信评估结果，不落库
type Assessment struct {
	NumberRisk    NumberRisk `json:"numberRisk"`
	KeywordsFound []string   `json:"keywordsFound"`
	Severity      Severity   `json:"severity"`
	AutoBlock     bool       `json:"shouldAutoBlock"`
	Reason        string     `json:"reason,omitempty"`
}

// Classifier 纯函数风险分类器，构造后只读，可并发使用
type Classifier struct {
	homePrefix     string
	mediumPrefixes []string
	minDigits      int
	keywords       []string
}

type Option func(*Classifier)

func WithHomePrefix(prefix string) Option {
	return func(c *Classifier) {
		if prefix != "" {
			c.homePrefix = prefix
		}
	}
}

// WithMediumPrefixes 覆盖 IP 电话/免费电话前缀
func WithMediumPrefixes(prefixes ...string) Option {
	return func(c *Classifier) { c.mediumPrefixes = append([]string(nil), prefixes...) }
}

func WithMinDigits(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.minDigits = n
		}
	}
}

func WithKeywords(keywords ...string) Option {
	return func(c *Classifier) { c.keywords = append([]string(nil), keywords...) }
}

func New(opts ...Option) *Classifier {
	c := &Classifier{
		homePrefix:     DefaultHomePrefix,
		mediumPrefixes: defaultMediumPrefix,
		minDigits:      DefaultMinDigits,
		keywords:       DefaultKeywords,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var defaultClassifier = New()

// ClassifyNumber 按规则顺序判定号码风险
func (c *Classifier) ClassifyNumber(phone string) NumberRisk {
	n := normalizeNumber(phone)

	if strings.HasPrefix(n, "+") && !strings.HasPrefix(n, c.homePrefix) {
		return NumberHigh
	}
	if n == "" || isWithheld(n) {
		return NumberHigh
	}
	for _, p := range c.mediumPrefixes {
		if strings.HasPrefix(n, p) {
			return NumberMedium
		}
	}
	if countDigits(n) < c.minDigits {
		return NumberMedium
	}
	return NumberLow
}

// ScanKeywords 区分大小写的子串匹配，每个关键词最多出现一次
func (c *Classifier) ScanKeywords(text string) []string {
	found := []string{}
	if text == "" {
		return found
	}
	for _, kw := range c.keywords {
		if strings.Contains(text, kw) {
			found = append(found, kw)
		}
	}
	return found
}

func (c *Classifier) Assess(phone string, callType CallType, smsText string) Assessment {
	numberRisk := c.ClassifyNumber(phone)
	keywords := []string{}
	if callType == CallTypeSMS {
		keywords = c.ScanKeywords(smsText)
	}
	a := Assessment{
		NumberRisk:    numberRisk,
		KeywordsFound: keywords,
		Severity:      DetermineSeverity(numberRisk, len(keywords)),
		AutoBlock:     ShouldAutoBlock(numberRisk, len(keywords)),
	}
	if a.AutoBlock {
		a.Reason = AutoBlockReason(numberRisk, keywords)
	}
	return a
}

// DetermineSeverity 号码风险与关键词数量合成严重度
func DetermineSeverity(numberRisk NumberRisk, keywordCount int) Severity {
	switch {
	case numberRisk == NumberHigh && keywordCount >= criticalKeywordThreshold:
		return SeverityCritical
	case numberRisk == NumberHigh || keywordCount >= autoBlockKeywordThreshold:
		return SeverityHigh
	case numberRisk == NumberMedium || keywordCount >= 1:
		return SeverityMedium
	}
	return SeverityLow
}

func ShouldAutoBlock(numberRisk NumberRisk, keywordCount int) bool {
	return numberRisk == NumberHigh || keywordCount >= autoBlockKeywordThreshold
}

// AutoBlockReason 写入拦截名单的理由
func AutoBlockReason(numberRisk NumberRisk, keywords []string) string {
	if len(keywords) > 0 {
		if len(keywords) > reasonKeywordLimit {
			keywords = keywords[:reasonKeywordLimit]
		}
		return "自動ブロック: キーワード検出 (" + strings.Join(keywords, ", ") + ")"
	}
	if numberRisk == NumberHigh {
		return "自動ブロック: 高リスク番号"
	}
	return "自動ブロック: 中リスク番号"
}

func ClassifyNumber(phone string) NumberRisk { return defaultClassifier.ClassifyNumber(phone) }

func ScanKeywords(text string) []string { return defaultClassifier.ScanKeywords(text) }

func Assess(phone string, callType CallType, smsText string) Assessment {
	return defaultClassifier.Assess(phone, callType, smsText)
}

// normalizeNumber 全角转半角并去掉首尾空白
func normalizeNumber(phone string) string {
	return strings.TrimSpace(width.Narrow.String(phone))
}

func isWithheld(n string) bool {
	for _, id := range withheldCallerIDs {
		if strings.EqualFold(n, id) {
			return true
		}
	}
	return false
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r <= unicode.MaxASCII && unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

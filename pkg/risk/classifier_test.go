package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyNumber(t *testing.T) {
	cases := []struct {
		phone string
		want  NumberRisk
	}{
		{"+1-202-555-0143", NumberHigh},
		{"+44 20 7946 0958", NumberHigh},
		{"+8613800138000", NumberHigh},
		{"+819012345678", NumberLow},
		{"", NumberHigh},
		{"   ", NumberHigh},
		{"非通知", NumberHigh},
		{"unknown", NumberHigh},
		{"Private", NumberHigh},
		{"05012345678", NumberMedium},
		{"0120-123-456", NumberMedium},
		{"110", NumberMedium},
		{"1234567", NumberMedium},
		{"09012345678", NumberLow},
		{"03-1234-5678", NumberLow},
		{"０９０１２３４５６７８", NumberLow},
		{"＋１２０２５５５０１４３", NumberHigh},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyNumber(tc.phone), "phone %q", tc.phone)
	}
}

func TestInternationalNonHomeAlwaysHigh(t *testing.T) {
	for _, prefix := range []string{"+1", "+7", "+33", "+44", "+63", "+82", "+86", "+852", "+880", "+90"} {
		for _, rest := range []string{"", "0", "12", "0120123456", "05012345678", "9999999999999"} {
			assert.Equal(t, NumberHigh, ClassifyNumber(prefix+rest), prefix+rest)
		}
	}
}

func TestCustomHomePrefix(t *testing.T) {
	c := New(WithHomePrefix("+1"), WithMinDigits(10))
	assert.Equal(t, NumberLow, c.ClassifyNumber("+12025550143"))
	assert.Equal(t, NumberHigh, c.ClassifyNumber("+819012345678"))
	assert.Equal(t, NumberMedium, c.ClassifyNumber("555-0143"))
}

func TestScanKeywordsPureAndOrdered(t *testing.T) {
	text := "投資の件です。至急、口座に振込をお願いします。至急！"
	first := ScanKeywords(text)
	second := ScanKeywords(text)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"口座", "振込", "至急", "投資"}, first)

	assert.Empty(t, ScanKeywords(""))
	assert.Empty(t, ScanKeywords("こんにちは、元気ですか"))
	assert.NotNil(t, ScanKeywords(""))
}

func TestScanKeywordsCaseSensitive(t *testing.T) {
	c := New(WithKeywords("ATM", "Bank"))
	assert.Equal(t, []string{"ATM"}, c.ScanKeywords("ATMで bank"))
}

func TestDetermineSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, DetermineSeverity(NumberHigh, 2))
	assert.Equal(t, SeverityHigh, DetermineSeverity(NumberHigh, 1))
	assert.Equal(t, SeverityHigh, DetermineSeverity(NumberHigh, 0))
	assert.Equal(t, SeverityHigh, DetermineSeverity(NumberLow, 3))
	assert.Equal(t, SeverityHigh, DetermineSeverity(NumberMedium, 5))
	assert.Equal(t, SeverityMedium, DetermineSeverity(NumberMedium, 0))
	assert.Equal(t, SeverityMedium, DetermineSeverity(NumberLow, 1))
	assert.Equal(t, SeverityLow, DetermineSeverity(NumberLow, 0))
}

func TestShouldAutoBlock(t *testing.T) {
	assert.True(t, ShouldAutoBlock(NumberHigh, 0))
	assert.True(t, ShouldAutoBlock(NumberLow, 3))
	assert.False(t, ShouldAutoBlock(NumberMedium, 2))
	assert.False(t, ShouldAutoBlock(NumberLow, 0))
}

func TestAssessScamSMSFromAbroad(t *testing.T) {
	a := Assess("+12025550143", CallTypeSMS, "口座が凍結されました。至急ATMで手続きしてください。")
	assert.Equal(t, NumberHigh, a.NumberRisk)
	assert.GreaterOrEqual(t, len(a.KeywordsFound), 2)
	assert.Equal(t, []string{"口座", "至急"}, a.KeywordsFound)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.True(t, a.AutoBlock)
	assert.Equal(t, "自動ブロック: キーワード検出 (口座, 至急)", a.Reason)
}

func TestAssessCallIgnoresText(t *testing.T) {
	a := Assess("09012345678", CallTypeCall, "至急 口座 振込")
	assert.Empty(t, a.KeywordsFound)
	assert.Equal(t, SeverityLow, a.Severity)
	assert.False(t, a.AutoBlock)
	assert.Empty(t, a.Reason)
}

func TestAutoBlockReason(t *testing.T) {
	assert.Equal(t, "自動ブロック: 高リスク番号", AutoBlockReason(NumberHigh, nil))
	assert.Equal(t, "自動ブロック: キーワード検出 (当選, 未払い, 口座)",
		AutoBlockReason(NumberLow, []string{"当選", "未払い", "口座", "振込"}))
}

func TestSeverityRaise(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityHigh.Raise(SeverityCritical))
	assert.Equal(t, SeverityHigh, SeverityHigh.Raise(SeverityLow))
	assert.Equal(t, SeverityHigh, SeverityHigh.Raise(""))
	assert.Equal(t, SeverityCritical, FromScore(95))
	assert.Equal(t, SeverityHigh, FromScore(70))
	assert.Equal(t, Severity(""), FromScore(69))
	assert.False(t, Severity("urgent").Valid())
}

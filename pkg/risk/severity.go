package risk

// Severity 事件严重度
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank 严重度排序值，未知取值为 0
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

// Raise 返回两者中较高的一个，用于分析结果只升不降
func (s Severity) Raise(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// FromScore 根据分析分数推导的最低严重度，分数不足时返回空
func FromScore(score int) Severity {
	switch {
	case score >= 90:
		return SeverityCritical
	case score >= 70:
		return SeverityHigh
	}
	return ""
}

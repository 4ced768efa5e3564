package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnalysisResult 外部分析服务对事件的结论
type AnalysisResult struct {
	ID           uint      `json:"-" gorm:"primaryKey"`
	EventID      string    `json:"eventId" gorm:"size:36;not null;uniqueIndex"`
	RiskScore    int       `json:"riskScore"`
	ScamType     string    `json:"scamType" gorm:"size:64"`
	Summary      string    `json:"summary" gorm:"type:text"`
	ModelVersion string    `json:"modelVersion" gorm:"size:64"`
	Fallback     bool      `json:"fallback"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SaveAnalysisResult 同一事件重复分析时覆盖旧结果
func SaveAnalysisResult(db *gorm.DB, r *AnalysisResult) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"risk_score", "scam_type", "summary", "model_version", "fallback"}),
	}).Create(r).Error
}

package models

import "gorm.io/gorm"

// Migrate 自动迁移全部业务表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Pairing{},
		&DeviceToken{},
		&SosSetting{},
		&BlockedNumber{},
		&SafetyEvent{},
		&AnalysisResult{},
		&EmergencySession{},
	)
}

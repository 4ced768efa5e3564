package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// User 用户，Role 为 elderly 或 family
type User struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	Name      string    `json:"name" gorm:"size:128"`
	Role      string    `json:"role" gorm:"size:16"`
	Lang      string    `json:"lang" gorm:"size:8"`
	CreatedAt time.Time `json:"createdAt"`
}

type PairingRole string

const (
	PairingOwner  PairingRole = "owner"
	PairingMember PairingRole = "member"
)

// Pairing 被监护人与监护人的绑定关系
type Pairing struct {
	ID         uint        `json:"id" gorm:"primaryKey"`
	SubjectID  string      `json:"subjectId" gorm:"size:64;not null;uniqueIndex:idx_pairing,priority:1"`
	GuardianID string      `json:"guardianId" gorm:"size:64;not null;uniqueIndex:idx_pairing,priority:2;index"`
	Role       PairingRole `json:"role" gorm:"size:16;not null;default:member"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// DeviceToken 推送令牌，一个用户可有多台设备
type DeviceToken struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    string    `json:"userId" gorm:"size:64;not null;index"`
	Token     string    `json:"token" gorm:"size:255;not null;uniqueIndex"`
	Platform  string    `json:"platform" gorm:"size:16"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SosSetting 被监护人默认求助模式
type SosSetting struct {
	SubjectID   string      `json:"subjectId" gorm:"primaryKey;size:64"`
	DefaultMode SessionMode `json:"defaultMode" gorm:"size:16;not null"`
	UpdatedBy   string      `json:"updatedBy" gorm:"size:64"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// BlockedNumber 被监护人的拦截号码
type BlockedNumber struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	SubjectID   string    `json:"subjectId" gorm:"size:64;not null;uniqueIndex:idx_blocked,priority:1"`
	PhoneNumber string    `json:"phoneNumber" gorm:"size:32;not null;uniqueIndex:idx_blocked,priority:2"`
	Reason      string    `json:"reason" gorm:"size:255"`
	AddedBy     string    `json:"addedBy" gorm:"size:64"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IsGuardianOf 判断 guardianID 是否绑定了 subjectID
func IsGuardianOf(db *gorm.DB, guardianID, subjectID string) (bool, error) {
	var n int64
	err := db.Model(&Pairing{}).
		Where("subject_id = ? AND guardian_id = ?", subjectID, guardianID).
		Count(&n).Error
	return n > 0, err
}

// GuardianIDs 被监护人的全部监护人
func GuardianIDs(db *gorm.DB, subjectID string) ([]string, error) {
	var ids []string
	err := db.Model(&Pairing{}).Where("subject_id = ?", subjectID).Pluck("guardian_id", &ids).Error
	return ids, err
}

// CreatePairing 绑定关系已存在时忽略
func CreatePairing(db *gorm.DB, p *Pairing) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(p).Error
}

// GetUser 按ID查询用户
func GetUser(db *gorm.DB, id string) (*User, error) {
	var u User
	if err := db.Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertDeviceToken 同一令牌换绑到最新用户
func UpsertDeviceToken(db *gorm.DB, t *DeviceToken) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "platform", "updated_at"}),
	}).Create(t).Error
}

// TokensForUsers 多个用户的全部推送令牌
func TokensForUsers(db *gorm.DB, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var tokens []string
	err := db.Model(&DeviceToken{}).Where("user_id IN ?", userIDs).Pluck("token", &tokens).Error
	return tokens, err
}

// DeleteDeviceToken userID 非空时只删除该用户名下的令牌
func DeleteDeviceToken(db *gorm.DB, userID, token string) error {
	q := db.Where("token = ?", token)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	return q.Delete(&DeviceToken{}).Error
}

// GetSosSetting 未设置时返回 gorm.ErrRecordNotFound
func GetSosSetting(db *gorm.DB, subjectID string) (*SosSetting, error) {
	var s SosSetting
	if err := db.Where("subject_id = ?", subjectID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveSosSetting 新建或覆盖
func SaveSosSetting(db *gorm.DB, s *SosSetting) error {
	return db.Save(s).Error
}

// BlockNumber 号码已在拦截列表时忽略
func BlockNumber(db *gorm.DB, b *BlockedNumber) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(b).Error
}

// IsBlocked 号码是否已被拦截
func IsBlocked(db *gorm.DB, subjectID, phone string) (bool, error) {
	var n int64
	err := db.Model(&BlockedNumber{}).
		Where("subject_id = ? AND phone_number = ?", subjectID, phone).
		Count(&n).Error
	return n > 0, err
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionMode 求助模式：alarm 响铃，silent 静默
type SessionMode string

const (
	ModeAlarm  SessionMode = "alarm"
	ModeSilent SessionMode = "silent"
)

func (m SessionMode) Valid() bool { return m == ModeAlarm || m == ModeSilent }

// SessionStatus 会话状态，resolved 为终态
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionResolved SessionStatus = "resolved"
)

// LocationPoint 一次位置上报
type LocationPoint struct {
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Accuracy   *float64   `json:"accuracy,omitempty"`
	Battery    *int       `json:"batteryLevel,omitempty"`
	DeviceTime *time.Time `json:"deviceTime,omitempty"`
	ReceivedAt time.Time  `json:"receivedAt"`
}

// Locations 只追加的位置轨迹，按到达顺序存储
type Locations []LocationPoint

func (l Locations) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *Locations) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported locations column type %T", value)
	}
	return json.Unmarshal(b, l)
}

// Last 最近一次位置
func (l Locations) Last() (LocationPoint, bool) {
	if len(l) == 0 {
		return LocationPoint{}, false
	}
	return l[len(l)-1], true
}

// EmergencySession 一次紧急求助会话
type EmergencySession struct {
	ID         string        `json:"id" gorm:"primaryKey;size:36"`
	SubjectID  string        `json:"subjectId" gorm:"size:64;not null;index"`
	Mode       SessionMode   `json:"mode" gorm:"size:16;not null"`
	Status     SessionStatus `json:"status" gorm:"size:16;not null;index"`
	Locations  Locations     `json:"locations" gorm:"type:text"`
	EventID    string        `json:"eventId,omitempty" gorm:"size:36"`
	StartedAt  time.Time     `json:"startedAt"`
	ResolvedBy string        `json:"resolvedBy,omitempty" gorm:"size:64"`
	EndedAt    *time.Time    `json:"endedAt,omitempty"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	Resumed    bool          `json:"resumed,omitempty" gorm:"-"`
}

func (s *EmergencySession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	return nil
}

func (s *EmergencySession) Active() bool { return s.Status == SessionActive }

// CreateEmergencySession 创建会话
func CreateEmergencySession(db *gorm.DB, s *EmergencySession) error {
	return db.Create(s).Error
}

// GetEmergencySession 按ID查询
func GetEmergencySession(db *gorm.DB, id string) (*EmergencySession, error) {
	var s EmergencySession
	if err := db.Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// GetActiveSession 被监护人当前进行中的会话
func GetActiveSession(db *gorm.DB, subjectID string) (*EmergencySession, error) {
	var s EmergencySession
	err := db.Where("subject_id = ? AND status = ?", subjectID, SessionActive).
		Order("started_at DESC").First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveEmergencySession 整体保存
func SaveEmergencySession(db *gorm.DB, s *EmergencySession) error {
	return db.Save(s).Error
}

// ValidCoordinates WGS84 范围内的有限值；NaN/Inf 无法序列化进轨迹
func ValidCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

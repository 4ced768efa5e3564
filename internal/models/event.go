package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"Mamori/pkg/errors"
	"Mamori/pkg/risk"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventType 安全事件类型
type EventType string

const (
	EventScamButton     EventType = "scam_button"
	EventAutoForward    EventType = "auto_forward"
	EventAIAssistant    EventType = "ai_assistant"
	EventConversationAI EventType = "conversation_ai"
	EventEmergencySOS   EventType = "emergency_sos"
)

func (t EventType) Valid() bool {
	switch t {
	case EventScamButton, EventAutoForward, EventAIAssistant, EventConversationAI, EventEmergencySOS:
		return true
	}
	return false
}

// EventStatus 事件处理状态
type EventStatus string

const (
	EventPending      EventStatus = "pending"
	EventAcknowledged EventStatus = "acknowledged"
	EventResolved     EventStatus = "resolved"
)

// SafetyEvent 被监护人设备上报的风险信号
type SafetyEvent struct {
	ID             string          `json:"id" gorm:"primaryKey;size:36"`
	SubjectID      string          `json:"subjectId" gorm:"size:64;not null;index:idx_event_subject_created,priority:1"`
	Type           EventType       `json:"type" gorm:"size:32;not null"`
	Severity       risk.Severity   `json:"severity" gorm:"size:16;not null"`
	Payload        EventPayload    `json:"payload" gorm:"type:text"`
	Status         EventStatus     `json:"status" gorm:"size:16;not null;default:pending"`
	Latitude       *float64        `json:"latitude,omitempty"`
	Longitude      *float64        `json:"longitude,omitempty"`
	AcknowledgedBy string          `json:"acknowledgedBy,omitempty" gorm:"size:64"`
	AcknowledgedAt *time.Time      `json:"acknowledgedAt,omitempty"`
	ResolvedBy     string          `json:"resolvedBy,omitempty" gorm:"size:64"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt" gorm:"index:idx_event_subject_created,priority:2"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Analysis       *AnalysisResult `json:"analysis,omitempty" gorm:"foreignKey:EventID"`
}

func (e *SafetyEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// ScamButtonPayload 手动“这是诈骗吗？”
type ScamButtonPayload struct {
	ConversationText string `json:"conversationText,omitempty"`
}

// ForwardPayload 可疑来电/短信自动转发
type ForwardPayload struct {
	PhoneNumber string           `json:"phoneNumber"`
	CallType    risk.CallType    `json:"callType"`
	SMSContent  string           `json:"smsContent,omitempty"`
	CallerName  string           `json:"callerName,omitempty"`
	Assessment  *risk.Assessment `json:"assessment,omitempty"`
}

// VoicePayload 语音助手转写
type VoicePayload struct {
	Transcript string `json:"transcript"`
	Source     string `json:"source,omitempty"`
}

// ConversationPayload 通话内容分析
type ConversationPayload struct {
	ConversationText string `json:"conversationText"`
}

// DistressPayload 紧急求助
type DistressPayload struct {
	SessionID string      `json:"sessionId"`
	Mode      SessionMode `json:"mode"`
}

// EventPayload 按事件类型区分的联合体，恰好一个字段非空
type EventPayload struct {
	ScamButton     *ScamButtonPayload   `json:"scam_button,omitempty"`
	AutoForward    *ForwardPayload      `json:"auto_forward,omitempty"`
	AIAssistant    *VoicePayload        `json:"ai_assistant,omitempty"`
	ConversationAI *ConversationPayload `json:"conversation_ai,omitempty"`
	EmergencySOS   *DistressPayload     `json:"emergency_sos,omitempty"`
}

// Kind 返回唯一非空变体对应的事件类型
func (p EventPayload) Kind() (EventType, bool) {
	var kinds []EventType
	if p.ScamButton != nil {
		kinds = append(kinds, EventScamButton)
	}
	if p.AutoForward != nil {
		kinds = append(kinds, EventAutoForward)
	}
	if p.AIAssistant != nil {
		kinds = append(kinds, EventAIAssistant)
	}
	if p.ConversationAI != nil {
		kinds = append(kinds, EventConversationAI)
	}
	if p.EmergencySOS != nil {
		kinds = append(kinds, EventEmergencySOS)
	}
	if len(kinds) != 1 {
		return "", false
	}
	return kinds[0], true
}

// Validate 变体必须与事件类型一致，且必填字段齐全
func (p EventPayload) Validate(t EventType) error {
	kind, ok := p.Kind()
	if !ok || kind != t {
		return errors.Validation("payload does not match event type %s", t)
	}
	switch t {
	case EventAutoForward:
		switch p.AutoForward.CallType {
		case risk.CallTypeCall, risk.CallTypeSMS:
		default:
			return errors.Validation("callType must be call or sms")
		}
	case EventAIAssistant:
		if strings.TrimSpace(p.AIAssistant.Transcript) == "" {
			return errors.Validation("transcript is required")
		}
	case EventConversationAI:
		if strings.TrimSpace(p.ConversationAI.ConversationText) == "" {
			return errors.Validation("conversationText is required")
		}
	case EventEmergencySOS:
		if p.EmergencySOS.SessionID == "" {
			return errors.Validation("sessionId is required")
		}
	}
	return nil
}

// Text 供分析用的文本
func (p EventPayload) Text() string {
	switch {
	case p.ScamButton != nil:
		return p.ScamButton.ConversationText
	case p.AutoForward != nil:
		return p.AutoForward.SMSContent
	case p.AIAssistant != nil:
		return p.AIAssistant.Transcript
	case p.ConversationAI != nil:
		return p.ConversationAI.ConversationText
	}
	return ""
}

// DecodePayload 把接口传入的扁平 JSON 按事件类型解析成对应变体
func DecodePayload(t EventType, raw json.RawMessage) (EventPayload, error) {
	if !t.Valid() {
		return EventPayload{}, errors.Validation("invalid event type %q", t)
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var (
		p   EventPayload
		err error
	)
	switch t {
	case EventScamButton:
		p.ScamButton = &ScamButtonPayload{}
		err = json.Unmarshal(raw, p.ScamButton)
	case EventAutoForward:
		p.AutoForward = &ForwardPayload{}
		err = json.Unmarshal(raw, p.AutoForward)
		if err == nil && p.AutoForward.CallType == "" {
			p.AutoForward.CallType = risk.CallTypeCall
		}
	case EventAIAssistant:
		p.AIAssistant = &VoicePayload{}
		err = json.Unmarshal(raw, p.AIAssistant)
	case EventConversationAI:
		p.ConversationAI = &ConversationPayload{}
		err = json.Unmarshal(raw, p.ConversationAI)
	case EventEmergencySOS:
		p.EmergencySOS = &DistressPayload{}
		err = json.Unmarshal(raw, p.EmergencySOS)
	}
	if err != nil {
		return EventPayload{}, errors.Validation("invalid payload: %v", err)
	}
	return p, p.Validate(t)
}

func (p EventPayload) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *EventPayload) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*p = EventPayload{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported payload column type %T", value)
	}
	return json.Unmarshal(b, p)
}

// CreateSafetyEvent 创建事件
func CreateSafetyEvent(db *gorm.DB, e *SafetyEvent) error {
	return db.Create(e).Error
}

// GetSafetyEvent 获取单个事件（含分析结果）
func GetSafetyEvent(db *gorm.DB, id string) (*SafetyEvent, error) {
	var e SafetyEvent
	if err := db.Preload("Analysis").Where("id = ?", id).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// ListSafetyEvents 按被监护人分页查询，最新在前
func ListSafetyEvents(db *gorm.DB, subjectID string, offset, limit int) ([]SafetyEvent, int64, error) {
	var (
		events []SafetyEvent
		total  int64
	)
	q := db.Model(&SafetyEvent{}).Where("subject_id = ?", subjectID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := q.Preload("Analysis").Order("created_at DESC").Offset(offset).Limit(limit).Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// UpdateSafetyEvent 按ID更新指定字段
func UpdateSafetyEvent(db *gorm.DB, id string, values map[string]interface{}) error {
	return db.Model(&SafetyEvent{}).Where("id = ?", id).Updates(values).Error
}

// RaiseSeverity 仅当新等级更高时更新，返回是否发生变化
func RaiseSeverity(db *gorm.DB, id string, to risk.Severity) (bool, error) {
	var changed bool
	err := db.Transaction(func(tx *gorm.DB) error {
		var e SafetyEvent
		if err := tx.Select("id", "severity").Where("id = ?", id).First(&e).Error; err != nil {
			return err
		}
		if e.Severity.Raise(to) == e.Severity {
			return nil
		}
		changed = true
		return tx.Model(&SafetyEvent{}).Where("id = ?", id).Update("severity", to).Error
	})
	return changed, err
}

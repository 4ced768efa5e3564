package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"Mamori/internal/models"
	"Mamori/pkg/analysis"
	"Mamori/pkg/errors"
	"Mamori/pkg/logger"
	"Mamori/pkg/metrics"
	"Mamori/pkg/notification"
	"Mamori/pkg/risk"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrEventNotFound   = errors.Sentinel(errors.CodeNotFound, "event not found")
	ErrForbidden       = errors.Sentinel(errors.CodeForbidden, "not permitted")
	ErrAlreadyResolved = errors.Sentinel(errors.CodeConflict, "event already resolved")
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	// autoBlocker 自动拦截记录的操作人
	autoBlocker = "system:auto-forward"
)

// Store 事件持久化
type Store interface {
	CreateEvent(ctx context.Context, e *models.SafetyEvent) error
	GetEvent(ctx context.Context, id string) (*models.SafetyEvent, error)
	ListEvents(ctx context.Context, subjectID string, offset, limit int) ([]models.SafetyEvent, int64, error)
	UpdateEvent(ctx context.Context, id string, values map[string]interface{}) error
	RaiseSeverity(ctx context.Context, id string, to risk.Severity) (bool, error)
	SaveAnalysis(ctx context.Context, r *models.AnalysisResult) error
}

type Authorizer interface {
	IsGuardianOf(ctx context.Context, guardianID, subjectID string) (bool, error)
}

type Blocklist interface {
	BlockNumber(ctx context.Context, subjectID, phone, reason, addedBy string) error
}

type Publisher interface {
	PublishNewAlert(e *models.SafetyEvent)
	PublishAlertUpdated(e *models.SafetyEvent)
	PublishAlertResolved(e *models.SafetyEvent)
}

type Notifier interface {
	NotifyEvent(ctx context.Context, e *models.SafetyEvent) (notification.Report, error)
}

// Deps 服务依赖
type Deps struct {
	Store      Store
	Auth       Authorizer
	Blocklist  Blocklist
	Publisher  Publisher
	Notifier   Notifier
	Tasks      notification.Submitter
	Analyzer   analysis.Analyzer
	Classifier *risk.Classifier
	Metrics    *metrics.Metrics
}

// Service 安全事件服务
type Service struct {
	Deps
	now func() time.Time
}

func NewService(d Deps) *Service {
	if d.Classifier == nil {
		d.Classifier = risk.New()
	}
	if d.Analyzer == nil {
		d.Analyzer = analysis.Disabled{}
	}
	return &Service{Deps: d, now: time.Now}
}

// CreateRequest 设备上报
type CreateRequest struct {
	Type      models.EventType `json:"type" binding:"required"`
	Severity  risk.Severity    `json:"severity"`
	Payload   json.RawMessage  `json:"payload"`
	Latitude  *float64         `json:"latitude"`
	Longitude *float64         `json:"longitude"`
}

// Create 记录事件并异步完成拦截、推送与分析
func (s *Service) Create(ctx context.Context, subjectID string, req CreateRequest) (*models.SafetyEvent, error) {
	if subjectID == "" {
		return nil, errors.Validation("subject is required")
	}
	if req.Type == models.EventEmergencySOS {
		return nil, errors.Validation("emergency_sos events are created by starting an SOS session")
	}
	payload, err := models.DecodePayload(req.Type, req.Payload)
	if err != nil {
		return nil, err
	}
	severity := req.Severity
	if severity == "" {
		severity = risk.SeverityMedium
	}
	if !severity.Valid() {
		return nil, errors.Validation("invalid severity %q", severity)
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		return nil, errors.Validation("latitude and longitude must be given together")
	}
	if req.Latitude != nil && !models.ValidCoordinates(*req.Latitude, *req.Longitude) {
		return nil, errors.Validation("coordinates out of range")
	}

	var assessment *risk.Assessment
	if fwd := payload.AutoForward; fwd != nil {
		a := s.Classifier.Assess(fwd.PhoneNumber, fwd.CallType, fwd.SMSContent)
		assessment = &a
		fwd.Assessment = assessment
		severity = a.Severity
	}

	e := &models.SafetyEvent{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Type:      req.Type,
		Severity:  severity,
		Payload:   payload,
		Status:    models.EventPending,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		CreatedAt: s.now(),
	}
	if err := s.Store.CreateEvent(ctx, e); err != nil {
		return nil, err
	}
	s.Metrics.RecordEvent(string(e.Type), string(e.Severity))
	logger.Info("safety event created",
		zap.String("event", e.ID),
		zap.String("subject", subjectID),
		zap.String("type", string(e.Type)),
		zap.String("severity", string(e.Severity)))

	if assessment != nil && assessment.AutoBlock {
		s.submit("events.auto_block", func(ctx context.Context) error {
			return s.autoBlock(ctx, subjectID, payload.AutoForward.PhoneNumber, assessment.Reason)
		})
	}
	s.Publisher.PublishNewAlert(e)
	if s.Notifier != nil {
		s.submit("events.notify", func(ctx context.Context) error {
			_, err := s.Notifier.NotifyEvent(ctx, e)
			return err
		})
	}
	if areq, ok := analysisRequest(e); ok {
		s.submit("events.analyze", func(ctx context.Context) error {
			_, err := s.analyze(ctx, e.ID, areq)
			return err
		})
	}
	return e, nil
}

func (s *Service) submit(name string, fn func(ctx context.Context) error) {
	if s.Tasks == nil {
		go func() {
			if err := fn(context.Background()); err != nil {
				logger.Warn("async task failed", zap.String("task", name), zap.Error(err))
			}
		}()
		return
	}
	if !s.Tasks.Submit(name, fn) {
		logger.Warn("async task dropped", zap.String("task", name))
	}
}

func (s *Service) autoBlock(ctx context.Context, subjectID, phone, reason string) error {
	if s.Blocklist == nil || strings.TrimSpace(phone) == "" {
		return nil
	}
	if err := s.Blocklist.BlockNumber(ctx, subjectID, phone, reason, autoBlocker); err != nil {
		return err
	}
	logger.Info("number auto-blocked", zap.String("subject", subjectID), zap.String("reason", reason))
	return nil
}

// analysisRequest 按事件类型选择分析接口，无可分析内容时不调用
func analysisRequest(e *models.SafetyEvent) (analysis.Request, bool) {
	p := e.Payload
	switch e.Type {
	case models.EventScamButton:
		if strings.TrimSpace(p.ScamButton.ConversationText) == "" {
			return analysis.Request{}, false
		}
		return analysis.Request{Kind: analysis.KindConversation, Text: p.ScamButton.ConversationText}, true
	case models.EventAutoForward:
		if p.AutoForward.PhoneNumber == "" {
			return analysis.Request{}, false
		}
		return analysis.Request{
			Kind:        analysis.KindCallMetadata,
			PhoneNumber: p.AutoForward.PhoneNumber,
			CallType:    string(p.AutoForward.CallType),
			SMSContent:  p.AutoForward.SMSContent,
		}, true
	case models.EventConversationAI:
		return analysis.Request{Kind: analysis.KindConversationSummary, Text: p.ConversationAI.ConversationText}, true
	case models.EventAIAssistant:
		return analysis.Request{Kind: analysis.KindConversationSummary, Text: p.AIAssistant.Transcript}, true
	}
	return analysis.Request{}, false
}

// analyze 调用评分服务；降级结果不落库，分数只会提升严重度
func (s *Service) analyze(ctx context.Context, eventID string, req analysis.Request) (*analysis.Result, error) {
	res, err := s.Analyzer.Analyze(ctx, req)
	if err != nil || res == nil {
		logger.Warn("analysis unavailable", zap.String("event", eventID), zap.Error(err))
		return analysis.NeutralResult(), nil
	}
	if res.Fallback {
		return res, nil
	}
	if err := s.Store.SaveAnalysis(ctx, &models.AnalysisResult{
		EventID:      eventID,
		RiskScore:    res.RiskScore,
		ScamType:     res.ScamType,
		Summary:      res.Summary,
		ModelVersion: res.ModelVersion,
	}); err != nil {
		return res, err
	}

	changed := false
	if to := risk.FromScore(res.RiskScore); to != "" {
		if changed, err = s.Store.RaiseSeverity(ctx, eventID, to); err != nil {
			return res, err
		}
	}
	logger.Info("analysis stored",
		zap.String("event", eventID),
		zap.Int("riskScore", res.RiskScore),
		zap.String("scamType", res.ScamType),
		zap.Bool("escalated", changed))

	if updated, err := s.Store.GetEvent(ctx, eventID); err == nil {
		s.Publisher.PublishAlertUpdated(updated)
	}
	return res, nil
}

func (s *Service) load(ctx context.Context, id string) (*models.SafetyEvent, error) {
	e, err := s.Store.GetEvent(ctx, id)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *Service) requireGuardian(ctx context.Context, actorID, subjectID string) error {
	ok, err := s.Auth.IsGuardianOf(ctx, actorID, subjectID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (s *Service) requireReader(ctx context.Context, actorID, subjectID string) error {
	if actorID != "" && actorID == subjectID {
		return nil
	}
	return s.requireGuardian(ctx, actorID, subjectID)
}

// Get 被监护人本人或监护人可读
func (s *Service) Get(ctx context.Context, id, actorID string) (*models.SafetyEvent, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireReader(ctx, actorID, e.SubjectID); err != nil {
		return nil, err
	}
	return e, nil
}

// Page 分页结果
type Page struct {
	Data       []models.SafetyEvent `json:"data"`
	Total      int64                `json:"total"`
	Page       int                  `json:"page"`
	Limit      int                  `json:"limit"`
	TotalPages int                  `json:"totalPages"`
}

// ListBySubject 最新在前
func (s *Service) ListBySubject(ctx context.Context, subjectID, actorID string, page, limit int) (*Page, error) {
	if subjectID == "" {
		return nil, errors.Validation("subjectId is required")
	}
	if err := s.requireReader(ctx, actorID, subjectID); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	data, total, err := s.Store.ListEvents(ctx, subjectID, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []models.SafetyEvent{}
	}
	return &Page{
		Data:       data,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: int((total + int64(limit) - 1) / int64(limit)),
	}, nil
}

// Acknowledge 监护人确认已知晓
func (s *Service) Acknowledge(ctx context.Context, id, actorID string) (*models.SafetyEvent, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireGuardian(ctx, actorID, e.SubjectID); err != nil {
		return nil, err
	}
	if e.Status == models.EventResolved {
		return nil, ErrAlreadyResolved
	}
	if e.Status == models.EventAcknowledged {
		return e, nil
	}
	now := s.now()
	if err := s.Store.UpdateEvent(ctx, id, map[string]interface{}{
		"status":          models.EventAcknowledged,
		"acknowledged_by": actorID,
		"acknowledged_at": now,
	}); err != nil {
		return nil, err
	}
	e.Status = models.EventAcknowledged
	e.AcknowledgedBy = actorID
	e.AcknowledgedAt = &now
	s.Publisher.PublishAlertUpdated(e)
	return e, nil
}

// Resolve 监护人处理完毕
func (s *Service) Resolve(ctx context.Context, id, actorID string) (*models.SafetyEvent, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireGuardian(ctx, actorID, e.SubjectID); err != nil {
		return nil, err
	}
	if e.Status == models.EventResolved {
		return nil, ErrAlreadyResolved
	}
	now := s.now()
	if err := s.Store.UpdateEvent(ctx, id, map[string]interface{}{
		"status":      models.EventResolved,
		"resolved_by": actorID,
		"resolved_at": now,
	}); err != nil {
		return nil, err
	}
	e.Status = models.EventResolved
	e.ResolvedBy = actorID
	e.ResolvedAt = &now
	logger.Info("safety event resolved", zap.String("event", id), zap.String("actor", actorID))
	s.Publisher.PublishAlertResolved(e)
	return e, nil
}

// Escalate 监护人手动设置严重度，是唯一可以降低严重度的途径
func (s *Service) Escalate(ctx context.Context, id string, severity risk.Severity, actorID string) (*models.SafetyEvent, error) {
	if !severity.Valid() {
		return nil, errors.Validation("invalid severity %q", severity)
	}
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireGuardian(ctx, actorID, e.SubjectID); err != nil {
		return nil, err
	}
	if e.Status == models.EventResolved {
		return nil, ErrAlreadyResolved
	}
	if e.Severity == severity {
		return e, nil
	}
	if err := s.Store.UpdateEvent(ctx, id, map[string]interface{}{"severity": severity}); err != nil {
		return nil, err
	}
	logger.Info("safety event severity set by guardian",
		zap.String("event", id),
		zap.String("from", string(e.Severity)),
		zap.String("to", string(severity)),
		zap.String("actor", actorID))
	e.Severity = severity
	s.Publisher.PublishAlertUpdated(e)
	return e, nil
}

// VoiceResult 语音助手同步分析结果
type VoiceResult struct {
	EventID            string   `json:"eventId"`
	RiskScore          int      `json:"riskScore"`
	ScamType           string   `json:"scamType"`
	Summary            string   `json:"summary"`
	KeyPoints          []string `json:"keyPoints"`
	RecommendedActions []string `json:"recommendedActions"`
	ModelVersion       string   `json:"modelVersion"`
	Fallback           bool     `json:"fallback"`
}

// VoiceAnalyze 创建语音助手事件并同步分析；评分服务不可用时返回中性结果
func (s *Service) VoiceAnalyze(ctx context.Context, subjectID, transcript string) (*VoiceResult, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, errors.Validation("transcript is required")
	}
	e := &models.SafetyEvent{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Type:      models.EventAIAssistant,
		Severity:  risk.SeverityMedium,
		Payload:   models.EventPayload{AIAssistant: &models.VoicePayload{Transcript: transcript, Source: "voice_assistant"}},
		Status:    models.EventPending,
		CreatedAt: s.now(),
	}
	if err := s.Store.CreateEvent(ctx, e); err != nil {
		return nil, err
	}
	s.Metrics.RecordEvent(string(e.Type), string(e.Severity))
	s.Publisher.PublishNewAlert(e)

	res, err := s.analyze(ctx, e.ID, analysis.Request{Kind: analysis.KindConversationSummary, Text: transcript})
	if err != nil {
		logger.Warn("voice analysis not persisted", zap.String("event", e.ID), zap.Error(err))
	}
	return &VoiceResult{
		EventID:            e.ID,
		RiskScore:          res.RiskScore,
		ScamType:           res.ScamType,
		Summary:            res.Summary,
		KeyPoints:          res.KeyPoints,
		RecommendedActions: res.RecommendedActions,
		ModelVersion:       res.ModelVersion,
		Fallback:           res.Fallback,
	}, nil
}

// QuickCheck 不落库的快速判定
func (s *Service) QuickCheck(ctx context.Context, text string) (*analysis.Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.Validation("text is required")
	}
	res, err := s.Analyzer.Analyze(ctx, analysis.Request{Kind: analysis.KindQuickCheck, Text: text})
	if err != nil || res == nil {
		return analysis.NeutralResult(), nil
	}
	return res, nil
}

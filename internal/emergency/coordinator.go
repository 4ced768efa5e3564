package emergency

import (
	"context"
	"time"

	"Mamori/internal/models"
	"Mamori/pkg/errors"
	"Mamori/pkg/logger"
	"Mamori/pkg/metrics"
	"Mamori/pkg/notification"
	"Mamori/pkg/risk"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrSessionNotFound 会话不存在或已结束，两种情况对外不区分
	ErrSessionNotFound = errors.Sentinel(errors.CodeNotFound, "no active emergency session")
	ErrForbidden       = errors.Sentinel(errors.CodeForbidden, "not permitted")
)

// SessionStore 会话持久化
type SessionStore interface {
	CreateSessionWithEvent(ctx context.Context, s *models.EmergencySession, e *models.SafetyEvent) error
	GetSession(ctx context.Context, id string) (*models.EmergencySession, error)
	ActiveSession(ctx context.Context, subjectID string) (*models.EmergencySession, error)
	SaveSession(ctx context.Context, s *models.EmergencySession) error
}

// EventStore 会话结束时同步关闭对应事件
type EventStore interface {
	UpdateEvent(ctx context.Context, id string, values map[string]interface{}) error
}

type Authorizer interface {
	IsGuardianOf(ctx context.Context, guardianID, subjectID string) (bool, error)
}

type SettingsStore interface {
	DefaultMode(ctx context.Context, subjectID string) (models.SessionMode, bool, error)
	SaveDefaultMode(ctx context.Context, subjectID string, mode models.SessionMode, actorID string) error
}

// Publisher 实时通道，必须非阻塞
type Publisher interface {
	PublishLocation(sessionID string, point models.LocationPoint, mode models.SessionMode)
	PublishModeChange(sessionID string, mode models.SessionMode, actorID string)
	PublishResolved(sessionID, actorID string, at time.Time)
	PublishNewAlert(e *models.SafetyEvent)
	PublishAlertResolved(e *models.SafetyEvent)
}

type Notifier interface {
	NotifyEvent(ctx context.Context, e *models.SafetyEvent) (notification.Report, error)
}

// StartRequest 发起求助
type StartRequest struct {
	Mode      *models.SessionMode
	Latitude  float64
	Longitude float64
	Accuracy  *float64
	Battery   *int
}

// Coordinator 紧急会话协调器，同一会话的全部变更串行执行
type Coordinator struct {
	sessions SessionStore
	events   EventStore
	auth     Authorizer
	settings SettingsStore
	pub      Publisher
	notifier Notifier
	tasks    notification.Submitter
	metrics  *metrics.Metrics
	locks    keyedMutex
	now      func() time.Time
}

type Option func(*Coordinator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(sessions SessionStore, events EventStore, auth Authorizer, settings SettingsStore,
	pub Publisher, notifier Notifier, tasks notification.Submitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		sessions: sessions,
		events:   events,
		auth:     auth,
		settings: settings,
		pub:      pub,
		notifier: notifier,
		tasks:    tasks,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func validateCoords(lat, lng float64) error {
	if !models.ValidCoordinates(lat, lng) {
		return errors.Validation("coordinates out of range")
	}
	return nil
}

func validateMode(m models.SessionMode) error {
	if !m.Valid() {
		return errors.Validation("mode must be alarm or silent")
	}
	return nil
}

// Start 被监护人已有进行中的会话时直接返回该会话（Resumed=true），不再重复建事件与推送
func (c *Coordinator) Start(ctx context.Context, subjectID string, req StartRequest) (*models.EmergencySession, error) {
	if subjectID == "" {
		return nil, errors.Validation("subject is required")
	}
	if err := validateCoords(req.Latitude, req.Longitude); err != nil {
		return nil, err
	}
	if req.Mode != nil {
		if err := validateMode(*req.Mode); err != nil {
			return nil, err
		}
	}

	unlock := c.locks.Lock("subject:" + subjectID)
	defer unlock()

	active, err := c.sessions.ActiveSession(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		c.metrics.RecordSession("resumed")
		logger.Info("emergency session resumed", zap.String("session", active.ID), zap.String("subject", subjectID))
		active.Resumed = true
		return active, nil
	}

	mode, err := c.resolveMode(ctx, subjectID, req.Mode)
	if err != nil {
		return nil, err
	}

	now := c.now()
	sess := &models.EmergencySession{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Mode:      mode,
		Status:    models.SessionActive,
		Locations: models.Locations{{
			Latitude:   req.Latitude,
			Longitude:  req.Longitude,
			Accuracy:   req.Accuracy,
			Battery:    req.Battery,
			ReceivedAt: now,
		}},
		StartedAt: now,
	}
	lat, lng := req.Latitude, req.Longitude
	event := &models.SafetyEvent{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Type:      models.EventEmergencySOS,
		Severity:  risk.SeverityCritical,
		Payload:   models.EventPayload{EmergencySOS: &models.DistressPayload{SessionID: sess.ID, Mode: mode}},
		Status:    models.EventPending,
		Latitude:  &lat,
		Longitude: &lng,
		CreatedAt: now,
	}
	sess.EventID = event.ID

	if err := c.sessions.CreateSessionWithEvent(ctx, sess, event); err != nil {
		return nil, err
	}
	c.metrics.RecordSession("started")
	c.metrics.RecordEvent(string(event.Type), string(event.Severity))
	logger.Warn("emergency session started",
		zap.String("session", sess.ID),
		zap.String("subject", subjectID),
		zap.String("mode", string(mode)))

	c.pub.PublishNewAlert(event)
	c.notifyAsync(event)
	return sess, nil
}

func (c *Coordinator) resolveMode(ctx context.Context, subjectID string, requested *models.SessionMode) (models.SessionMode, error) {
	if requested != nil {
		return *requested, nil
	}
	mode, ok, err := c.settings.DefaultMode(ctx, subjectID)
	if err != nil {
		return "", err
	}
	if ok && mode.Valid() {
		return mode, nil
	}
	return models.ModeSilent, nil
}

func (c *Coordinator) notifyAsync(e *models.SafetyEvent) {
	if c.notifier == nil || c.tasks == nil {
		return
	}
	ok := c.tasks.Submit("emergency.notify", func(ctx context.Context) error {
		_, err := c.notifier.NotifyEvent(ctx, e)
		return err
	})
	if !ok {
		logger.Error("sos notification dropped", zap.String("event", e.ID), zap.String("subject", e.SubjectID))
	}
}

// locate 加锁后调用：先定位会话，再鉴权，最后检查是否仍在进行中
func (c *Coordinator) locate(ctx context.Context, sessionID string, allow func(s *models.EmergencySession) (bool, error)) (*models.EmergencySession, error) {
	sess, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	ok, err := allow(sess)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}
	if !sess.Active() {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (c *Coordinator) guardianOnly(ctx context.Context, actorID string) func(s *models.EmergencySession) (bool, error) {
	return func(s *models.EmergencySession) (bool, error) {
		return c.auth.IsGuardianOf(ctx, actorID, s.SubjectID)
	}
}

// subjectOnly actorID 为空表示内部调用
func subjectOnly(actorID string) func(s *models.EmergencySession) (bool, error) {
	return func(s *models.EmergencySession) (bool, error) {
		return actorID == "" || actorID == s.SubjectID, nil
	}
}

// AppendLocation 只追加，按到达顺序记录
func (c *Coordinator) AppendLocation(ctx context.Context, sessionID, actorID string, point models.LocationPoint) (*models.EmergencySession, error) {
	if err := validateCoords(point.Latitude, point.Longitude); err != nil {
		return nil, err
	}
	if point.Battery != nil && (*point.Battery < 0 || *point.Battery > 100) {
		return nil, errors.Validation("batteryLevel must be between 0 and 100")
	}

	unlock := c.locks.Lock(sessionID)
	defer unlock()

	sess, err := c.locate(ctx, sessionID, subjectOnly(actorID))
	if err != nil {
		return nil, err
	}
	point.ReceivedAt = c.now()
	sess.Locations = append(sess.Locations, point)
	if err := c.sessions.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	c.metrics.RecordLocation()
	c.pub.PublishLocation(sess.ID, point, sess.Mode)
	return sess, nil
}

// ChangeMode 仅监护人可切换
func (c *Coordinator) ChangeMode(ctx context.Context, sessionID string, mode models.SessionMode, actorID string) (*models.EmergencySession, error) {
	if err := validateMode(mode); err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(sessionID)
	defer unlock()

	sess, err := c.locate(ctx, sessionID, c.guardianOnly(ctx, actorID))
	if err != nil {
		return nil, err
	}
	if sess.Mode != mode {
		sess.Mode = mode
		if err := c.sessions.SaveSession(ctx, sess); err != nil {
			return nil, err
		}
	}
	c.metrics.RecordSession("mode_changed")
	logger.Info("emergency mode changed",
		zap.String("session", sess.ID),
		zap.String("mode", string(mode)),
		zap.String("actor", actorID))
	c.pub.PublishModeChange(sess.ID, mode, actorID)
	return sess, nil
}

// Resolve 仅监护人可结束；已结束的会话按不存在处理
func (c *Coordinator) Resolve(ctx context.Context, sessionID, actorID string) (*models.EmergencySession, error) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	sess, err := c.locate(ctx, sessionID, c.guardianOnly(ctx, actorID))
	if err != nil {
		return nil, err
	}
	now := c.now()
	sess.Status = models.SessionResolved
	sess.ResolvedBy = actorID
	sess.EndedAt = &now
	if err := c.sessions.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	c.metrics.RecordSession("resolved")
	logger.Info("emergency session resolved", zap.String("session", sess.ID), zap.String("actor", actorID))
	c.pub.PublishResolved(sess.ID, actorID, now)

	if sess.EventID != "" {
		c.closeEvent(ctx, sess, actorID, now)
	}
	return sess, nil
}

// closeEvent 关联事件跟随会话结束，失败只记日志
func (c *Coordinator) closeEvent(ctx context.Context, sess *models.EmergencySession, actorID string, at time.Time) {
	err := c.events.UpdateEvent(ctx, sess.EventID, map[string]interface{}{
		"status":      models.EventResolved,
		"resolved_by": actorID,
		"resolved_at": at,
	})
	if err != nil {
		logger.Warn("close sos event failed", zap.String("event", sess.EventID), zap.Error(err))
		return
	}
	c.pub.PublishAlertResolved(&models.SafetyEvent{
		ID:         sess.EventID,
		SubjectID:  sess.SubjectID,
		Type:       models.EventEmergencySOS,
		Severity:   risk.SeverityCritical,
		Status:     models.EventResolved,
		ResolvedBy: actorID,
		ResolvedAt: &at,
	})
}

// Get 被监护人本人或监护人可读，已结束的会话也可读
func (c *Coordinator) Get(ctx context.Context, sessionID, actorID string) (*models.EmergencySession, error) {
	sess, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if actorID != sess.SubjectID {
		ok, err := c.auth.IsGuardianOf(ctx, actorID, sess.SubjectID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrForbidden
		}
	}
	return sess, nil
}

// Setting 默认求助模式
type Setting struct {
	SubjectID   string             `json:"subjectId"`
	DefaultMode models.SessionMode `json:"defaultMode"`
	Configured  bool               `json:"configured"`
}

// Settings 未配置时返回 silent
func (c *Coordinator) Settings(ctx context.Context, subjectID, actorID string) (*Setting, error) {
	if actorID != subjectID {
		ok, err := c.auth.IsGuardianOf(ctx, actorID, subjectID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrForbidden
		}
	}
	mode, ok, err := c.settings.DefaultMode(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		mode = models.ModeSilent
	}
	return &Setting{SubjectID: subjectID, DefaultMode: mode, Configured: ok}, nil
}

// UpdateSettings 仅监护人可修改
func (c *Coordinator) UpdateSettings(ctx context.Context, subjectID string, mode models.SessionMode, actorID string) (*Setting, error) {
	if err := validateMode(mode); err != nil {
		return nil, err
	}
	ok, err := c.auth.IsGuardianOf(ctx, actorID, subjectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}
	if err := c.settings.SaveDefaultMode(ctx, subjectID, mode, actorID); err != nil {
		return nil, err
	}
	return &Setting{SubjectID: subjectID, DefaultMode: mode, Configured: true}, nil
}

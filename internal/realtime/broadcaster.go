package realtime

import (
	"context"
	"strings"
	"time"

	"Mamori/internal/models"
	"Mamori/pkg/errors"
	"Mamori/pkg/logger"
	"Mamori/pkg/websocket"

	"go.uber.org/zap"
)

// 主题前缀
const (
	SessionTopicPrefix = "session:"
	AlertsTopicPrefix  = "alerts:"
)

// 推送事件名
const (
	EventLocationUpdate = "location_update"
	EventModeChange     = "mode_change"
	EventResolved       = "resolved"
	EventNewAlert       = "new_alert"
	EventAlertUpdated   = "alert_updated"
	EventAlertResolved  = "alert_resolved"
)

func SessionTopic(sessionID string) string { return SessionTopicPrefix + sessionID }

func AlertsTopic(subjectID string) string { return AlertsTopicPrefix + subjectID }

// Hub 发布端，由 websocket.Hub 实现
type Hub interface {
	Publish(topic, event string, data interface{}) bool
}

// Broadcaster 把领域事件发布到对应主题的每个通道（websocket、SSE），发布不阻塞、不返回错误
type Broadcaster struct {
	hubs []Hub
}

func NewBroadcaster(hubs ...Hub) *Broadcaster {
	return &Broadcaster{hubs: hubs}
}

func (b *Broadcaster) publish(topic, event string, data interface{}) {
	for _, hub := range b.hubs {
		if !hub.Publish(topic, event, data) {
			logger.Warn("realtime publish dropped", zap.String("topic", topic), zap.String("event", event))
		}
	}
}

type locationMessage struct {
	SessionID string               `json:"sessionId"`
	Mode      models.SessionMode   `json:"mode"`
	Location  models.LocationPoint `json:"location"`
}

func (b *Broadcaster) PublishLocation(sessionID string, point models.LocationPoint, mode models.SessionMode) {
	b.publish(SessionTopic(sessionID), EventLocationUpdate, locationMessage{SessionID: sessionID, Mode: mode, Location: point})
}

func (b *Broadcaster) PublishModeChange(sessionID string, mode models.SessionMode, actorID string) {
	b.publish(SessionTopic(sessionID), EventModeChange, map[string]interface{}{
		"sessionId": sessionID,
		"mode":      mode,
		"changedBy": actorID,
	})
}

// PublishResolved 会话主题上的最后一条消息
func (b *Broadcaster) PublishResolved(sessionID, actorID string, at time.Time) {
	b.publish(SessionTopic(sessionID), EventResolved, map[string]interface{}{
		"sessionId":  sessionID,
		"resolvedBy": actorID,
		"endedAt":    at,
	})
}

func (b *Broadcaster) PublishNewAlert(e *models.SafetyEvent) {
	b.publish(AlertsTopic(e.SubjectID), EventNewAlert, e)
}

// PublishAlertUpdated 分析结果或升级导致事件变化
func (b *Broadcaster) PublishAlertUpdated(e *models.SafetyEvent) {
	b.publish(AlertsTopic(e.SubjectID), EventAlertUpdated, e)
}

func (b *Broadcaster) PublishAlertResolved(e *models.SafetyEvent) {
	b.publish(AlertsTopic(e.SubjectID), EventAlertResolved, map[string]interface{}{
		"eventId":    e.ID,
		"subjectId":  e.SubjectID,
		"resolvedBy": e.ResolvedBy,
		"resolvedAt": e.ResolvedAt,
	})
}

var errUnknownTopic = errors.Validation("unknown topic")

// Authorizer 监护关系查询
type Authorizer interface {
	IsGuardianOf(ctx context.Context, guardianID, subjectID string) (bool, error)
}

// SessionLookup 会话主题鉴权时定位被监护人
type SessionLookup interface {
	GetSession(ctx context.Context, id string) (*models.EmergencySession, error)
}

// JoinGuard 会话主题：被监护人本人或其监护人；告警主题：仅监护人
type JoinGuard struct {
	auth     Authorizer
	sessions SessionLookup
}

func NewJoinGuard(auth Authorizer, sessions SessionLookup) *JoinGuard {
	return &JoinGuard{auth: auth, sessions: sessions}
}

var _ websocket.JoinGuard = (*JoinGuard)(nil)

func (g *JoinGuard) CanJoin(ctx context.Context, userID, topic string) error {
	switch {
	case strings.HasPrefix(topic, SessionTopicPrefix):
		id := strings.TrimPrefix(topic, SessionTopicPrefix)
		if id == "" {
			return errUnknownTopic
		}
		sess, err := g.sessions.GetSession(ctx, id)
		if err != nil {
			// 不区分不存在与无权限
			return errors.Forbidden("not permitted")
		}
		if sess.SubjectID == userID {
			return nil
		}
		return g.guardian(ctx, userID, sess.SubjectID)
	case strings.HasPrefix(topic, AlertsTopicPrefix):
		subjectID := strings.TrimPrefix(topic, AlertsTopicPrefix)
		if subjectID == "" {
			return errUnknownTopic
		}
		return g.guardian(ctx, userID, subjectID)
	}
	return errUnknownTopic
}

func (g *JoinGuard) guardian(ctx context.Context, userID, subjectID string) error {
	ok, err := g.auth.IsGuardianOf(ctx, userID, subjectID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Forbidden("not permitted")
	}
	return nil
}

package notify

import (
	"context"

	"Mamori/internal/models"
	"Mamori/internal/store"
	"Mamori/pkg/logger"
	"Mamori/pkg/notification"
	"Mamori/pkg/risk"

	"go.uber.org/zap"
)

// Directory 监护人与显示名查询
type Directory interface {
	GuardianRecipients(ctx context.Context, subjectID string) ([]store.Recipient, error)
	DisplayName(ctx context.Context, userID string) string
}

// Sender 群发接口，由 notification.Dispatcher 实现
type Sender interface {
	SendToDevices(ctx context.Context, targets []notification.Target, msg notification.Message) notification.Report
}

// GuardianNotifier 把事件推送给被监护人的全部监护人，按监护人语言分批生成文案
type GuardianNotifier struct {
	dir         Directory
	sender      Sender
	templates   *notification.Templates
	defaultLang string
}

func NewGuardianNotifier(dir Directory, sender Sender, templates *notification.Templates, defaultLang string) *GuardianNotifier {
	if defaultLang == "" {
		defaultLang = "ja"
	}
	return &GuardianNotifier{dir: dir, sender: sender, templates: templates, defaultLang: defaultLang}
}

// PriorityFor critical 事件走紧急通道，其余为 high
func PriorityFor(s risk.Severity) notification.Priority {
	if s == risk.SeverityCritical {
		return notification.PriorityCritical
	}
	return notification.PriorityHigh
}

// NotifyEvent 推送事件，返回汇总结果
func (n *GuardianNotifier) NotifyEvent(ctx context.Context, e *models.SafetyEvent) (notification.Report, error) {
	recipients, err := n.dir.GuardianRecipients(ctx, e.SubjectID)
	if err != nil {
		return notification.Report{}, err
	}
	if len(recipients) == 0 {
		logger.Info("no guardian devices to notify", zap.String("subject", e.SubjectID), zap.String("event", e.ID))
		return notification.Report{}, nil
	}
	name := n.dir.DisplayName(ctx, e.SubjectID)

	byLang := make(map[string][]notification.Target)
	for _, r := range recipients {
		lang := r.Lang
		if lang == "" {
			lang = n.defaultLang
		}
		for _, tok := range r.Tokens {
			byLang[lang] = append(byLang[lang], notification.Target{UserID: r.UserID, Token: tok})
		}
	}

	data := map[string]string{
		"eventId":   e.ID,
		"subjectId": e.SubjectID,
		"type":      string(e.Type),
		"severity":  string(e.Severity),
	}
	if e.Payload.EmergencySOS != nil {
		data["sessionId"] = e.Payload.EmergencySOS.SessionID
	}

	var total notification.Report
	for lang, targets := range byLang {
		msg := notification.Message{Data: data, Priority: PriorityFor(e.Severity)}
		if e.Type == models.EventEmergencySOS {
			msg.Title = n.templates.SOSTitle(lang)
			msg.Body = n.templates.SOSBody(lang, name)
		} else {
			msg.Title = n.templates.EventTitle(lang, string(e.Type))
			msg.Body = n.templates.EventBody(lang, name)
		}
		r := n.sender.SendToDevices(ctx, targets, msg)
		total.Sent += r.Sent
		total.Failed += r.Failed
		total.Invalidated += r.Invalidated
	}
	return total, nil
}

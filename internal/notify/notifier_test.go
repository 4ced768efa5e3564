package notify

import (
	"context"
	"sync"
	"testing"

	"Mamori/internal/models"
	"Mamori/internal/store"
	"Mamori/pkg/i18n"
	"Mamori/pkg/notification"
	"Mamori/pkg/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	recipients []store.Recipient
}

func (d fakeDirectory) GuardianRecipients(ctx context.Context, subjectID string) ([]store.Recipient, error) {
	return d.recipients, nil
}

func (d fakeDirectory) DisplayName(ctx context.Context, userID string) string { return "Hanako" }

type recordingSender struct {
	mu   sync.Mutex
	msgs map[string]notification.Message
	n    map[string]int
}

func (s *recordingSender) SendToDevices(ctx context.Context, targets []notification.Target, msg notification.Message) notification.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.msgs == nil {
		s.msgs = map[string]notification.Message{}
		s.n = map[string]int{}
	}
	s.msgs[msg.Title] = msg
	s.n[msg.Title] += len(targets)
	return notification.Report{Sent: len(targets)}
}

func newNotifier(t *testing.T, dir Directory, sender Sender) *GuardianNotifier {
	support, err := i18n.NewI18nSupport("ja")
	require.NoError(t, err)
	return NewGuardianNotifier(dir, sender, notification.NewTemplates(support), "ja")
}

func TestNotifyEventGroupsByLanguage(t *testing.T) {
	dir := fakeDirectory{recipients: []store.Recipient{
		{UserID: "g1", Lang: "en", Tokens: []string{"a", "b"}},
		{UserID: "g2", Tokens: []string{"c"}},
	}}
	sender := &recordingSender{}
	n := newNotifier(t, dir, sender)

	e := &models.SafetyEvent{
		ID: "e1", SubjectID: "s1", Type: models.EventEmergencySOS, Severity: risk.SeverityCritical,
		Payload: models.EventPayload{EmergencySOS: &models.DistressPayload{SessionID: "sess-1", Mode: models.ModeSilent}},
	}
	report, err := n.NotifyEvent(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sent)

	en := sender.msgs["Emergency SOS!"]
	assert.Equal(t, "Hanako triggered an emergency SOS", en.Body)
	assert.Equal(t, notification.PriorityCritical, en.Priority)
	assert.Equal(t, "sess-1", en.Data["sessionId"])
	assert.Equal(t, 2, sender.n["Emergency SOS!"])

	ja := sender.msgs["緊急SOS！"]
	assert.Equal(t, "Hanakoさんが緊急SOSを発信しました", ja.Body)
	assert.Equal(t, 1, sender.n["緊急SOS！"])
}

func TestNotifyEventWithoutGuardians(t *testing.T) {
	sender := &recordingSender{}
	n := newNotifier(t, fakeDirectory{}, sender)
	report, err := n.NotifyEvent(context.Background(), &models.SafetyEvent{SubjectID: "s", Type: models.EventScamButton, Severity: risk.SeverityHigh})
	require.NoError(t, err)
	assert.Equal(t, notification.Report{}, report)
	assert.Empty(t, sender.msgs)
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, notification.PriorityCritical, PriorityFor(risk.SeverityCritical))
	assert.Equal(t, notification.PriorityHigh, PriorityFor(risk.SeverityHigh))
	assert.Equal(t, notification.PriorityHigh, PriorityFor(risk.SeverityLow))
}

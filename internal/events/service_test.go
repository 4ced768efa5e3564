package events

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"Mamori/internal/models"
	"Mamori/internal/store"
	"Mamori/pkg/analysis"
	apperrors "Mamori/pkg/errors"
	"Mamori/pkg/notification"
	"Mamori/pkg/risk"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingPublisher struct {
	mu    sync.Mutex
	kinds []string
	last  *models.SafetyEvent
}

func (p *recordingPublisher) add(kind string, e *models.SafetyEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, kind)
	p.last = e
}

func (p *recordingPublisher) PublishNewAlert(e *models.SafetyEvent)      { p.add("new_alert", e) }
func (p *recordingPublisher) PublishAlertUpdated(e *models.SafetyEvent)  { p.add("alert_updated", e) }
func (p *recordingPublisher) PublishAlertResolved(e *models.SafetyEvent) { p.add("alert_resolved", e) }

type inlineTasks struct {
	mu    sync.Mutex
	names []string
}

func (t *inlineTasks) Submit(name string, fn func(ctx context.Context) error) bool {
	t.mu.Lock()
	t.names = append(t.names, name)
	t.mu.Unlock()
	_ = fn(context.Background())
	return true
}

type stubAnalyzer struct {
	mu     sync.Mutex
	result *analysis.Result
	err    error
	reqs   []analysis.Request
}

func (a *stubAnalyzer) Analyze(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
	return a.result, a.err
}

type countingNotifier struct{ n int }

func (c *countingNotifier) NotifyEvent(ctx context.Context, e *models.SafetyEvent) (notification.Report, error) {
	c.n++
	return notification.Report{}, nil
}

type fixture struct {
	store    *store.Store
	pub      *recordingPublisher
	tasks    *inlineTasks
	analyzer *stubAnalyzer
	notifier *countingNotifier
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.Migrate(db))
	s := store.New(db, nil)
	require.NoError(t, s.Pair(context.Background(), "subject-1", "guardian-1", models.PairingOwner))

	f := &fixture{
		store:    s,
		pub:      &recordingPublisher{},
		tasks:    &inlineTasks{},
		analyzer: &stubAnalyzer{result: &analysis.Result{RiskScore: 10, ScamType: "none", ModelVersion: "v1"}},
		notifier: &countingNotifier{},
	}
	f.svc = NewService(Deps{
		Store:     s,
		Auth:      s,
		Blocklist: s,
		Publisher: f.pub,
		Notifier:  f.notifier,
		Tasks:     f.tasks,
		Analyzer:  f.analyzer,
	})
	return f
}

func raw(v string) json.RawMessage { return json.RawMessage(v) }

func TestCreateAutoForwardScamSMS(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.Create(ctx, "subject-1", CreateRequest{
		Type:     models.EventAutoForward,
		Severity: risk.SeverityLow,
		Payload:  raw(`{"phoneNumber":"+12025550100","callType":"sms","smsContent":"口座が凍結されました。至急ATMで手続きしてください。"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, risk.SeverityCritical, e.Severity, "classifier overrides the reported severity")
	a := e.Payload.AutoForward.Assessment
	require.NotNil(t, a)
	assert.Equal(t, risk.NumberHigh, a.NumberRisk)
	assert.GreaterOrEqual(t, len(a.KeywordsFound), 2)
	assert.True(t, a.AutoBlock)

	blocked, err := f.store.IsBlocked(ctx, "subject-1", "+12025550100")
	require.NoError(t, err)
	assert.True(t, blocked)

	assert.Equal(t, []string{"events.auto_block", "events.notify", "events.analyze"}, f.tasks.names)
	require.Len(t, f.analyzer.reqs, 1)
	assert.Equal(t, analysis.KindCallMetadata, f.analyzer.reqs[0].Kind)
	assert.Equal(t, "sms", f.analyzer.reqs[0].CallType)
	assert.Equal(t, 1, f.notifier.n)

	stored, err := f.store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, risk.SeverityCritical, stored.Severity, "a low analysis score never lowers severity")
	require.NotNil(t, stored.Analysis)
	assert.Equal(t, 10, stored.Analysis.RiskScore)
}

func TestCreateLowRiskCallSkipsAutoBlock(t *testing.T) {
	f := newFixture(t)
	e, err := f.svc.Create(context.Background(), "subject-1", CreateRequest{
		Type:    models.EventAutoForward,
		Payload: raw(`{"phoneNumber":"0312345678","callType":"call"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, risk.SeverityLow, e.Severity)
	assert.NotContains(t, f.tasks.names, "events.auto_block")
}

func TestAnalysisRaisesSeverity(t *testing.T) {
	f := newFixture(t)
	f.analyzer.result = &analysis.Result{RiskScore: 95, ScamType: "bank_fraud", Summary: "s", ModelVersion: "v2"}

	e, err := f.svc.Create(context.Background(), "subject-1", CreateRequest{
		Type:    models.EventConversationAI,
		Payload: raw(`{"conversationText":"息子を名乗る電話で至急振込を求められた"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, risk.SeverityMedium, e.Severity)

	stored, err := f.store.GetEvent(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, risk.SeverityCritical, stored.Severity)
	assert.Equal(t, "bank_fraud", stored.Analysis.ScamType)
	assert.Equal(t, "alert_updated", f.pub.kinds[len(f.pub.kinds)-1])
	assert.Equal(t, analysis.KindConversationSummary, f.analyzer.reqs[0].Kind)
}

func TestFallbackAnalysisIsNotStored(t *testing.T) {
	f := newFixture(t)
	f.analyzer.result = analysis.NeutralResult()

	e, err := f.svc.Create(context.Background(), "subject-1", CreateRequest{
		Type:    models.EventScamButton,
		Payload: raw(`{"conversationText":"還付金があります"}`),
	})
	require.NoError(t, err)
	stored, err := f.store.GetEvent(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Analysis)
}

func TestScamButtonWithoutTextSkipsAnalysis(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), "subject-1", CreateRequest{Type: models.EventScamButton})
	require.NoError(t, err)
	assert.Empty(t, f.analyzer.reqs)
	assert.Equal(t, []string{"new_alert"}, f.pub.kinds)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lat, nan := 1.0, math.NaN()
	cases := []CreateRequest{
		{Type: "nope"},
		{Type: models.EventEmergencySOS, Payload: raw(`{"sessionId":"x"}`)},
		{Type: models.EventScamButton, Severity: "extreme"},
		{Type: models.EventScamButton, Latitude: &lat},
		{Type: models.EventScamButton, Latitude: &nan, Longitude: &lat},
		{Type: models.EventAIAssistant, Payload: raw(`{}`)},
	}
	for _, c := range cases {
		_, err := f.svc.Create(ctx, "subject-1", c)
		assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err), "%+v", c)
	}
}

func TestGuardianActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, err := f.svc.Create(ctx, "subject-1", CreateRequest{Type: models.EventScamButton, Severity: risk.SeverityHigh})
	require.NoError(t, err)

	_, err = f.svc.Acknowledge(ctx, e.ID, "subject-1")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Resolve(ctx, e.ID, "stranger")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Resolve(ctx, "missing", "guardian-1")
	assert.ErrorIs(t, err, ErrEventNotFound)

	ack, err := f.svc.Acknowledge(ctx, e.ID, "guardian-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventAcknowledged, ack.Status)

	// 只有监护人明确操作才能降级
	lowered, err := f.svc.Escalate(ctx, e.ID, risk.SeverityLow, "guardian-1")
	require.NoError(t, err)
	assert.Equal(t, risk.SeverityLow, lowered.Severity)
	_, err = f.svc.Escalate(ctx, e.ID, "bogus", "guardian-1")
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	resolved, err := f.svc.Resolve(ctx, e.ID, "guardian-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventResolved, resolved.Status)
	assert.Equal(t, "alert_resolved", f.pub.kinds[len(f.pub.kinds)-1])

	_, err = f.svc.Resolve(ctx, e.ID, "guardian-1")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = f.svc.Acknowledge(ctx, e.ID, "guardian-1")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	stored, err := f.svc.Get(ctx, e.ID, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, "guardian-1", stored.ResolvedBy)
	assert.Equal(t, risk.SeverityLow, stored.Severity)
	_, err = f.svc.Get(ctx, e.ID, "stranger")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestListBySubjectPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		i := i
		f.svc.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		_, err := f.svc.Create(ctx, "subject-1", CreateRequest{Type: models.EventScamButton})
		require.NoError(t, err)
	}

	page, err := f.svc.ListBySubject(ctx, "subject-1", "guardian-1", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 2, page.Page)
	require.Len(t, page.Data, 2)
	assert.True(t, page.Data[0].CreatedAt.After(page.Data[1].CreatedAt))

	page, err = f.svc.ListBySubject(ctx, "subject-1", "subject-1", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, maxPageSize, page.Limit)
	assert.Len(t, page.Data, 5)

	_, err = f.svc.ListBySubject(ctx, "subject-1", "stranger", 1, 10)
	assert.ErrorIs(t, err, ErrForbidden)

	empty, err := f.svc.ListBySubject(ctx, "subject-2", "subject-2", 1, 10)
	require.NoError(t, err)
	assert.NotNil(t, empty.Data)
	assert.Equal(t, 0, empty.TotalPages)
}

func TestVoiceAnalyzeFallsBackWhenOracleFails(t *testing.T) {
	f := newFixture(t)
	f.analyzer.result = nil
	f.analyzer.err = errors.New("oracle down")

	res, err := f.svc.VoiceAnalyze(context.Background(), "subject-1", "宝くじが当選しました")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, 0, res.RiskScore)
	assert.Equal(t, analysis.FallbackModelVersion, res.ModelVersion)

	stored, err := f.store.GetEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.EventAIAssistant, stored.Type)
	assert.Equal(t, risk.SeverityMedium, stored.Severity)

	_, err = f.svc.VoiceAnalyze(context.Background(), "subject-1", " ")
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestVoiceAnalyzeRaisesToHigh(t *testing.T) {
	f := newFixture(t)
	f.analyzer.result = &analysis.Result{RiskScore: 75, ScamType: "impersonation", ModelVersion: "v3", KeyPoints: []string{"k"}}

	res, err := f.svc.VoiceAnalyze(context.Background(), "subject-1", "市役所の職員ですが還付金があります")
	require.NoError(t, err)
	assert.Equal(t, 75, res.RiskScore)
	assert.Equal(t, []string{"k"}, res.KeyPoints)

	stored, err := f.store.GetEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, risk.SeverityHigh, stored.Severity)
}

func TestQuickCheck(t *testing.T) {
	f := newFixture(t)
	f.analyzer.result = &analysis.Result{RiskScore: 80, IsSuspicious: true, Reason: "keywords"}
	res, err := f.svc.QuickCheck(context.Background(), "至急振込")
	require.NoError(t, err)
	assert.True(t, res.IsSuspicious)
	assert.Equal(t, analysis.KindQuickCheck, f.analyzer.reqs[0].Kind)

	_, err = f.svc.QuickCheck(context.Background(), "")
	assert.Error(t, err)
}

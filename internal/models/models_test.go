package models

import (
	"encoding/json"
	"testing"
	"time"

	"Mamori/pkg/errors"
	"Mamori/pkg/risk"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(db))
	return db
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(EventAutoForward, json.RawMessage(`{"phoneNumber":"+1 202","smsContent":"還付金"}`))
	require.NoError(t, err)
	require.NotNil(t, p.AutoForward)
	assert.Equal(t, risk.CallTypeCall, p.AutoForward.CallType, "missing callType defaults to call")
	assert.Equal(t, "還付金", p.Text())

	_, err = DecodePayload(EventAutoForward, json.RawMessage(`{"phoneNumber":"1","callType":"fax"}`))
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))

	_, err = DecodePayload(EventAIAssistant, json.RawMessage(`{"transcript":"  "}`))
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))

	_, err = DecodePayload("bogus", nil)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))

	p, err = DecodePayload(EventScamButton, nil)
	require.NoError(t, err)
	assert.NotNil(t, p.ScamButton)

	_, err = DecodePayload(EventConversationAI, json.RawMessage(`[1,2]`))
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestPayloadValidateRejectsMismatch(t *testing.T) {
	p := EventPayload{ScamButton: &ScamButtonPayload{}}
	assert.NoError(t, p.Validate(EventScamButton))
	assert.Error(t, p.Validate(EventConversationAI))

	both := EventPayload{ScamButton: &ScamButtonPayload{}, ConversationAI: &ConversationPayload{ConversationText: "x"}}
	assert.Error(t, both.Validate(EventScamButton))
	assert.Error(t, EventPayload{}.Validate(EventScamButton))
}

func TestSafetyEventRoundTrip(t *testing.T) {
	db := newTestDB(t)
	lat := 35.6812
	e := &SafetyEvent{
		SubjectID: "s-1",
		Type:      EventConversationAI,
		Severity:  risk.SeverityMedium,
		Payload:   EventPayload{ConversationAI: &ConversationPayload{ConversationText: "投資の話"}},
		Status:    EventPending,
		Latitude:  &lat,
	}
	require.NoError(t, CreateSafetyEvent(db, e))
	assert.NotEmpty(t, e.ID)

	got, err := GetSafetyEvent(db, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Payload.ConversationAI)
	assert.Equal(t, "投資の話", got.Payload.ConversationAI.ConversationText)
	assert.Nil(t, got.Analysis)

	require.NoError(t, SaveAnalysisResult(db, &AnalysisResult{EventID: e.ID, RiskScore: 40, ScamType: "investment"}))
	require.NoError(t, SaveAnalysisResult(db, &AnalysisResult{EventID: e.ID, RiskScore: 80, ScamType: "investment"}))
	got, err = GetSafetyEvent(db, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Analysis)
	assert.Equal(t, 80, got.Analysis.RiskScore)
}

func TestRaiseSeverityNeverLowers(t *testing.T) {
	db := newTestDB(t)
	e := &SafetyEvent{SubjectID: "s", Type: EventScamButton, Severity: risk.SeverityHigh,
		Payload: EventPayload{ScamButton: &ScamButtonPayload{}}, Status: EventPending}
	require.NoError(t, CreateSafetyEvent(db, e))

	changed, err := RaiseSeverity(db, e.ID, risk.SeverityMedium)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = RaiseSeverity(db, e.ID, risk.SeverityCritical)
	require.NoError(t, err)
	assert.True(t, changed)

	got, _ := GetSafetyEvent(db, e.ID)
	assert.Equal(t, risk.SeverityCritical, got.Severity)
}

func TestListSafetyEventsNewestFirst(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		e := &SafetyEvent{SubjectID: "s", Type: EventScamButton, Severity: risk.SeverityLow,
			Payload: EventPayload{ScamButton: &ScamButtonPayload{}}, Status: EventPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, CreateSafetyEvent(db, e))
	}
	other := &SafetyEvent{SubjectID: "other", Type: EventScamButton, Severity: risk.SeverityLow,
		Payload: EventPayload{ScamButton: &ScamButtonPayload{}}, Status: EventPending}
	require.NoError(t, CreateSafetyEvent(db, other))

	events, total, err := ListSafetyEvents(db, "s", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, events, 2)
	assert.True(t, events[0].CreatedAt.After(events[1].CreatedAt))
}

func TestEmergencySessionLocations(t *testing.T) {
	db := newTestDB(t)
	acc := 12.5
	s := &EmergencySession{
		SubjectID: "s",
		Mode:      ModeSilent,
		Status:    SessionActive,
		Locations: Locations{{Latitude: 35.6812, Longitude: 139.7671, Accuracy: &acc, ReceivedAt: time.Now()}},
	}
	require.NoError(t, CreateEmergencySession(db, s))

	active, err := GetActiveSession(db, "s")
	require.NoError(t, err)
	assert.Equal(t, s.ID, active.ID)

	active.Locations = append(active.Locations, LocationPoint{Latitude: 35.69, Longitude: 139.70, ReceivedAt: time.Now()})
	require.NoError(t, SaveEmergencySession(db, active))

	got, err := GetEmergencySession(db, s.ID)
	require.NoError(t, err)
	require.Len(t, got.Locations, 2)
	assert.Equal(t, 35.6812, got.Locations[0].Latitude)
	assert.Equal(t, acc, *got.Locations[0].Accuracy)
	last, ok := got.Locations.Last()
	assert.True(t, ok)
	assert.Equal(t, 35.69, last.Latitude)
}

func TestPairingsAndTokens(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, CreatePairing(db, &Pairing{SubjectID: "s", GuardianID: "g1", Role: PairingOwner}))
	require.NoError(t, CreatePairing(db, &Pairing{SubjectID: "s", GuardianID: "g2"}))
	require.NoError(t, CreatePairing(db, &Pairing{SubjectID: "s", GuardianID: "g1"}))

	ok, err := IsGuardianOf(db, "g1", "s")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = IsGuardianOf(db, "s", "g1")
	assert.False(t, ok)

	ids, err := GuardianIDs(db, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g1", "g2"}, ids)

	require.NoError(t, UpsertDeviceToken(db, &DeviceToken{UserID: "g1", Token: "t1"}))
	require.NoError(t, UpsertDeviceToken(db, &DeviceToken{UserID: "g2", Token: "t2"}))
	require.NoError(t, UpsertDeviceToken(db, &DeviceToken{UserID: "g2", Token: "t1"}))
	tokens, err := TokensForUsers(db, []string{"g2"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, tokens)

	require.NoError(t, DeleteDeviceToken(db, "", "t1"))
	tokens, _ = TokensForUsers(db, ids)
	assert.Equal(t, []string{"t2"}, tokens)
}

func TestBlockNumberIgnoresDuplicates(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, BlockNumber(db, &BlockedNumber{SubjectID: "s", PhoneNumber: "+1", Reason: "高リスク番号"}))
	require.NoError(t, BlockNumber(db, &BlockedNumber{SubjectID: "s", PhoneNumber: "+1", Reason: "again"}))
	ok, err := IsBlocked(db, "s", "+1")
	require.NoError(t, err)
	assert.True(t, ok)

	var n int64
	db.Model(&BlockedNumber{}).Count(&n)
	assert.Equal(t, int64(1), n)
}

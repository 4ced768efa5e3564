package realtime_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"Mamori/internal/emergency"
	"Mamori/internal/models"
	"Mamori/internal/realtime"
	"Mamori/internal/store"
	"Mamori/pkg/errors"
	"Mamori/pkg/middleware"
	ws "Mamori/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const secret = "realtime-secret"

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.Migrate(db))
	s := store.New(db, nil)
	require.NoError(t, s.Pair(context.Background(), "subject-1", "guardian-1", models.PairingOwner))
	return s
}

func TestJoinGuard(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sess := &models.EmergencySession{SubjectID: "subject-1", Mode: models.ModeAlarm, Status: models.SessionActive}
	require.NoError(t, s.CreateSession(ctx, sess))
	g := realtime.NewJoinGuard(s, s)

	assert.NoError(t, g.CanJoin(ctx, "guardian-1", realtime.AlertsTopic("subject-1")))
	assert.Equal(t, errors.CodeForbidden, errors.CodeOf(g.CanJoin(ctx, "subject-1", realtime.AlertsTopic("subject-1"))))
	assert.Equal(t, errors.CodeForbidden, errors.CodeOf(g.CanJoin(ctx, "stranger", realtime.AlertsTopic("subject-1"))))

	assert.NoError(t, g.CanJoin(ctx, "subject-1", realtime.SessionTopic(sess.ID)))
	assert.NoError(t, g.CanJoin(ctx, "guardian-1", realtime.SessionTopic(sess.ID)))
	assert.Equal(t, errors.CodeForbidden, errors.CodeOf(g.CanJoin(ctx, "stranger", realtime.SessionTopic(sess.ID))))
	assert.Equal(t, errors.CodeForbidden, errors.CodeOf(g.CanJoin(ctx, "guardian-1", realtime.SessionTopic("missing"))))

	assert.Equal(t, errors.CodeValidation, errors.CodeOf(g.CanJoin(ctx, "guardian-1", "chat:1")))
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(g.CanJoin(ctx, "guardian-1", "alerts:")))
}

type recordingHub struct {
	topics []string
	events []string
	full   bool
}

func (h *recordingHub) Publish(topic, event string, data interface{}) bool {
	h.topics = append(h.topics, topic)
	h.events = append(h.events, event)
	return !h.full
}

func TestBroadcasterTopics(t *testing.T) {
	h := &recordingHub{}
	b := realtime.NewBroadcaster(h)
	now := time.Now()
	e := &models.SafetyEvent{ID: "e1", SubjectID: "s1", ResolvedAt: &now}

	b.PublishLocation("x", models.LocationPoint{}, models.ModeAlarm)
	b.PublishModeChange("x", models.ModeSilent, "g")
	b.PublishResolved("x", "g", now)
	b.PublishNewAlert(e)
	b.PublishAlertUpdated(e)
	b.PublishAlertResolved(e)

	assert.Equal(t, []string{"session:x", "session:x", "session:x", "alerts:s1", "alerts:s1", "alerts:s1"}, h.topics)
	assert.Equal(t, []string{"location_update", "mode_change", "resolved", "new_alert", "alert_updated", "alert_resolved"}, h.events)

	// 丢弃不影响调用方
	h.full = true
	b.PublishNewAlert(e)
}

func TestBroadcasterFansOutToEveryHub(t *testing.T) {
	full := &recordingHub{full: true}
	ok := &recordingHub{}
	b := realtime.NewBroadcaster(full, ok)

	b.PublishModeChange("x", models.ModeSilent, "g")

	assert.Equal(t, []string{"mode_change"}, full.events)
	assert.Equal(t, []string{"mode_change"}, ok.events)
}

type inlineTasks struct{}

func (inlineTasks) Submit(name string, fn func(ctx context.Context) error) bool {
	_ = fn(context.Background())
	return true
}

func dial(t *testing.T, base, userID string) *websocket.Conn {
	t.Helper()
	token, err := middleware.IssueToken(secret, userID, "", time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(base+"?token="+token, nil)
	require.NoError(t, err)
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, topic string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ws.Message{Type: ws.MessageTypeSubscribe, Topic: topic}))
	ack := read(t, conn)
	require.Equal(t, ws.MessageTypeSubscribed, ack.Type, "subscribe to %s: %v", topic, ack.Data)
}

func read(t *testing.T, conn *websocket.Conn) ws.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg ws.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestDistressScenarioOverWebSocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	s := newStore(t)

	hub := ws.NewHub(nil, ws.WithJoinGuard(realtime.NewJoinGuard(s, s)))
	defer hub.Close()
	b := realtime.NewBroadcaster(hub)
	coord := emergency.NewCoordinator(s, s, s, s, b, nil, inlineTasks{})

	r := gin.New()
	ws.RegisterRoutes(r, ws.NewHandler(hub), middleware.AuthMiddleware(secret))
	srv := httptest.NewServer(r)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + ws.RouteWebSocket

	guardian := dial(t, base, "guardian-1")
	defer guardian.Close()
	subscribe(t, guardian, realtime.AlertsTopic("subject-1"))

	alarm := models.ModeAlarm
	sess, err := coord.Start(ctx, "subject-1", emergency.StartRequest{Mode: &alarm, Latitude: 35.6812, Longitude: 139.7671})
	require.NoError(t, err)

	alert := read(t, guardian)
	assert.Equal(t, realtime.EventNewAlert, alert.Event)
	data, ok := alert.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "critical", data["severity"])
	assert.Equal(t, "emergency_sos", data["type"])

	subscribe(t, guardian, realtime.SessionTopic(sess.ID))

	_, err = coord.ChangeMode(ctx, sess.ID, models.ModeSilent, "guardian-1")
	require.NoError(t, err)
	_, err = coord.AppendLocation(ctx, sess.ID, "subject-1", models.LocationPoint{Latitude: 35.6813, Longitude: 139.7672})
	require.NoError(t, err)
	_, err = coord.Resolve(ctx, sess.ID, "guardian-1")
	require.NoError(t, err)

	// 不同主题之间不保证顺序，按主题分别核对
	var sessionEvents, alertEvents []string
	var locationMode interface{}
	for len(sessionEvents) < 3 || len(alertEvents) < 1 {
		msg := read(t, guardian)
		switch msg.Topic {
		case realtime.SessionTopic(sess.ID):
			sessionEvents = append(sessionEvents, msg.Event)
			if msg.Event == realtime.EventLocationUpdate {
				locationMode = msg.Data.(map[string]interface{})["mode"]
			}
		case realtime.AlertsTopic("subject-1"):
			alertEvents = append(alertEvents, msg.Event)
		}
	}
	assert.Equal(t, []string{"mode_change", "location_update", "resolved"}, sessionEvents)
	assert.Equal(t, []string{"alert_resolved"}, alertEvents)
	assert.Equal(t, "silent", locationMode)

	_, err = coord.AppendLocation(ctx, sess.ID, "subject-1", models.LocationPoint{Latitude: 1, Longitude: 1})
	assert.ErrorIs(t, err, emergency.ErrSessionNotFound)

	stranger := dial(t, base, "stranger")
	defer stranger.Close()
	require.NoError(t, stranger.WriteJSON(ws.Message{Type: ws.MessageTypeSubscribe, Topic: realtime.AlertsTopic("subject-1")}))
	denied := read(t, stranger)
	assert.Equal(t, ws.MessageTypeError, denied.Type)
}

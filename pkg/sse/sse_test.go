package sse_test

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"Mamori/pkg/errors"
	"Mamori/pkg/sse"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type guardFunc func(ctx context.Context, userID, topic string) error

func (f guardFunc) CanJoin(ctx context.Context, userID, topic string) error { return f(ctx, userID, topic) }

// 只有 guardian-1 能订阅 alerts:s1
var onlyGuardian = guardFunc(func(_ context.Context, userID, topic string) error {
	if userID == "guardian-1" && topic == "alerts:s1" {
		return nil
	}
	return errors.Forbidden("not permitted")
})

func TestSubscribeChecksEveryTopic(t *testing.T) {
	h := sse.NewHub(onlyGuardian)

	_, err := h.Subscribe(context.Background(), "c1", "guardian-1", []string{"alerts:s1", "alerts:s2"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeForbidden, errors.CodeOf(err))
	assert.Equal(t, 0, h.Subscribers("alerts:s1"))

	_, err = h.Subscribe(context.Background(), "c1", "guardian-1", nil)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestPublishFrames(t *testing.T) {
	h := sse.NewHub(onlyGuardian)
	assert.True(t, h.Publish("alerts:s1", "new_alert", map[string]string{"id": "e1"}))

	ch, err := h.Subscribe(context.Background(), "c1", "guardian-1", []string{"alerts:s1"})
	require.NoError(t, err)
	require.True(t, h.Publish("alerts:s1", "new_alert", map[string]string{"id": "e1"}))

	frame := string(<-ch)
	assert.Contains(t, frame, "event: new_alert\n")
	assert.Contains(t, frame, `"topic":"alerts:s1"`)
	assert.Contains(t, frame, `"id":"e1"`)
	assert.True(t, strings.HasSuffix(frame, "\n\n"))

	h.Unsubscribe("c1")
	assert.Equal(t, 0, h.Subscribers("alerts:s1"))
}

func TestSlowSubscriberDropsFrames(t *testing.T) {
	h := sse.NewHub(nil, sse.WithBuffer(1))
	_, err := h.Subscribe(context.Background(), "c1", "u", []string{"t"})
	require.NoError(t, err)

	assert.True(t, h.Publish("t", "e", 1))
	assert.False(t, h.Publish("t", "e", 2))
	assert.EqualValues(t, 1, h.Dropped())
}

func TestServeRejects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := sse.NewHub(onlyGuardian)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/stream?topic=alerts:s1", nil)
	h.Serve(c, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/stream?topic=alerts:s1", nil)
	h.Serve(c, "stranger")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServeStreamsEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := sse.NewHub(onlyGuardian)
	r := gin.New()
	r.GET("/stream", func(c *gin.Context) { h.Serve(c, "guardian-1") })
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream?topic=alerts:s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.Subscribers("alerts:s1") == 1 }, 2*time.Second, 10*time.Millisecond)
	h.Publish("alerts:s1", "alert_resolved", map[string]string{"eventId": "e1"})

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if line == "event: alert_resolved" {
				return
			}
		case <-deadline:
			t.Fatal("no alert_resolved frame")
		}
	}
}

func TestCloseEndsStreamsForShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := sse.NewHub(onlyGuardian)
	r := gin.New()
	r.GET("/stream", func(c *gin.Context) { h.Serve(c, "guardian-1") })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: r}
	srv.RegisterOnShutdown(h.Close)
	go func() { _ = srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/stream?topic=alerts:s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return h.Subscribers("alerts:s1") == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, h.Subscribers("alerts:s1"))

	_, err = h.Subscribe(context.Background(), "late", "guardian-1", []string{"alerts:s1"})
	assert.Equal(t, errors.CodeUnavailable, errors.CodeOf(err))
	h.Close()
}

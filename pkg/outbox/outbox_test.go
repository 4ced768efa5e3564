package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"Mamori/pkg/scheduler"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeSender struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (f *fakeSender) Send(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, e.ID)
	if f.fail[e.Type] {
		return errors.New("offline")
	}
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store, err := NewGormStore(db)
	require.NoError(t, err)
	return store
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"gorm":   newGormStore(t),
	}
}

func TestEnqueueAssignsIdentityAndOrder(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := New(store, &fakeSender{}, Config{MaxRetries: 3})

			lat, lng := 35.6812, 139.7671
			first, err := o.Enqueue(ctx, Event{Type: "emergency_sos", Severity: "critical",
				Payload: json.RawMessage(`{"mode":"alarm"}`), Latitude: &lat, Longitude: &lng})
			require.NoError(t, err)
			second, err := o.Enqueue(ctx, Event{Type: "scam_button"})
			require.NoError(t, err)

			assert.NotEmpty(t, first.ID)
			assert.NotEqual(t, first.ID, second.ID)
			assert.Zero(t, first.RetryCount)
			assert.False(t, first.CreatedAt.IsZero())
			assert.Less(t, first.Seq, second.Seq)

			pending, err := o.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, first.ID, pending[0].ID)
			assert.JSONEq(t, `{"mode":"alarm"}`, string(pending[0].Payload))
			require.NotNil(t, pending[0].Latitude)
			assert.InDelta(t, lat, *pending[0].Latitude, 1e-9)

			_, err = o.Enqueue(ctx, Event{})
			assert.Error(t, err)
		})
	}
}

func TestFlushSendsInOrderAndRemoves(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sender := &fakeSender{}
			o := New(store, sender, Config{MaxRetries: 3})

			var ids []string
			for i := 0; i < 3; i++ {
				e, err := o.Enqueue(ctx, Event{Type: "scam_button"})
				require.NoError(t, err)
				ids = append(ids, e.ID)
			}

			res, err := o.Flush(ctx)
			require.NoError(t, err)
			assert.Equal(t, Result{Sent: 3}, res)
			assert.Equal(t, ids, sender.sent())

			pending, err := o.Pending(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestFlushFailureIncrementsRetryAndKeepsEntry(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sender := &fakeSender{fail: map[string]bool{"auto_forward": true}}
			sleeper := &sleepRecorder{}
			o := New(store, sender, Config{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Sleep: sleeper.sleep})

			failing, err := o.Enqueue(ctx, Event{Type: "auto_forward"})
			require.NoError(t, err)
			_, err = o.Enqueue(ctx, Event{Type: "scam_button"})
			require.NoError(t, err)

			res, err := o.Flush(ctx)
			require.NoError(t, err)
			assert.Equal(t, Result{Sent: 1, Failed: 1}, res)

			pending, err := o.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, failing.ID, pending[0].ID)
			assert.Equal(t, 1, pending[0].RetryCount)
			assert.Empty(t, sleeper.delays, "first attempt does not wait")

			res, err = o.Flush(ctx)
			require.NoError(t, err)
			assert.Equal(t, Result{Failed: 1}, res)
			assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.delays)

			pending, _ = o.Pending(ctx)
			assert.Equal(t, 2, pending[0].RetryCount)
		})
	}
}

func TestFlushDropsAtRetryBound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sender := &fakeSender{fail: map[string]bool{"auto_forward": true}}
			sleeper := &sleepRecorder{}
			o := New(store, sender, Config{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 3 * time.Second, Sleep: sleeper.sleep})

			_, err := o.Enqueue(ctx, Event{Type: "auto_forward"})
			require.NoError(t, err)

			res, _ := o.Flush(ctx)
			assert.Equal(t, Result{Failed: 1}, res)
			res, _ = o.Flush(ctx)
			assert.Equal(t, Result{Failed: 1}, res)

			// retryCount 已达上限，再失败一次即丢弃
			res, err = o.Flush(ctx)
			require.NoError(t, err)
			assert.Equal(t, Result{Dropped: 1}, res)

			pending, err := o.Pending(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)
			assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second}, sleeper.delays)
			assert.Len(t, sender.sent(), 3)
		})
	}
}

func TestFlushCancelledDuringBackoffLeavesQueueIntact(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore()
	sender := &fakeSender{fail: map[string]bool{"auto_forward": true}}
	o := New(store, sender, Config{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour})

	_, err := o.Enqueue(ctx, Event{Type: "auto_forward"})
	require.NoError(t, err)
	_, err = o.Flush(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := o.Flush(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not return after cancellation")
	}

	pending, _ := o.Pending(context.Background())
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Len(t, sender.sent(), 1)
}

func TestDeliverQueuesOnFailure(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{fail: map[string]bool{"auto_forward": true}}
	o := New(NewMemoryStore(), sender, Config{MaxRetries: 1})

	sent, _, err := o.Deliver(ctx, Event{Type: "scam_button"})
	require.NoError(t, err)
	assert.True(t, sent)

	sent, entry, err := o.Deliver(ctx, Event{Type: "auto_forward"})
	require.NoError(t, err)
	assert.False(t, sent)

	pending, _ := o.Pending(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, entry.ID, pending[0].ID)
}

// blockingSender 第一次 Send 阻塞到 release 关闭
type blockingSender struct {
	fakeSender
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSender) Send(ctx context.Context, e Entry) error {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	return b.fakeSender.Send(ctx, e)
}

func TestFlushSkipsEntryBeingDelivered(t *testing.T) {
	ctx := context.Background()
	sender := &blockingSender{entered: make(chan struct{}), release: make(chan struct{})}
	o := New(NewMemoryStore(), sender, Config{MaxRetries: 3})

	done := make(chan Entry, 1)
	go func() {
		sent, entry, err := o.Deliver(ctx, Event{Type: "scam_button"})
		assert.NoError(t, err)
		assert.True(t, sent)
		done <- entry
	}()
	<-sender.entered

	res, err := o.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, sender.sent())

	close(sender.release)
	entry := <-done
	assert.Equal(t, []string{entry.ID}, sender.sent())
	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClear(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := New(store, &fakeSender{}, Config{})
			for i := 0; i < 3; i++ {
				_, err := o.Enqueue(ctx, Event{Type: "scam_button"})
				require.NoError(t, err)
			}
			require.NoError(t, o.Clear(ctx))
			pending, err := o.Pending(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestAutoFlush(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	o := New(NewMemoryStore(), sender, Config{})
	_, err := o.Enqueue(ctx, Event{Type: "scam_button"})
	require.NoError(t, err)

	s := scheduler.New()
	o.AutoFlush(s, 10*time.Millisecond)
	defer s.Stop()

	assert.Eventually(t, func() bool {
		pending, _ := o.Pending(ctx)
		return len(pending) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, sender.sent(), 1)
}

package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	rediscommon "github.com/jongwoo108/yak-sok/common/redis"
	"github.com/jongwoo108/yak-sok/internal/safetyline"
)

const (
	testStream = "safetyline:dose-events"
	testGroup  = "safetyline-group"
)

type fakeDoseHandler struct {
	mu        sync.Mutex
	planned   []int64
	cancelled []int64
	failDose  int64
}

func (h *fakeDoseHandler) PlanDose(_ context.Context, doseID int64) (safetyline.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if doseID == h.failDose {
		return safetyline.Result{}, errors.New("database unavailable")
	}
	h.planned = append(h.planned, doseID)
	return safetyline.Result{Status: safetyline.OutcomeScheduled, DoseID: doseID}, nil
}

func (h *fakeDoseHandler) CancelDose(_ context.Context, doseID int64) (safetyline.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = append(h.cancelled, doseID)
	return safetyline.Result{Status: safetyline.OutcomeCancelled, DoseID: doseID}, nil
}

func setupTestConsumer(t *testing.T, handler DoseHandler) (*DoseEventConsumer, *redis.Client) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	c := NewDoseEventConsumer(redisClient, handler, zap.NewNop(), testStream, testGroup, "worker-1", 10)
	c.block = 10 * time.Millisecond
	require.NoError(t, rediscommon.CreateConsumerGroup(context.Background(), redisClient, testStream, testGroup))
	return c, redisClient
}

func pendingIDs(t *testing.T, redisClient *redis.Client) []string {
	t.Helper()
	pending, err := redisClient.XPendingExt(context.Background(), &redis.XPendingExtArgs{
		Stream: testStream,
		Group:  testGroup,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	require.NoError(t, err)
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestConsumeOnce_RoutesEvents(t *testing.T) {
	handler := &fakeDoseHandler{}
	c, redisClient := setupTestConsumer(t, handler)
	ctx := context.Background()

	_, err := rediscommon.PublishJSONToStream(ctx, redisClient, testStream, DoseEvent{EventType: EventDoseCreated, DoseID: 7})
	require.NoError(t, err)
	_, err = rediscommon.PublishToStream(ctx, redisClient, testStream, map[string]interface{}{
		"event_type": EventDoseActivated,
		"dose_id":    "8",
	})
	require.NoError(t, err)
	_, err = rediscommon.PublishJSONToStream(ctx, redisClient, testStream, DoseEvent{EventType: EventDoseTaken, DoseID: 7})
	require.NoError(t, err)
	_, err = rediscommon.PublishJSONToStream(ctx, redisClient, testStream, DoseEvent{EventType: "dose.renamed", DoseID: 9})
	require.NoError(t, err)

	acked, err := c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, acked)
	assert.Equal(t, []int64{7, 8}, handler.planned)
	assert.Equal(t, []int64{7}, handler.cancelled)

	assert.Empty(t, pendingIDs(t, redisClient))
}

func TestConsumeOnce_FailedEventStaysPending(t *testing.T) {
	handler := &fakeDoseHandler{failDose: 7}
	c, redisClient := setupTestConsumer(t, handler)
	ctx := context.Background()

	_, err := rediscommon.PublishJSONToStream(ctx, redisClient, testStream, DoseEvent{EventType: EventDoseCreated, DoseID: 7})
	require.NoError(t, err)

	acked, err := c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, acked)

	assert.Len(t, pendingIDs(t, redisClient), 1)
}

func TestConsumeOnce_FailedEventRetriedAfterIdle(t *testing.T) {
	handler := &fakeDoseHandler{failDose: 7}
	c, redisClient := setupTestConsumer(t, handler)
	c.reclaimIdle = 0
	ctx := context.Background()

	_, err := rediscommon.PublishJSONToStream(ctx, redisClient, testStream, DoseEvent{EventType: EventDoseCreated, DoseID: 7})
	require.NoError(t, err)

	acked, err := c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, acked)
	require.Len(t, pendingIDs(t, redisClient), 1)

	// 数据库恢复
	handler.mu.Lock()
	handler.failDose = 0
	handler.mu.Unlock()

	acked, err = c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	assert.Equal(t, []int64{7}, handler.planned)
	assert.Empty(t, pendingIDs(t, redisClient))
}

func TestConsumeOnce_DropsEventAfterMaxDeliveries(t *testing.T) {
	handler := &fakeDoseHandler{failDose: 7}
	c, redisClient := setupTestConsumer(t, handler)
	c.reclaimIdle = 0
	c.maxDeliveries = 3
	ctx := context.Background()

	_, err := rediscommon.PublishJSONToStream(ctx, redisClient, testStream, DoseEvent{EventType: EventDoseCreated, DoseID: 7})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		acked, err := c.ConsumeOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, acked)
		require.Len(t, pendingIDs(t, redisClient), 1)
	}

	acked, err := c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	assert.Empty(t, pendingIDs(t, redisClient))
	assert.Empty(t, handler.planned)
}

func TestConsumeOnce_InvalidEventAcked(t *testing.T) {
	handler := &fakeDoseHandler{}
	c, redisClient := setupTestConsumer(t, handler)
	ctx := context.Background()

	_, err := rediscommon.PublishToStream(ctx, redisClient, testStream, map[string]interface{}{
		"event_type": EventDoseCreated,
		"dose_id":    "abc",
	})
	require.NoError(t, err)

	acked, err := c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	assert.Empty(t, handler.planned)
}

func TestConsumeOnce_Empty(t *testing.T) {
	c, _ := setupTestConsumer(t, &fakeDoseHandler{})

	acked, err := c.ConsumeOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, acked)
}

func TestParseDoseEvent(t *testing.T) {
	event, err := ParseDoseEvent(map[string]interface{}{"data": `{"event_type":"dose.taken","dose_id":12,"user_id":3}`})
	require.NoError(t, err)
	assert.Equal(t, EventDoseTaken, event.EventType)
	assert.Equal(t, int64(12), event.DoseID)
	assert.Equal(t, int64(3), event.UserID)

	event, err = ParseDoseEvent(map[string]interface{}{"event_type": "dose.created", "dose_id": "5"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), event.DoseID)

	_, err = ParseDoseEvent(map[string]interface{}{"event_type": "dose.created"})
	assert.ErrorIs(t, err, errInvalidEvent)
}

func TestStart_StopsOnCancel(t *testing.T) {
	handler := &fakeDoseHandler{}
	c, redisClient := setupTestConsumer(t, handler)

	_, err := rediscommon.PublishJSONToStream(context.Background(), redisClient, testStream, DoseEvent{EventType: EventDoseCreated, DoseID: 7})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.planned) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

package safetyline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jongwoo108/yak-sok/internal/dedup"
	"github.com/jongwoo108/yak-sok/internal/models"
	"github.com/jongwoo108/yak-sok/internal/notifier"
	"github.com/jongwoo108/yak-sok/internal/policy"
	"github.com/jongwoo108/yak-sok/internal/repository"
	"github.com/jongwoo108/yak-sok/internal/scheduler"
)

type fakeDoses struct {
	mu    sync.Mutex
	doses map[int64]*models.DoseOccurrence
}

func newFakeDoses(doses ...*models.DoseOccurrence) *fakeDoses {
	f := &fakeDoses{doses: make(map[int64]*models.DoseOccurrence)}
	for _, d := range doses {
		f.doses[d.ID] = d
	}
	return f
}

func (f *fakeDoses) GetDose(_ context.Context, doseID int64) (*models.DoseOccurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.doses[doseID]
	if !ok {
		return nil, fmt.Errorf("dose %d: %w", doseID, repository.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDoses) PendingCount(_ context.Context, userID int64, dueAt time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.doses {
		if d.UserID == userID && d.DueAt.Equal(dueAt) && d.IsPending() {
			n++
		}
	}
	return n, nil
}

func (f *fakeDoses) MarkTaskHandle(_ context.Context, doseID int64, handle *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.doses[doseID]
	if !ok {
		return repository.ErrNotFound
	}
	d.TaskHandle = handle
	return nil
}

func (f *fakeDoses) ListPendingBetween(_ context.Context, from, to time.Time) ([]*models.DoseOccurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.DoseOccurrence, 0)
	for _, d := range f.doses {
		if d.IsPending() && !d.DueAt.Before(from) && d.DueAt.Before(to) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return out, nil
}

func (f *fakeDoses) setStatus(doseID int64, status models.DoseStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doses[doseID].Status = status
}

func (f *fakeDoses) handle(doseID int64) *string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doses[doseID].TaskHandle
}

type fakeAlerts struct {
	mu     sync.Mutex
	nextID int64
	alerts map[int64]*models.Alert
}

func newFakeAlerts() *fakeAlerts {
	return &fakeAlerts{alerts: make(map[int64]*models.Alert)}
}

func (f *fakeAlerts) Create(_ context.Context, alert *models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	alert.ID = f.nextID
	cp := *alert
	f.alerts[alert.ID] = &cp
	return nil
}

func (f *fakeAlerts) Get(_ context.Context, alertID int64) (*models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("alert %d: %w", alertID, repository.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAlerts) SetTaskHandle(_ context.Context, alertID int64, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[alertID]
	if !ok {
		return repository.ErrNotFound
	}
	a.TaskHandle = &handle
	return nil
}

func (f *fakeAlerts) Transition(_ context.Context, alertID int64, to models.AlertStatus, at time.Time, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[alertID]
	if !ok || !models.CanTransition(a.Status, to) {
		return false, nil
	}
	a.Status = to
	if to == models.AlertSent {
		sentAt := at
		a.SentAt = &sentAt
	}
	if errMsg != "" {
		a.ErrorMessage = &errMsg
	}
	return true, nil
}

func (f *fakeAlerts) CancelPendingForDose(_ context.Context, doseID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, a := range f.alerts {
		if a.DoseID != nil && *a.DoseID == doseID && a.Status == models.AlertPending {
			a.Status = models.AlertCancelled
			n++
		}
	}
	return n, nil
}

func (f *fakeAlerts) status(alertID int64) models.AlertStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alerts[alertID].Status
}

func (f *fakeAlerts) byType(alertType models.AlertType, status models.AlertStatus) []*models.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Alert, 0)
	for _, a := range f.alerts {
		if a.AlertType == alertType && a.Status == status {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

type fakeDirectory struct {
	users     map[int64]*models.User
	guardians map[int64][]int64
}

func (f *fakeDirectory) GetUser(_ context.Context, userID int64) (*models.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userID, repository.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (f *fakeDirectory) GetPushAddress(_ context.Context, userID int64) (string, error) {
	u, ok := f.users[userID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return u.PushAddress, nil
}

func (f *fakeDirectory) ListGuardians(_ context.Context, seniorID int64) ([]*models.User, error) {
	out := make([]*models.User, 0)
	for _, id := range f.guardians[seniorID] {
		cp := *f.users[id]
		out = append(out, &cp)
	}
	return out, nil
}

type fakeSender struct {
	mu       sync.Mutex
	failures map[string]notifier.Status
	sent     []notifier.Message
}

func newFakeSender() *fakeSender {
	return &fakeSender{failures: make(map[string]notifier.Status)}
}

func (f *fakeSender) Send(_ context.Context, msg notifier.Message) (notifier.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if status, ok := f.failures[msg.Address]; ok {
		return status, errors.New("push rejected")
	}
	return notifier.StatusSent, nil
}

func (f *fakeSender) fail(address string, status notifier.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[address] = status
}

func (f *fakeSender) heal(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, address)
}

func (f *fakeSender) messages() []notifier.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifier.Message(nil), f.sent...)
}

func (f *fakeSender) to(address string) []notifier.Message {
	out := make([]notifier.Message, 0)
	for _, m := range f.messages() {
		if m.Address == address {
			out = append(out, m)
		}
	}
	return out
}

type scheduledCall struct {
	handle    string
	runAt     time.Time
	kind      scheduler.TaskKind
	payloadID int64
}

type fakeScheduler struct {
	mu        sync.Mutex
	calls     []scheduledCall
	cancelled []string
	failKind  scheduler.TaskKind
	failTimes int
	attempts  int
}

func (f *fakeScheduler) Schedule(_ context.Context, runAt time.Time, kind scheduler.TaskKind, payloadID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if kind == f.failKind && f.failTimes != 0 {
		if f.failTimes > 0 {
			f.failTimes--
		}
		return "", errors.New("scheduler unavailable")
	}
	handle := fmt.Sprintf("h-%d", len(f.calls)+1)
	f.calls = append(f.calls, scheduledCall{handle: handle, runAt: runAt, kind: kind, payloadID: payloadID})
	return handle, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle)
	return true, nil
}

func (f *fakeScheduler) scheduled() []scheduledCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduledCall(nil), f.calls...)
}

func (f *fakeScheduler) ofKind(kind scheduler.TaskKind) []scheduledCall {
	out := make([]scheduledCall, 0)
	for _, c := range f.scheduled() {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

var seoul = mustLoadLocation("Asia/Seoul")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

const (
	seniorID    int64 = 1
	guardianAID int64 = 10
	guardianBID int64 = 11

	seniorAddress    = "ExponentPushToken[senior]"
	guardianAAddress = "ExponentPushToken[guardian-a]"
	guardianBAddress = "fcm-guardian-b"
)

type testEnv struct {
	engine    *Engine
	doses     *fakeDoses
	alerts    *fakeAlerts
	directory *fakeDirectory
	sender    *fakeSender
	scheduler *fakeScheduler
	redis     *miniredis.Miniredis
}

func newTestDirectory() *fakeDirectory {
	return &fakeDirectory{
		users: map[int64]*models.User{
			seniorID:    {ID: seniorID, Username: "younghee01", FirstName: "영희", Role: "senior", PushAddress: seniorAddress},
			guardianAID: {ID: guardianAID, Username: "minsu", FirstName: "민수", Role: "guardian", PushAddress: guardianAAddress},
			guardianBID: {ID: guardianBID, Username: "jisu", FirstName: "지수", Role: "guardian", PushAddress: guardianBAddress},
		},
		guardians: map[int64][]int64{seniorID: {guardianAID, guardianBID}},
	}
}

func newTestEnv(t *testing.T, doses ...*models.DoseOccurrence) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	env := &testEnv{
		doses:     newFakeDoses(doses...),
		alerts:    newFakeAlerts(),
		directory: newTestDirectory(),
		sender:    newFakeSender(),
		scheduler: &fakeScheduler{},
		redis:     mr,
	}
	env.engine = NewEngine(Deps{
		Doses:     env.doses,
		Alerts:    env.alerts,
		Directory: env.directory,
		Scheduler: env.scheduler,
		Locker:    dedup.NewRedisLock(redisClient, zap.NewNop()),
		Keys:      dedup.NewKeyPolicy("safetyline:", "slot", seoul),
		Sender:    env.sender,
		Policy:    policy.New(30),
	}, Options{
		DedupTTL:           time.Hour,
		ScheduleAttempts:   3,
		ScheduleRetryDelay: time.Millisecond,
		SendTimeout:        time.Second,
		ScheduleTimeout:    time.Second,
		Location:           seoul,
	}, zap.NewNop())
	return env
}

// dueAt 2026-03-02 08:00 Asia/Seoul
var dueAt = time.Date(2026, 3, 2, 8, 0, 0, 0, seoul)

func newDose(id int64, name string, severe bool) *models.DoseOccurrence {
	return &models.DoseOccurrence{
		ID:             id,
		UserID:         seniorID,
		MedicationName: name,
		DueAt:          dueAt,
		TimeSlot:       models.SlotMorning,
		Status:         models.DosePending,
		Severe:         severe,
	}
}

func planAndGetAlert(t *testing.T, env *testEnv, doseID int64) int64 {
	t.Helper()
	result, err := env.engine.PlanDose(context.Background(), doseID)
	require.NoError(t, err)
	require.Equal(t, OutcomeScheduled, result.Status)
	require.NotZero(t, result.AlertID)
	return result.AlertID
}

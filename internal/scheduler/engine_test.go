package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"remindbot/internal/model"
	"remindbot/internal/repository"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	delivered []model.Reminder
	failures  int // deliveries to fail before succeeding; -1 fails forever
	ch        chan model.Reminder
}

func newFakeDispatcher(failures int) *fakeDispatcher {
	return &fakeDispatcher{failures: failures, ch: make(chan model.Reminder, 16)}
}

func (d *fakeDispatcher) Deliver(_ context.Context, reminder model.Reminder) error {
	d.mu.Lock()
	d.delivered = append(d.delivered, reminder)
	fail := d.failures != 0
	if d.failures > 0 {
		d.failures--
	}
	d.mu.Unlock()

	d.ch <- reminder
	if fail {
		return errors.New("transport down")
	}
	return nil
}

func (d *fakeDispatcher) wait(t *testing.T, timeout time.Duration) model.Reminder {
	t.Helper()
	select {
	case r := <-d.ch:
		return r
	case <-time.After(timeout):
		t.Fatal("no delivery within timeout")
		return model.Reminder{}
	}
}

func (d *fakeDispatcher) expectSilence(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case r := <-d.ch:
		t.Fatalf("unexpected delivery of reminder %d", r.ID)
	case <-time.After(window):
	}
}

func testConfig() Config {
	return Config{
		RetryLimit:         3,
		RetryBackoff:       []time.Duration{20 * time.Millisecond},
		DeliveryTimeout:    time.Second,
		ClockSkewTolerance: 5 * time.Millisecond,
		Workers:            1,
	}
}

func newTestEngine(t *testing.T, cfg Config, disp Dispatcher) (*Engine, *repository.ReminderRepository) {
	t.Helper()
	db, err := repository.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	repo := repository.NewReminderRepository(db)

	engine := New(cfg, repo, zerolog.Nop())
	engine.SetDispatcher(disp)
	return engine, repo
}

func createPending(t *testing.T, repo *repository.ReminderRepository, dueAt time.Time, rec time.Duration) *model.Reminder {
	t.Helper()
	rem := &model.Reminder{UserID: 1, ChatID: 1, Text: "ping", DueAt: dueAt, Recurrence: rec}
	require.NoError(t, repo.Create(context.Background(), rem))
	return rem
}

func TestEngineFiresAtDueInstant(t *testing.T) {
	disp := newFakeDispatcher(0)
	engine, repo := newTestEngine(t, testConfig(), disp)
	ctx := context.Background()

	due := time.Now().Add(80 * time.Millisecond)
	rem := createPending(t, repo, due, 0)

	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()
	engine.Schedule(rem.ID, rem.DueAt)

	got := disp.wait(t, 2*time.Second)
	require.Equal(t, rem.ID, got.ID)
	require.False(t, time.Now().Before(due.Add(-testConfig().ClockSkewTolerance)),
		"fired before the due instant")

	require.Eventually(t, func() bool {
		stored, err := repo.FindByID(ctx, rem.ID)
		return err == nil && stored.Status == model.StatusFired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineDeterministicOrderForEqualDueAt(t *testing.T) {
	disp := newFakeDispatcher(0)
	engine, repo := newTestEngine(t, testConfig(), disp)
	ctx := context.Background()

	due := time.Now().Add(60 * time.Millisecond)
	first := createPending(t, repo, due, 0)
	second := createPending(t, repo, due, 0)

	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()
	// Insert in reverse to prove ordering comes from the index, not from
	// call order.
	engine.Schedule(second.ID, second.DueAt)
	engine.Schedule(first.ID, first.DueAt)

	got1 := disp.wait(t, 2*time.Second)
	got2 := disp.wait(t, 2*time.Second)
	require.Equal(t, first.ID, got1.ID)
	require.Equal(t, second.ID, got2.ID)
}

func TestEngineEarlierReminderPreemptsTimer(t *testing.T) {
	disp := newFakeDispatcher(0)
	engine, repo := newTestEngine(t, testConfig(), disp)
	ctx := context.Background()

	late := createPending(t, repo, time.Now().Add(5*time.Second), 0)
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()
	engine.Schedule(late.ID, late.DueAt)

	early := createPending(t, repo, time.Now().Add(50*time.Millisecond), 0)
	engine.Schedule(early.ID, early.DueAt)

	got := disp.wait(t, 2*time.Second)
	require.Equal(t, early.ID, got.ID)
}

func TestEngineCancelPreventsFiring(t *testing.T) {
	disp := newFakeDispatcher(0)
	engine, repo := newTestEngine(t, testConfig(), disp)
	ctx := context.Background()

	rem := createPending(t, repo, time.Now().Add(100*time.Millisecond), 0)
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()
	engine.Schedule(rem.ID, rem.DueAt)

	require.NoError(t, repo.Cancel(ctx, rem.ID, 1))
	engine.CancelLocal(rem.ID)

	disp.expectSilence(t, 300*time.Millisecond)

	stored, err := repo.FindByID(ctx, rem.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, stored.Status)
}

func TestEngineDurableCancelAloneWinsRace(t *testing.T) {
	// Even without the local index cleanup, a durable cancel must keep the
	// reminder from firing: the claim CAS loses.
	disp := newFakeDispatcher(0)
	engine, repo := newTestEngine(t, testConfig(), disp)
	ctx := context.Background()

	rem := createPending(t, repo, time.Now().Add(100*time.Millisecond), 0)
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()
	engine.Schedule(rem.ID, rem.DueAt)

	require.NoError(t, repo.Cancel(ctx, rem.ID, 1))

	disp.expectSilence(t, 300*time.Millisecond)
}

func TestEngineRetriesThenFails(t *testing.T) {
	cfg := testConfig()
	cfg.RetryLimit = 2
	disp := newFakeDispatcher(-1)
	engine, repo := newTestEngine(t, cfg, disp)
	ctx := context.Background()

	rem := createPending(t, repo, time.Now().Add(30*time.Millisecond), 0)
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()
	engine.Schedule(rem.ID, rem.DueAt)

	disp.wait(t, 2*time.Second)
	disp.wait(t, 2*time.Second)
	disp.expectSilence(t, 300*time.Millisecond)

	require.Eventually(t, func() bool {
		stored, err := repo.FindByID(ctx, rem.ID)
		return err == nil && stored.Status == model.StatusFailed && stored.Attempts == 2
	}, 2*time.Second, 10*time.Millisecond)
}

// hungDispatcher ignores its context and blocks until released, simulating
// a transport call that never returns.
type hungDispatcher struct {
	calls   chan struct{}
	release chan struct{}
}

func newHungDispatcher() *hungDispatcher {
	return &hungDispatcher{calls: make(chan struct{}, 16), release: make(chan struct{})}
}

func (d *hungDispatcher) Deliver(_ context.Context, _ model.Reminder) error {
	d.calls <- struct{}{}
	<-d.release
	return nil
}

func TestEngineTimesOutHungDispatcher(t *testing.T) {
	cfg := testConfig()
	cfg.RetryLimit = 2
	cfg.DeliveryTimeout = 30 * time.Millisecond
	disp := newHungDispatcher()
	defer close(disp.release)
	engine, repo := newTestEngine(t, cfg, disp)
	ctx := context.Background()

	rem := createPending(t, repo, time.Now().Add(20*time.Millisecond), 0)
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()
	engine.Schedule(rem.ID, rem.DueAt)

	// Each hung call must count as a failed attempt and free the worker
	// for the retry, ending in a durable failed row.
	require.Eventually(t, func() bool {
		stored, err := repo.FindByID(ctx, rem.ID)
		return err == nil && stored.Status == model.StatusFailed && stored.Attempts == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, disp.calls, 2)
}

func TestEngineRetryThenSuccess(t *testing.T) {
	disp := newFakeDispatcher(1)
	engine, repo := newTestEngine(t, testConfig(), disp)
	ctx := context.Background()

	rem := createPending(t, repo, time.Now().Add(30*time.Millisecond), 0)
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()
	engine.Schedule(rem.ID, rem.DueAt)

	disp.wait(t, 2*time.Second)
	disp.wait(t, 2*time.Second)

	require.Eventually(t, func() bool {
		stored, err := repo.FindByID(ctx, rem.ID)
		return err == nil && stored.Status == model.StatusFired && stored.Attempts == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineRecurringIsDriftFree(t *testing.T) {
	disp := newFakeDispatcher(0)
	engine, repo := newTestEngine(t, testConfig(), disp)
	ctx := context.Background()

	interval := 150 * time.Millisecond
	rem := createPending(t, repo, time.Now().Add(40*time.Millisecond), interval)
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()
	engine.Schedule(rem.ID, rem.DueAt)

	got1 := disp.wait(t, 2*time.Second)
	got2 := disp.wait(t, 2*time.Second)

	require.Equal(t, rem.ID, got1.ID)
	require.NotEqual(t, got1.ID, got2.ID)
	// Next occurrence anchors on the previous due instant, not on delivery
	// time.
	require.True(t, got2.DueAt.Equal(got1.DueAt.Add(interval)),
		"next occurrence %v, want %v", got2.DueAt, got1.DueAt.Add(interval))
	require.Equal(t, interval, got2.Recurrence)
	require.Equal(t, 0, got2.Attempts)
}

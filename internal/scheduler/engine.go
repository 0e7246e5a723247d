// Package scheduler fires reminders at their due instant.
//
// The engine keeps an in-memory min-heap of pending reminders and a single
// timer armed for the earliest one. Durable state stays in the repository;
// the heap is only a projection and is rebuilt at startup by Recovery.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"remindbot/internal/model"
	"remindbot/internal/repository"
)

// Dispatcher delivers a due reminder. Implemented by the Telegram bot.
type Dispatcher interface {
	Deliver(ctx context.Context, reminder model.Reminder) error
}

// Config tunes firing behaviour.
type Config struct {
	RetryLimit         int
	RetryBackoff       []time.Duration
	DeliveryTimeout    time.Duration
	ClockSkewTolerance time.Duration
	Workers            int
}

type entry struct {
	id    uint
	dueAt time.Time
}

// entryHeap orders by due instant, then by id, so reminders sharing an
// instant always fire in the same order.
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].id < h[j].id
	}
	return h[i].dueAt.Before(h[j].dueAt)
}
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Engine is the timer-driven firing loop.
type Engine struct {
	cfg  Config
	repo *repository.ReminderRepository
	disp Dispatcher
	log  zerolog.Logger
	now  func() time.Time

	// mu guards the heap and the cancel tombstones; the wake channel tells
	// the run loop that the earliest due instant may have changed.
	mu        sync.Mutex
	heap      entryHeap
	cancelled map[uint]struct{}
	wake      chan struct{}

	queue   chan model.Reminder
	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup
}

func New(cfg Config, repo *repository.ReminderRepository, log zerolog.Logger) *Engine {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if len(cfg.RetryBackoff) == 0 {
		cfg.RetryBackoff = []time.Duration{10 * time.Second}
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	return &Engine{
		cfg:       cfg,
		repo:      repo,
		log:       log,
		now:       time.Now,
		cancelled: map[uint]struct{}{},
		wake:      make(chan struct{}, 1),
	}
}

// SetDispatcher wires the delivery boundary. Must be called before Start.
func (e *Engine) SetDispatcher(d Dispatcher) { e.disp = d }

// Start launches the run loop and the delivery workers.
func (e *Engine) Start(ctx context.Context) error {
	if e.disp == nil {
		return errors.New("scheduler: dispatcher not set")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("scheduler: already started")
	}
	e.started = true
	e.stopCh = make(chan struct{})
	e.queue = make(chan model.Reminder, 256)

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.wg.Add(1)
	go e.run(ctx)

	e.log.Info().Int("workers", e.cfg.Workers).Msg("scheduler started")
	return nil
}

// Stop halts the loop and waits for in-flight deliveries to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.log.Info().Msg("scheduler stopped")
}

// Schedule makes the engine aware of a pending reminder. If the new due
// instant is earlier than the current wake target the timer is re-armed.
func (e *Engine) Schedule(id uint, dueAt time.Time) {
	e.mu.Lock()
	delete(e.cancelled, id)
	heap.Push(&e.heap, entry{id: id, dueAt: dueAt.UTC()})
	e.mu.Unlock()
	e.kick()
}

// CancelLocal drops a reminder from the in-memory index. It is idempotent
// and does not touch durable state; callers cancel in the repository too,
// and the claim CAS resolves any race with a concurrent fire.
func (e *Engine) CancelLocal(id uint) {
	e.mu.Lock()
	e.cancelled[id] = struct{}{}
	e.mu.Unlock()
	e.kick()
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// run owns the timer. Each pass pops everything due within the skew
// tolerance, claims it, hands it to the workers and re-arms for the next
// earliest instant. The loop blocks only on the timer and the wake signal.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		due, next := e.takeDue()
		for _, en := range due {
			e.claim(ctx, en)
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if !next.IsZero() {
			timer = time.NewTimer(next.Sub(e.now()))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-e.stopCh:
			stopTimer(timer)
			return
		case <-e.wake:
			stopTimer(timer)
		case <-timerC:
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// takeDue pops every entry due within the skew tolerance, in (dueAt, id)
// order, and returns the due instant of the next remaining entry (zero if
// the heap is empty).
func (e *Engine) takeDue() ([]entry, time.Time) {
	horizon := e.now().Add(e.cfg.ClockSkewTolerance)

	e.mu.Lock()
	defer e.mu.Unlock()

	var due []entry
	for len(e.heap) > 0 {
		top := e.heap[0]
		if _, dropped := e.cancelled[top.id]; dropped {
			heap.Pop(&e.heap)
			delete(e.cancelled, top.id)
			continue
		}
		if top.dueAt.After(horizon) {
			break
		}
		due = append(due, heap.Pop(&e.heap).(entry))
	}

	var next time.Time
	if len(e.heap) > 0 {
		next = e.heap[0].dueAt
	}
	return due, next
}

// claim performs the compare-and-swap that grants the exclusive right to
// deliver, then hands the reminder to the worker pool. Losing the claim is
// normal: it means a cancel or another instance got there first.
func (e *Engine) claim(ctx context.Context, en entry) {
	err := e.repo.UpdateStatus(ctx, en.id, model.StatusPending, model.StatusFiring)
	if errors.Is(err, repository.ErrConflict) {
		e.log.Debug().Uint("id", en.id).Msg("claim lost, skipping")
		return
	}
	if err != nil {
		e.log.Error().Err(err).Uint("id", en.id).Msg("claim failed")
		return
	}

	reminder, err := e.repo.FindByID(ctx, en.id)
	if err != nil {
		e.log.Error().Err(err).Uint("id", en.id).Msg("claimed reminder vanished")
		return
	}

	select {
	case e.queue <- *reminder:
	default:
		// Pool saturated; hand off without blocking the timer loop.
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			select {
			case e.queue <- *reminder:
			case <-e.stopCh:
			case <-ctx.Done():
			}
		}()
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case reminder := <-e.queue:
			e.deliver(ctx, reminder)
		}
	}
}

func (e *Engine) deliver(ctx context.Context, reminder model.Reminder) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
	defer cancel()

	// The dispatcher is not trusted to honour the deadline itself: a call
	// that is still in flight when the timeout elapses counts as a failed
	// attempt and releases the worker.
	done := make(chan error, 1)
	go func() {
		done <- e.disp.Deliver(callCtx, reminder)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = fmt.Errorf("deliver reminder %d: %w", reminder.ID, callCtx.Err())
	}

	if err != nil {
		e.retry(ctx, reminder, err)
		return
	}

	if err := e.repo.UpdateStatus(ctx, reminder.ID, model.StatusFiring, model.StatusFired); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Cancelled mid-flight: the message went out, but no further
			// occurrences are owed.
			e.log.Debug().Uint("id", reminder.ID).Msg("fired reminder was cancelled in flight")
			return
		}
		e.log.Error().Err(err).Uint("id", reminder.ID).Msg("mark fired failed")
		return
	}
	e.log.Info().Uint("id", reminder.ID).Time("due_at", reminder.DueAt).Msg("reminder fired")

	if reminder.Recurring() {
		e.scheduleNextOccurrence(ctx, reminder)
	}
}

// scheduleNextOccurrence regenerates a recurring reminder one interval
// after the previous due instant, not after delivery, so occurrences never
// drift.
func (e *Engine) scheduleNextOccurrence(ctx context.Context, prev model.Reminder) {
	next := model.Reminder{
		UserID:     prev.UserID,
		ChatID:     prev.ChatID,
		Text:       prev.Text,
		DueAt:      prev.DueAt.Add(prev.Recurrence),
		Recurrence: prev.Recurrence,
	}
	if err := e.repo.Create(ctx, &next); err != nil {
		e.log.Error().Err(err).Uint("prev_id", prev.ID).Msg("schedule next occurrence failed")
		return
	}
	e.Schedule(next.ID, next.DueAt)
	e.log.Info().Uint("id", next.ID).Time("due_at", next.DueAt).Msg("recurring reminder rescheduled")
}

func (e *Engine) retry(ctx context.Context, reminder model.Reminder, cause error) {
	attempts := reminder.Attempts + 1
	if attempts >= e.cfg.RetryLimit {
		if err := e.repo.MarkFailed(ctx, reminder.ID, attempts); err != nil && !errors.Is(err, repository.ErrConflict) {
			e.log.Error().Err(err).Uint("id", reminder.ID).Msg("mark failed failed")
			return
		}
		e.log.Warn().Err(cause).Uint("id", reminder.ID).Int("attempts", attempts).
			Msg("delivery retries exhausted")
		return
	}

	backoff := e.backoffFor(attempts)
	dueAt := e.now().Add(backoff)
	err := e.repo.Reschedule(ctx, reminder.ID, dueAt, attempts)
	if errors.Is(err, repository.ErrConflict) {
		// Cancelled while firing: no retries are owed.
		e.log.Debug().Uint("id", reminder.ID).Msg("retry dropped, reminder no longer firing")
		return
	}
	if err != nil {
		e.log.Error().Err(err).Uint("id", reminder.ID).Msg("reschedule failed")
		return
	}
	e.Schedule(reminder.ID, dueAt)
	e.log.Warn().Err(cause).Uint("id", reminder.ID).Int("attempts", attempts).
		Dur("backoff", backoff).Msg("delivery failed, retrying")
}

// backoffFor returns the delay before the given retry. Past the end of the
// configured sequence the last entry repeats.
func (e *Engine) backoffFor(attempts int) time.Duration {
	seq := e.cfg.RetryBackoff
	if attempts <= len(seq) {
		return seq[attempts-1]
	}
	return seq[len(seq)-1]
}

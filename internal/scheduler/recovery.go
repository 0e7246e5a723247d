package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"remindbot/internal/model"
	"remindbot/internal/repository"
)

// Recovery rebuilds the engine's in-memory schedule from durable state at
// startup.
type Recovery struct {
	repo        *repository.ReminderRepository
	engine      *Engine
	retryLimit  int
	staleCutoff time.Duration // 0 disables the cutoff
	log         zerolog.Logger
	now         func() time.Time
}

func NewRecovery(repo *repository.ReminderRepository, engine *Engine, retryLimit int, staleCutoff time.Duration, log zerolog.Logger) *Recovery {
	if retryLimit <= 0 {
		retryLimit = 3
	}
	return &Recovery{
		repo:        repo,
		engine:      engine,
		retryLimit:  retryLimit,
		staleCutoff: staleCutoff,
		log:         log,
		now:         time.Now,
	}
}

// Restore loads every non-terminal reminder and puts it back on the
// schedule. A failed scan aborts startup: continuing with a partial
// schedule would silently drop reminders.
//
// Pending reminders whose due instant passed while the process was down
// are scheduled for immediate firing, unless the stale cutoff is enabled
// and exceeded, in which case they are cancelled with a warning. Reminders
// found mid-claim (firing) count the interrupted delivery as a failed
// attempt and either retry or turn failed.
func (r *Recovery) Restore(ctx context.Context) error {
	reminders, err := r.repo.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}

	now := r.now()
	var scheduled, retried, discarded, failed int
	for _, reminder := range reminders {
		switch reminder.Status {
		case model.StatusPending:
			if r.staleCutoff > 0 && now.Sub(reminder.DueAt) > r.staleCutoff {
				if err := r.repo.UpdateStatus(ctx, reminder.ID, model.StatusPending, model.StatusCancelled); err != nil && !errors.Is(err, repository.ErrConflict) {
					return fmt.Errorf("discard stale reminder %d: %w", reminder.ID, err)
				}
				r.log.Warn().Uint("id", reminder.ID).Time("due_at", reminder.DueAt).
					Msg("discarding reminder overdue past stale cutoff")
				discarded++
				continue
			}
			r.engine.Schedule(reminder.ID, reminder.DueAt)
			scheduled++

		case model.StatusFiring:
			// Crash mid-delivery, outcome unknown: charge one attempt.
			attempts := reminder.Attempts + 1
			if attempts >= r.retryLimit {
				if err := r.repo.MarkFailed(ctx, reminder.ID, attempts); err != nil && !errors.Is(err, repository.ErrConflict) {
					return fmt.Errorf("fail interrupted reminder %d: %w", reminder.ID, err)
				}
				r.log.Warn().Uint("id", reminder.ID).Int("attempts", attempts).
					Msg("interrupted reminder exceeded retry limit")
				failed++
				continue
			}
			if err := r.repo.Reschedule(ctx, reminder.ID, now, attempts); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					continue
				}
				return fmt.Errorf("requeue interrupted reminder %d: %w", reminder.ID, err)
			}
			r.engine.Schedule(reminder.ID, now)
			retried++
		}
	}

	r.log.Info().Int("scheduled", scheduled).Int("retried", retried).
		Int("discarded", discarded).Int("failed", failed).
		Msg("schedule restored")
	return nil
}

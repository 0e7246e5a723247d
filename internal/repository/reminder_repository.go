package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"remindbot/internal/model"
)

var (
	// ErrConflict means a compare-and-swap lost a race. Callers treat it
	// as a normal outcome, not a failure.
	ErrConflict  = errors.New("reminder status conflict")
	ErrNotFound  = errors.New("reminder not found")
	ErrForbidden = errors.New("reminder belongs to another user")
)

// ReminderRepository owns durable reminder state. The scheduler keeps only
// a recoverable in-memory projection of it.
type ReminderRepository struct {
	db *gorm.DB
}

func NewReminderRepository(db *gorm.DB) *ReminderRepository {
	return &ReminderRepository{db: db}
}

// Create persists a new pending reminder. DueAt is normalized to UTC.
func (r *ReminderRepository) Create(ctx context.Context, reminder *model.Reminder) error {
	reminder.DueAt = reminder.DueAt.UTC()
	reminder.Status = model.StatusPending
	reminder.Attempts = 0
	if err := r.db.WithContext(ctx).Create(reminder).Error; err != nil {
		return fmt.Errorf("create reminder: %w", err)
	}
	return nil
}

func (r *ReminderRepository) FindByID(ctx context.Context, id uint) (*model.Reminder, error) {
	var reminder model.Reminder
	err := r.db.WithContext(ctx).First(&reminder, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find reminder: %w", err)
	}
	return &reminder, nil
}

// ListPending returns a user's pending reminders in creation order.
func (r *ReminderRepository) ListPending(ctx context.Context, userID uint) ([]model.Reminder, error) {
	var reminders []model.Reminder
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, model.StatusPending).
		Order("id").
		Find(&reminders).Error; err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return reminders, nil
}

// ListUpcoming returns a user's pending reminders due within the window,
// ordered by due time. Used by the daily digest.
func (r *ReminderRepository) ListUpcoming(ctx context.Context, userID uint, from time.Time, window time.Duration) ([]model.Reminder, error) {
	var reminders []model.Reminder
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND due_at < ?", userID, model.StatusPending, from.UTC().Add(window)).
		Order("due_at, id").
		Find(&reminders).Error; err != nil {
		return nil, fmt.Errorf("list upcoming: %w", err)
	}
	return reminders, nil
}

// ListNonTerminal returns every reminder still in pending or firing state.
// Only the recovery pass uses it.
func (r *ReminderRepository) ListNonTerminal(ctx context.Context) ([]model.Reminder, error) {
	var reminders []model.Reminder
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []string{model.StatusPending, model.StatusFiring}).
		Find(&reminders).Error; err != nil {
		return nil, fmt.Errorf("list non-terminal: %w", err)
	}
	return reminders, nil
}

// UpdateStatus transitions id from expected to next atomically. A row whose
// current status is not expected is left untouched and ErrConflict is
// returned; this is what keeps a racing cancel and fire from both winning.
func (r *ReminderRepository) UpdateStatus(ctx context.Context, id uint, expected, next string) error {
	res := r.db.WithContext(ctx).Model(&model.Reminder{}).
		Where("id = ? AND status = ?", id, expected).
		Update("status", next)
	if res.Error != nil {
		return fmt.Errorf("update status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Reschedule moves a claimed reminder back to pending at a new due time,
// recording the attempt count. Used by the retry path.
func (r *ReminderRepository) Reschedule(ctx context.Context, id uint, dueAt time.Time, attempts int) error {
	res := r.db.WithContext(ctx).Model(&model.Reminder{}).
		Where("id = ? AND status = ?", id, model.StatusFiring).
		Updates(map[string]interface{}{
			"status":   model.StatusPending,
			"due_at":   dueAt.UTC(),
			"attempts": attempts,
		})
	if res.Error != nil {
		return fmt.Errorf("reschedule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// MarkFailed moves a claimed reminder to failed, persisting the final
// attempt count alongside the transition.
func (r *ReminderRepository) MarkFailed(ctx context.Context, id uint, attempts int) error {
	res := r.db.WithContext(ctx).Model(&model.Reminder{}).
		Where("id = ? AND status = ?", id, model.StatusFiring).
		Updates(map[string]interface{}{
			"status":   model.StatusFailed,
			"attempts": attempts,
		})
	if res.Error != nil {
		return fmt.Errorf("mark failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Cancel marks a reminder cancelled on behalf of its owner. Cancelling an
// already-terminal reminder is a no-op, so repeated calls always succeed.
func (r *ReminderRepository) Cancel(ctx context.Context, id, userID uint) error {
	reminder, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if reminder.UserID != userID {
		return ErrForbidden
	}
	if model.IsTerminal(reminder.Status) {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&model.Reminder{}).
		Where("id = ? AND status IN ?", id, []string{model.StatusPending, model.StatusFiring}).
		Update("status", model.StatusCancelled)
	if res.Error != nil {
		return fmt.Errorf("cancel reminder: %w", res.Error)
	}
	// Zero rows means someone else finished the transition first; the
	// reminder is terminal either way.
	return nil
}

// Delete removes a terminal reminder row.
func (r *ReminderRepository) Delete(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND status IN ?", id,
			[]string{model.StatusFired, model.StatusCancelled, model.StatusFailed}).
		Delete(&model.Reminder{})
	if res.Error != nil {
		return fmt.Errorf("delete reminder: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeTerminal deletes terminal reminders last touched before the cutoff.
func (r *ReminderRepository) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]string{model.StatusFired, model.StatusCancelled, model.StatusFailed}, before.UTC()).
		Delete(&model.Reminder{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge terminal: %w", res.Error)
	}
	return res.RowsAffected, nil
}

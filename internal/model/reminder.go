package model

import "time"

// Reminder statuses. Transitions are monotonic:
// pending → firing → fired|failed, pending|firing → cancelled.
const (
	StatusPending   = "pending"
	StatusFiring    = "firing"
	StatusFired     = "fired"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// MaxReminderText bounds the stored reminder text.
const MaxReminderText = 500

// Reminder is a single scheduled notification.
type Reminder struct {
	ID         uint  `gorm:"primaryKey"`
	UserID     uint  `gorm:"index"`
	ChatID     int64 `gorm:"index"`
	Text       string
	DueAt      time.Time     `gorm:"index"` // always UTC
	Recurrence time.Duration // 0 means single-fire
	Status     string        `gorm:"index;default:pending"`
	Attempts   int           `gorm:"default:0"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Recurring reports whether the reminder regenerates after firing.
func (r Reminder) Recurring() bool { return r.Recurrence > 0 }

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusFired, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

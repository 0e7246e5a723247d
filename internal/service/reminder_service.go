package service

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"remindbot/internal/model"
	"remindbot/internal/repository"
	"remindbot/internal/scheduler"
	"remindbot/internal/timeparse"
)

// ReminderService ties resolution, persistence and scheduling together on
// behalf of the bot.
type ReminderService struct {
	repo       *repository.ReminderRepository
	engine     *scheduler.Engine
	defaultLoc *time.Location
	log        zerolog.Logger
	now        func() time.Time
}

func NewReminderService(repo *repository.ReminderRepository, engine *scheduler.Engine, defaultLoc *time.Location, log zerolog.Logger) *ReminderService {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &ReminderService{
		repo:       repo,
		engine:     engine,
		defaultLoc: defaultLoc,
		log:        log,
		now:        time.Now,
	}
}

// CreateFromText resolves a natural-language time phrase in the user's
// timezone, persists the reminder and puts it on the schedule. Resolution
// failures come back as *timeparse.ResolutionError for the bot to explain
// to the user.
func (s *ReminderService) CreateFromText(ctx context.Context, user model.User, chatID int64, text, when string) (*model.Reminder, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("reminder text is empty")
	}
	if len([]rune(text)) > model.MaxReminderText {
		return nil, fmt.Errorf("reminder text longer than %d characters", model.MaxReminderText)
	}

	resolved, err := timeparse.Resolve(when, s.now(), s.Location(user))
	if err != nil {
		return nil, err
	}

	reminder := &model.Reminder{
		UserID:     user.ID,
		ChatID:     chatID,
		Text:       text,
		DueAt:      resolved.DueAt,
		Recurrence: resolved.Recurrence,
	}
	if err := s.repo.Create(ctx, reminder); err != nil {
		return nil, err
	}
	s.engine.Schedule(reminder.ID, reminder.DueAt)

	s.log.Info().Uint("id", reminder.ID).Uint("user", user.ID).
		Time("due_at", reminder.DueAt).Dur("recurrence", reminder.Recurrence).
		Msg("reminder created")
	return reminder, nil
}

// ListPending returns the user's pending reminders in creation order.
func (s *ReminderService) ListPending(ctx context.Context, userID uint) ([]model.Reminder, error) {
	return s.repo.ListPending(ctx, userID)
}

// Cancel marks the reminder cancelled and drops it from the schedule. Safe
// to call repeatedly; cancelling an in-flight delivery only stops further
// occurrences.
func (s *ReminderService) Cancel(ctx context.Context, id, userID uint) error {
	if err := s.repo.Cancel(ctx, id, userID); err != nil {
		return err
	}
	s.engine.CancelLocal(id)
	return nil
}

// Location returns the timezone reminders of this user resolve in.
func (s *ReminderService) Location(user model.User) *time.Location {
	if user.Timezone == "" {
		return s.defaultLoc
	}
	loc, err := time.LoadLocation(user.Timezone)
	if err != nil {
		s.log.Warn().Str("tz", user.Timezone).Uint("user", user.ID).
			Msg("invalid user timezone, using default")
		return s.defaultLoc
	}
	return loc
}

// UpcomingDigest builds the daily digest of reminders due within the next
// day, in the user's timezone. Empty string means nothing to report.
func (s *ReminderService) UpcomingDigest(ctx context.Context, user model.User, now time.Time) (string, error) {
	reminders, err := s.repo.ListUpcoming(ctx, user.ID, now, 24*time.Hour)
	if err != nil {
		return "", err
	}
	if len(reminders) == 0 {
		return "", nil
	}

	loc := s.Location(user)
	var b strings.Builder
	b.WriteString("🗓 <b>Напоминания на ближайшие сутки</b>\n\n")
	for _, r := range reminders {
		b.WriteString(fmt.Sprintf("• %s — %s", r.DueAt.In(loc).Format("02.01 15:04"), html.EscapeString(r.Text)))
		if r.Recurring() {
			b.WriteString(fmt.Sprintf(" (повтор каждые %s)", formatInterval(r.Recurrence)))
		}
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String()), nil
}

func formatInterval(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%d дн.", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%d ч.", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%d мин.", d/time.Minute)
	default:
		return d.String()
	}
}

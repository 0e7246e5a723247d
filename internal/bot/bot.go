package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"remindbot/internal/model"
	"remindbot/internal/repository"
	"remindbot/internal/service"
	"remindbot/internal/timeparse"
)

type conversationStage int

const (
	stageNone conversationStage = iota
	stageText
	stageTime
)

// Abandoned dialogs are forgotten after this long.
const conversationTTL = time.Hour

const (
	cbCreate       = "create_reminder"
	cbList         = "list_reminders"
	cbCancelDialog = "cancel"
	cbDeletePrefix = "delete:"
)

type conversationState struct {
	stage     conversationStage
	text      string
	startedAt time.Time
}

// Bot is the Telegram boundary: it drives the create/list/cancel dialogs
// and delivers due reminders back to their chats.
type Bot struct {
	api         *tgbotapi.BotAPI
	userRepo    *repository.UserRepository
	reminderSvc *service.ReminderService
	log         zerolog.Logger

	mu            sync.Mutex
	conversations map[int64]*conversationState
}

func New(token string, userRepo *repository.UserRepository, reminderSvc *service.ReminderService, log zerolog.Logger) (*Bot, error) {
	// The client timeout keeps a stalled Telegram call from hanging a
	// delivery worker; it stays above the 60s long-poll window.
	client := &http.Client{Timeout: 90 * time.Second}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	log.Info().Str("account", api.Self.UserName).Msg("bot authorized")

	return &Bot{
		api:           api,
		userRepo:      userRepo,
		reminderSvc:   reminderSvc,
		log:           log,
		conversations: make(map[int64]*conversationState),
	}, nil
}

// Deliver sends a due reminder to its chat. It implements the scheduler's
// dispatcher boundary; an error here makes the engine retry.
func (b *Bot) Deliver(ctx context.Context, reminder model.Reminder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(reminder.ChatID, fmt.Sprintf("⏰ Напоминание: %s", html.EscapeString(reminder.Text)))
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send reminder %d: %w", reminder.ID, err)
	}
	return nil
}

// Start begins polling updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)

	b.log.Info().Msg("start polling updates")

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		switch {
		case update.CallbackQuery != nil:
			if err := b.handleCallback(ctx, update.CallbackQuery); err != nil {
				b.log.Error().Err(err).Msg("handle callback")
			}
		case update.Message != nil:
			if update.Message.Chat == nil || !update.Message.Chat.IsPrivate() {
				continue
			}
			if err := b.handleMessage(ctx, update.Message); err != nil {
				b.log.Error().Err(err).Msg("handle message")
			}
		}
	}

	return nil
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}

	if msg.IsCommand() {
		b.log.Info().Int64("user", msg.From.ID).Str("command", msg.Command()).Msg("command")
		return b.handleCommand(ctx, msg)
	}

	if state := b.getConversation(msg.From.ID); state != nil {
		return b.handleConversation(ctx, msg, state)
	}

	return b.sendText(msg.Chat.ID, "Я не понял сообщение. Набери /new, чтобы создать напоминание, или /help для списка команд.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start":
		return b.handleStart(ctx, msg)
	case "help":
		return b.handleHelp(msg)
	case "new":
		return b.startCreateDialog(ctx, msg.From, msg.Chat.ID)
	case "list":
		return b.handleList(ctx, msg)
	case "timezone":
		return b.handleTimezone(ctx, msg)
	case "digest":
		return b.handleDigest(ctx, msg)
	case "cancel":
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Создание напоминания отменено.")
	default:
		return b.sendText(msg.Chat.ID, "Команда не поддерживается. Загляни в /help.")
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		return err
	}

	name := strings.TrimSpace(msg.From.FirstName)
	if name == "" {
		name = "друг"
	}

	text := fmt.Sprintf(
		"👋 Привет, %s!\n<b>Я напомню о чём угодно в нужный момент.</b>\n\n"+
			"Понимаю время в свободной форме: «через 30 минут», «завтра в 9:00», «25.12 18:00», «every 1 day».",
		html.EscapeString(name),
	)

	return b.sendWithReplyMarkup(msg.Chat.ID, text, mainMenuKeyboard())
}

func (b *Bot) handleHelp(msg *tgbotapi.Message) error {
	text := "ℹ️ <b>Подсказки</b>\n" +
		"• /new — создать напоминание\n" +
		"• /list — активные напоминания (с кнопками удаления)\n" +
		"• /timezone &lt;зона&gt; — часовой пояс, например /timezone Europe/Moscow\n" +
		"• /digest — напоминания на ближайшие сутки\n" +
		"• /cancel — прервать текущий ввод\n\n" +
		"Форматы времени: «через 30 минут», «в 15:00», «завтра в 9:00»,\n" +
		"«next friday at 18:30», «25.12 18:00», «every 2 hours»."
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) startCreateDialog(ctx context.Context, from *tgbotapi.User, chatID int64) error {
	if _, err := b.ensureUser(ctx, from); err != nil {
		return err
	}
	b.setConversation(from.ID, &conversationState{stage: stageText, startedAt: time.Now()})
	return b.sendWithReplyMarkup(chatID, "🆕 О чём напомнить?", cancelKeyboard())
}

func (b *Bot) handleConversation(ctx context.Context, msg *tgbotapi.Message, state *conversationState) error {
	text := strings.TrimSpace(msg.Text)
	switch state.stage {
	case stageText:
		if text == "" {
			return b.sendText(msg.Chat.ID, "Текст напоминания не может быть пустым. Напиши, о чём напомнить.")
		}
		if len([]rune(text)) > model.MaxReminderText {
			return b.sendText(msg.Chat.ID, fmt.Sprintf("Слишком длинно: максимум %d символов.", model.MaxReminderText))
		}
		state.text = text
		state.stage = stageTime
		return b.sendWithReplyMarkup(msg.Chat.ID,
			"⏰ Когда напомнить? Например: «через 30 минут», «завтра в 9:00», «25.12 18:00».",
			cancelKeyboard())
	case stageTime:
		user, err := b.ensureUser(ctx, msg.From)
		if err != nil {
			return err
		}
		reminder, err := b.reminderSvc.CreateFromText(ctx, *user, msg.Chat.ID, state.text, text)
		if err != nil {
			var re *timeparse.ResolutionError
			if errors.As(err, &re) {
				return b.sendWithReplyMarkup(msg.Chat.ID, resolutionHint(re), cancelKeyboard())
			}
			b.clearConversation(msg.From.ID)
			return fmt.Errorf("create reminder: %w", err)
		}
		b.clearConversation(msg.From.ID)

		loc := b.reminderSvc.Location(*user)
		confirm := fmt.Sprintf("✅ Напомню <b>%s</b>\n🗓 %s",
			html.EscapeString(reminder.Text),
			reminder.DueAt.In(loc).Format("02.01.2006 15:04"))
		if reminder.Recurring() {
			confirm += fmt.Sprintf("\n♻️ Повтор каждые %s", reminder.Recurrence)
		}
		return b.sendText(msg.Chat.ID, confirm)
	}
	return nil
}

// resolutionHint turns a resolver failure into a user-correctable message.
func resolutionHint(re *timeparse.ResolutionError) string {
	switch re.Kind {
	case timeparse.InvalidOffset:
		return "Интервал не получился: число должно быть больше нуля, единицы — секунды/минуты/часы/дни/недели. Попробуй ещё раз."
	case timeparse.PastDate:
		return "Это время уже прошло. Укажи момент в будущем."
	default:
		return "Не понял время. Примеры: «через 30 минут», «завтра в 9:00», «25.12 18:00»."
	}
}

func (b *Bot) handleList(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	reminders, err := b.reminderSvc.ListPending(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("list reminders: %w", err)
	}
	if len(reminders) == 0 {
		return b.sendText(msg.Chat.ID, "Активных напоминаний нет. Создай новое через /new.")
	}

	loc := b.reminderSvc.Location(*user)
	var sb strings.Builder
	sb.WriteString("📋 <b>Активные напоминания</b>\n\n")
	for _, r := range reminders {
		sb.WriteString(fmt.Sprintf("• <b>#%d</b> %s — %s", r.ID,
			r.DueAt.In(loc).Format("02.01 15:04"), html.EscapeString(r.Text)))
		if r.Recurring() {
			sb.WriteString(" ♻️")
		}
		sb.WriteByte('\n')
	}
	return b.sendWithReplyMarkup(msg.Chat.ID, strings.TrimSpace(sb.String()), remindersKeyboard(reminders, loc))
}

func (b *Bot) handleTimezone(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	arg := strings.TrimSpace(msg.CommandArguments())
	if arg == "" {
		return b.sendText(msg.Chat.ID, "Укажи зону из базы IANA, например: /timezone Europe/Moscow")
	}
	if _, err := time.LoadLocation(arg); err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Не знаю зону <code>%s</code>. Пример: Europe/Moscow.", html.EscapeString(arg)))
	}
	if err := b.userRepo.SetTimezone(ctx, user.ID, arg); err != nil {
		return fmt.Errorf("set timezone: %w", err)
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("🌍 Часовой пояс теперь <code>%s</code>.", html.EscapeString(arg)))
}

func (b *Bot) handleDigest(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	digest, err := b.reminderSvc.UpcomingDigest(ctx, *user, time.Now())
	if err != nil {
		return fmt.Errorf("build digest: %w", err)
	}
	if digest == "" {
		return b.sendText(msg.Chat.ID, "На ближайшие сутки напоминаний нет.")
	}
	return b.sendText(msg.Chat.ID, digest)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if cb.From == nil || cb.Message == nil {
		return nil
	}
	// Telegram keeps showing a spinner until the callback is answered.
	defer func() {
		if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
			b.log.Warn().Err(err).Msg("answer callback")
		}
	}()

	chatID := cb.Message.Chat.ID
	switch {
	case cb.Data == cbCreate:
		return b.startCreateDialog(ctx, cb.From, chatID)
	case cb.Data == cbList:
		fake := &tgbotapi.Message{From: cb.From, Chat: cb.Message.Chat}
		return b.handleList(ctx, fake)
	case cb.Data == cbCancelDialog:
		b.clearConversation(cb.From.ID)
		return b.sendText(chatID, "⏪ Создание напоминания отменено.")
	case strings.HasPrefix(cb.Data, cbDeletePrefix):
		return b.handleDeleteCallback(ctx, cb, chatID)
	}
	return nil
}

func (b *Bot) handleDeleteCallback(ctx context.Context, cb *tgbotapi.CallbackQuery, chatID int64) error {
	raw := strings.TrimPrefix(cb.Data, cbDeletePrefix)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("bad delete callback %q: %w", cb.Data, err)
	}
	user, err := b.ensureUser(ctx, cb.From)
	if err != nil {
		return err
	}

	switch err := b.reminderSvc.Cancel(ctx, uint(id), user.ID); {
	case errors.Is(err, repository.ErrNotFound):
		return b.sendText(chatID, "Такого напоминания уже нет.")
	case errors.Is(err, repository.ErrForbidden):
		return b.sendText(chatID, "Это чужое напоминание.")
	case err != nil:
		return fmt.Errorf("cancel reminder %d: %w", id, err)
	}
	return b.sendText(chatID, fmt.Sprintf("🗑 Напоминание #%d отменено.", id))
}

// SendDigests builds and sends the daily digest to every known user. Wired
// to the maintenance scheduler.
func (b *Bot) SendDigests(ctx context.Context) error {
	users, err := b.userRepo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	for _, user := range users {
		digest, err := b.reminderSvc.UpcomingDigest(ctx, user, time.Now())
		if err != nil {
			b.log.Error().Err(err).Uint("user", user.ID).Msg("build digest")
			continue
		}
		if digest == "" {
			continue
		}
		if err := b.sendText(user.TelegramID, digest); err != nil {
			b.log.Error().Err(err).Uint("user", user.ID).Msg("send digest")
		}
	}
	return nil
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) (*model.User, error) {
	user, err := b.userRepo.UpsertFromTelegram(ctx, from.ID, from.FirstName, from.LastName, from.UserName)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

// Conversation state helpers. Stale dialogs expire lazily on access.

func (b *Bot) getConversation(userID int64) *conversationState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.conversations[userID]
	if !ok {
		return nil
	}
	if time.Since(state.startedAt) > conversationTTL {
		delete(b.conversations, userID)
		return nil
	}
	return state
}

func (b *Bot) setConversation(userID int64, state *conversationState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[userID] = state
}

func (b *Bot) clearConversation(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conversations, userID)
}

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (b *Bot) sendWithReplyMarkup(chatID int64, text string, markup interface{}) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = markup
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func mainMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ Создать", cbCreate),
			tgbotapi.NewInlineKeyboardButtonData("📋 Мои напоминания", cbList),
		),
	)
}

func cancelKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("↩️ Отмена", cbCancelDialog),
		),
	)
}

func remindersKeyboard(reminders []model.Reminder, loc *time.Location) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(reminders))
	for _, r := range reminders {
		label := r.Text
		if runes := []rune(label); len(runes) > 20 {
			label = string(runes[:20]) + "…"
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("🗑 %s — %s", label, r.DueAt.In(loc).Format("02.01 15:04")),
				fmt.Sprintf("%s%d", cbDeletePrefix, r.ID),
			),
		))
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

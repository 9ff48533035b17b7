// Package bot is the Telegram front end: participant commands, notification
// dispatch and the supervisor announcement of finalized sessions.
package bot

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"presence-verifier/internal/models"
	"presence-verifier/internal/services"
)

// Sender is the part of the Telegram API the bot needs
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot answers commands and delivers notifications
type Bot struct {
	api          *tgbotapi.BotAPI
	sender       Sender
	query        services.AttendanceQuery
	targetChatID int64
	appBaseURL   string

	mu       sync.RWMutex
	identity map[int64]string // chat id -> participant id
}

// New creates a bot over an already authorized sender. adminChatID may be empty.
func New(sender Sender, query services.AttendanceQuery, adminChatID, appBaseURL string) *Bot {
	b := &Bot{
		sender:     sender,
		query:      query,
		appBaseURL: strings.TrimRight(appBaseURL, "/"),
		identity:   make(map[int64]string),
	}
	if adminChatID != "" {
		id, err := strconv.ParseInt(adminChatID, 10, 64)
		if err == nil {
			b.targetChatID = id
		} else {
			log.Printf("⚠️ [bot] invalid admin chat id %q: %v", adminChatID, err)
		}
	}
	return b
}

// Init authorizes against the Telegram API
func Init(token string, query services.AttendanceQuery, adminChatID, appBaseURL string) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	api.Debug = false
	log.Printf("Authorized on account %s", api.Self.UserName)

	b := New(api, query, adminChatID, appBaseURL)
	b.api = api
	return b, nil
}

// StartPolling runs the update loop until ctx is done
func (b *Bot) StartPolling(ctx context.Context) {
	if b.api == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	go func() {
		for update := range updates {
			if update.CallbackQuery != nil {
				b.handleCallback(update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			msg := b.HandleCommand(ctx, update.Message)
			if _, err := b.sender.Send(msg); err != nil {
				log.Printf("Bot send error: %v", err)
			}
		}
	}()
}

func (b *Bot) handleCallback(query *tgbotapi.CallbackQuery) {
	if b.api == nil {
		return
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(query.ID, "OK")); err != nil {
		log.Printf("Bot callback error: %v", err)
	}
}

// HandleCommand builds the reply to one command message
func (b *Bot) HandleCommand(ctx context.Context, message *tgbotapi.Message) tgbotapi.MessageConfig {
	chatID := message.Chat.ID
	msg := tgbotapi.NewMessage(chatID, "")
	msg.ParseMode = "Markdown"

	switch message.Command() {
	case "start":
		msg.Text = "🏢 *Attendance verification*\n\n" +
			"*Commands:*\n" +
			"/iam <participant id> - link this chat\n" +
			"/schedule - today's verification rounds\n" +
			"/attendance <session id> - final result\n" +
			"/getid - show chat id"

	case "getid":
		msg.Text = fmt.Sprintf("Chat ID: `%d`", chatID)

	case "iam":
		id := strings.TrimSpace(message.CommandArguments())
		if id == "" {
			msg.Text = "Usage: `/iam <participant id>`"
			break
		}
		b.mu.Lock()
		b.identity[chatID] = id
		b.mu.Unlock()
		msg.Text = fmt.Sprintf("✅ Linked to `%s`", id)

	case "schedule":
		msg.Text = b.scheduleText(ctx, chatID, strings.TrimSpace(message.CommandArguments()))

	case "attendance":
		msg.Text = b.attendanceText(ctx, chatID, strings.Fields(message.CommandArguments()))

	default:
		msg.Text = "Unknown command, use /start"
	}
	return msg
}

func (b *Bot) participant(chatID int64, arg string) string {
	if arg != "" {
		return arg
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.identity[chatID]
}

func (b *Bot) scheduleText(ctx context.Context, chatID int64, arg string) string {
	participantID := b.participant(chatID, arg)
	if participantID == "" {
		return "❌ Not linked. Use `/iam <participant id>`"
	}
	schedule, err := b.query.GetVerificationSchedule(ctx, participantID)
	if err != nil {
		return fmt.Sprintf("❌ Error: %v", err)
	}
	if !schedule.HasActiveShift {
		return "No active session"
	}

	var sb strings.Builder
	sb.WriteString("📋 *Verification rounds*\n\n")
	for _, r := range schedule.Rounds {
		mark := "⏳"
		switch {
		case r.Completed:
			mark = "✅"
		case r.Overdue:
			mark = "⚠️"
		}
		fmt.Fprintf(&sb, "%s #%d %s (%s)\n", mark, r.Number, r.ScheduledTime.Local().Format("15:04"), r.Status)
	}
	if schedule.CurrentRound != nil {
		fmt.Fprintf(&sb, "\nCurrent: #%d", schedule.CurrentRound.Number)
	}
	return sb.String()
}

func (b *Bot) attendanceText(ctx context.Context, chatID int64, args []string) string {
	if len(args) == 0 {
		return "Usage: `/attendance <session id> [participant id]`"
	}
	var arg string
	if len(args) > 1 {
		arg = args[1]
	}
	participantID := b.participant(chatID, arg)
	if participantID == "" {
		return "❌ Not linked. Use `/iam <participant id>`"
	}

	out, err := b.query.GetFinalAttendance(ctx, args[0], participantID)
	if err != nil {
		if services.KindOf(err) == services.KindNotFound {
			return "Not finalized yet"
		}
		return fmt.Sprintf("❌ Error: %v", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 *Attendance*\nStatus: %s\nRounds: %d/%d (%.1f%%)\n\n",
		out.Status, out.AttendedRounds, out.TotalRounds, out.Percentage)
	for _, r := range out.PerRoundDetail {
		mark := "❌"
		if r.Attended {
			mark = "✅"
		}
		fmt.Fprintf(&sb, "%s round %d\n", mark, r.RoundNumber)
	}
	return sb.String()
}

// SendNotification sends message to admin
func (b *Bot) SendNotification(message string) {
	if b.targetChatID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(b.targetChatID, message)
	msg.ParseMode = "Markdown"
	if _, err := b.sender.Send(msg); err != nil {
		log.Printf("Failed to send: %v", err)
	}
}

func outcomeCounts(outcomes []models.AttendanceOutcome) (present, partial, absent int) {
	for _, o := range outcomes {
		switch o.Status {
		case models.OutcomePresent:
			present++
		case models.OutcomePartial:
			partial++
		default:
			absent++
		}
	}
	return present, partial, absent
}

func formatFinalized(ev models.SessionFinalizedEvent) string {
	present, partial, absent := outcomeCounts(ev.Outcomes)
	return fmt.Sprintf("🏁 *Session finalized*\nSession: `%s`\nSchedule: `%s`\nAt: %s\n\n✅ Present: %d\n🟡 Partial: %d\n❌ Absent: %d",
		ev.SessionID, ev.ScheduleID, ev.FinalizedAt.Local().Format(time.DateTime), present, partial, absent)
}

// Package notify reports finished runs to an operator chat.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
)

// sender is the part of *tele.Bot used here.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram posts run summaries to one chat.
type Telegram struct {
	bot  sender
	chat *tele.Chat
}

// NewTelegram connects the bot. The token is verified against the Bot API.
func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, eris.New("notify: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, eris.New("notify: telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, eris.Wrap(err, "notify: create telegram bot")
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

// RunFinished sends a summary of a completed, failed or cancelled run.
func (t *Telegram) RunFinished(ctx context.Context, run *model.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, Summary(run), &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		return eris.Wrapf(err, "notify: send summary for run %s", run.ID)
	}
	zap.L().Debug("notify: run summary sent", zap.String("run_id", run.ID))
	return nil
}

// Nop discards notifications.
type Nop struct{}

// RunFinished does nothing.
func (Nop) RunFinished(context.Context, *model.Run) error { return nil }

// Summary renders the plain-text message for a run.
func Summary(run *model.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s run %s %s\n", statusMark(run.Status), run.ID, run.Status)
	fmt.Fprintf(&b, "%s in %s\n", run.Niche, run.City)
	c := run.Counters
	fmt.Fprintf(&b, "leads %d, analyzed %d, sites %d, sent %d", c.TotalLeads, c.Analyzed, c.SitesGenerated, c.MessagesSent)
	if run.Status != model.RunStatusCompleted && len(run.Errors) > 0 {
		last := run.Errors[len(run.Errors)-1]
		fmt.Fprintf(&b, "\nlast error (%s): %s", last.Stage, last.Message)
	}
	return b.String()
}

func statusMark(s model.RunStatus) string {
	switch s {
	case model.RunStatusCompleted:
		return "✅"
	case model.RunStatusFailed:
		return "❌"
	case model.RunStatusCancelled:
		return "⏹"
	}
	return "•"
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rss_relay/internal/broker"
	"rss_relay/internal/events"
)

// KindTelegram is the destination kind delivered through the Telegram Bot API.
const KindTelegram = "telegram"

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers articles as Telegram messages. Destination.Target is a
// numeric chat id or an @channel username.
type Telegram struct {
	*async
	api telegramAPI
	log *slog.Logger
}

// NewTelegram creates a Telegram dispatcher authenticated with token.
func NewTelegram(token string, pub broker.Publisher, concurrency int, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return NewTelegramWithAPI(api, pub, concurrency, log), nil
}

// NewTelegramWithAPI creates a Telegram dispatcher over an existing client.
func NewTelegramWithAPI(api telegramAPI, pub broker.Publisher, concurrency int, log *slog.Logger) *Telegram {
	t := &Telegram{api: api, log: log}
	t.async = newAsync(t, pub, concurrency, log)
	return t
}

func (t *Telegram) send(_ context.Context, job Job) events.Outcome {
	msg, err := newTelegramMessage(job)
	if err != nil {
		return events.Outcome{Status: http.StatusBadRequest, Body: err.Error()}
	}

	if _, err := t.api.Send(msg); err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			t.log.Debug("telegram rejected message", "job_id", job.ID, "code", apiErr.Code, "error", apiErr.Message)
			return events.Outcome{Status: apiErr.Code, Body: apiErr.Message}
		}
		t.log.Warn("send telegram message", "job_id", job.ID, "error", err)
		return events.Outcome{TransportError: err.Error()}
	}
	return events.Outcome{Status: http.StatusOK}
}

func newTelegramMessage(job Job) (tgbotapi.MessageConfig, error) {
	text := FormatMessage(job.Article, job.Format)
	target := strings.TrimSpace(job.Destination.Target)

	var msg tgbotapi.MessageConfig
	switch {
	case strings.HasPrefix(target, "@"):
		msg = tgbotapi.NewMessageToChannel(target, text)
	default:
		chatID, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			return msg, fmt.Errorf("invalid telegram target %q", target)
		}
		msg = tgbotapi.NewMessage(chatID, text)
	}
	msg.DisableWebPagePreview = true
	return msg, nil
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/foxzi/dripline/internal/model"
)

// Bot is the subset of *tgbotapi.BotAPI the sender uses
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotFactory creates a bot client for a token
type BotFactory func(token string) (Bot, error)

// TelegramOptions configures the Telegram sender
type TelegramOptions struct {
	DefaultToken string
	Tokens       map[string]string // tenant_id -> token
	APIEndpoint  string
	Factory      BotFactory
}

// TelegramSender sends through the Bot API using one bot per tenant
type TelegramSender struct {
	opts   TelegramOptions
	logger *slog.Logger

	mu   sync.Mutex
	bots map[string]Bot
}

// NewTelegramSender creates a Telegram sender. Bots are created lazily on
// first use of each token.
func NewTelegramSender(opts TelegramOptions, logger *slog.Logger) *TelegramSender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Factory == nil {
		endpoint := opts.APIEndpoint
		if endpoint == "" {
			endpoint = tgbotapi.APIEndpoint
		}
		opts.Factory = func(token string) (Bot, error) {
			return tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
		}
	}
	return &TelegramSender{
		opts:   opts,
		logger: logger.With("component", "telegram"),
		bots:   make(map[string]Bot),
	}
}

// Send delivers msg to the recipient's chat
func (s *TelegramSender) Send(ctx context.Context, to Recipient, msg model.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", temporary("context done", err)
	}

	chatID, err := strconv.ParseInt(to.Address, 10, 64)
	if err != nil {
		return "", permanent(fmt.Sprintf("invalid chat id %q", to.Address), err)
	}

	bot, err := s.bot(to.TenantID)
	if err != nil {
		return "", err
	}

	sent, err := bot.Send(buildChattable(chatID, msg))
	if err != nil {
		return "", classifyTelegram(err)
	}

	s.logger.Debug("message sent",
		"tenant_id", to.TenantID,
		"recipient_id", to.ID,
		"message_id", sent.MessageID,
	)
	return strconv.Itoa(sent.MessageID), nil
}

func (s *TelegramSender) bot(tenantID string) (Bot, error) {
	token := s.opts.Tokens[tenantID]
	if token == "" {
		token = s.opts.DefaultToken
	}
	if token == "" {
		return nil, permanent("no bot token for tenant "+tenantID, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bots[token]; ok {
		return b, nil
	}
	b, err := s.opts.Factory(token)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 401 {
			return nil, permanent("bot token rejected", err)
		}
		return nil, temporary("failed to create bot", err)
	}
	s.bots[token] = b
	return b, nil
}

func buildChattable(chatID int64, msg model.Message) tgbotapi.Chattable {
	var markup any
	if len(msg.Buttons) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL)))
		}
		markup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}

	if msg.Media != "" {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(msg.Media))
		photo.Caption = msg.Text
		if markup != nil {
			photo.ReplyMarkup = markup
		}
		return photo
	}

	m := tgbotapi.NewMessage(chatID, msg.Text)
	if markup != nil {
		m.ReplyMarkup = markup
	}
	return m
}

func classifyTelegram(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		// Network level failure
		return temporary("bot api request failed", err)
	}

	switch {
	case apiErr.Code == 403:
		return blocked(apiErr.Message, err)
	case apiErr.Code == 429, apiErr.Code >= 500:
		return temporary(apiErr.Message, err)
	default:
		return permanent(apiErr.Message, err)
	}
}

// Package operator connects the relay to the operator console, a Telegram
// supergroup with forum topics where each support conversation gets a topic.
package operator

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/shiftdesk/support-relay/internal/model"
	"github.com/shiftdesk/support-relay/pkg/logger"
)

const maxTopicNameLength = 128

// TelegramConfig holds the operator console settings.
type TelegramConfig struct {
	Token         string
	ChatID        int64
	APIEndpoint   string
	WebhookSecret string
}

// TelegramChannel implements service.OperatorChannel with the Telegram Bot API.
type TelegramChannel struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	secret string
	logger *logger.Logger
}

// NewTelegramChannel authenticates the bot and returns the channel. A nil client
// uses a default HTTP client with a timeout.
func NewTelegramChannel(cfg TelegramConfig, client tgbotapi.HTTPClient, log *logger.Logger) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram support chat id is required")
	}

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate telegram bot: %w", err)
	}

	log.Info("telegram operator channel ready",
		zap.String("bot", bot.Self.UserName),
		zap.Int64("chat_id", cfg.ChatID),
	)

	return &TelegramChannel{
		bot:    bot,
		chatID: cfg.ChatID,
		secret: cfg.WebhookSecret,
		logger: log.Named("telegram"),
	}, nil
}

type forumTopic struct {
	MessageThreadID int64  `json:"message_thread_id"`
	Name            string `json:"name"`
}

// CreateThread opens a forum topic for the session.
func (c *TelegramChannel) CreateThread(ctx context.Context, sess *model.Session) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", c.chatID)
	params.AddNonEmpty("name", TopicName(sess))

	resp, err := c.bot.MakeRequest("createForumTopic", params)
	if err != nil {
		return "", fmt.Errorf("createForumTopic: %w", err)
	}

	var topic forumTopic
	if err := json.Unmarshal(resp.Result, &topic); err != nil {
		return "", fmt.Errorf("failed to decode forum topic: %w", err)
	}
	if topic.MessageThreadID == 0 {
		return "", errors.New("createForumTopic returned no thread id")
	}

	return strconv.FormatInt(topic.MessageThreadID, 10), nil
}

// SendToThread posts text into the forum topic threadID.
func (c *TelegramChannel) SendToThread(ctx context.Context, threadID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	topicID, err := strconv.ParseInt(threadID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram thread id %q: %w", threadID, err)
	}

	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", c.chatID)
	params.AddNonZero64("message_thread_id", topicID)
	params.AddNonEmpty("text", text)

	if _, err := c.bot.MakeRequest("sendMessage", params); err != nil {
		return fmt.Errorf("sendMessage: %w", err)
	}
	return nil
}

// TopicName builds the forum topic title for a session.
func TopicName(sess *model.Session) string {
	name := sess.UserName
	if name == "" {
		name = sess.Email
	}
	if name == "" {
		name = "Guest"
	}

	short := sess.ConversationID
	if len(short) > 8 {
		short = short[:8]
	}

	title := fmt.Sprintf("%s · %s", name, short)
	for utf8.RuneCountInString(title) > maxTopicNameLength {
		_, size := utf8.DecodeLastRuneInString(title)
		title = title[:len(title)-size]
	}
	return title
}

// Reply is an operator message extracted from a webhook update.
type Reply struct {
	UpdateID int64
	ThreadID string
	Text     string
}

type update struct {
	UpdateID int64          `json:"update_id"`
	Message  *updateMessage `json:"message"`
}

type updateMessage struct {
	MessageID       int64       `json:"message_id"`
	MessageThreadID int64       `json:"message_thread_id"`
	IsTopicMessage  bool        `json:"is_topic_message"`
	From            *updateUser `json:"from"`
	Chat            updateChat  `json:"chat"`
	Text            string      `json:"text"`
}

type updateUser struct {
	ID    int64 `json:"id"`
	IsBot bool  `json:"is_bot"`
}

type updateChat struct {
	ID int64 `json:"id"`
}

// ParseUpdate decodes a webhook body. It returns a nil Reply for updates that
// are not operator replies: other chats, bots, the general topic, non-text
// messages.
func (c *TelegramChannel) ParseUpdate(body []byte) (*Reply, error) {
	var u update
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, model.NewValidationError("malformed telegram update")
	}

	msg := u.Message
	switch {
	case msg == nil:
		return nil, nil
	case msg.Chat.ID != c.chatID:
		c.logger.Debug("ignoring update from foreign chat", zap.Int64("chat_id", msg.Chat.ID))
		return nil, nil
	case msg.From == nil || msg.From.IsBot:
		return nil, nil
	case !msg.IsTopicMessage || msg.MessageThreadID == 0:
		return nil, nil
	case strings.TrimSpace(msg.Text) == "":
		return nil, nil
	}

	return &Reply{
		UpdateID: u.UpdateID,
		ThreadID: strconv.FormatInt(msg.MessageThreadID, 10),
		Text:     msg.Text,
	}, nil
}

// VerifySecret checks the X-Telegram-Bot-Api-Secret-Token header. A channel
// without a configured secret rejects every request.
func (c *TelegramChannel) VerifySecret(token string) bool {
	if c.secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.secret)) == 1
}

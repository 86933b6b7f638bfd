// Package telegram implements provider.Provider against the Telegram Bot
// API, standing in for a Feishu/Lark client in this environment (the
// concrete group-chat backend is out of scope; this package demonstrates
// the contract's only real implementation). The reconnect/backoff/poll
// loop follows the same long-polling idiom as this repo's other channel
// integrations, retargeted at provider.Provider instead of a chat-task
// router interface.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/feishugate/internal/provider"
)

// Handler is invoked for every inbound Telegram message accepted by the
// allowlist. It mirrors provider.InboundEvent so the coordinator never
// imports this package directly.
type Handler func(ctx context.Context, ev provider.InboundEvent)

// Provider implements provider.Provider over a single Telegram bot token.
type Provider struct {
	accountID  string
	token      string
	allowedIDs map[int64]struct{}
	handler    Handler
	logger     *slog.Logger

	bot *tgbotapi.BotAPI

	mu      sync.Mutex
	msgByID map[string]*tgbotapi.Message // messageId -> last seen message, for FetchMessage
}

// New constructs a Telegram-backed Provider. allowedIDs restricts which
// Telegram user ids may originate inbound events; an empty list allows all.
func New(accountID, token string, allowedIDs []int64, handler Handler, logger *slog.Logger) *Provider {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		accountID:  accountID,
		token:      token,
		allowedIDs: allowed,
		handler:    handler,
		logger:     logger,
		msgByID:    make(map[string]*tgbotapi.Message),
	}
}

// Run connects and polls for updates until ctx is canceled, reconnecting
// with exponential backoff on transport failure.
func (p *Provider) Run(ctx context.Context) error {
	var err error
	p.bot, err = tgbotapi.NewBotAPI(p.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	p.logger.Info("telegram provider started", "user", p.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := p.bot.GetUpdatesChan(u)

		pollErr := p.pollUpdates(ctx, updates)
		p.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}

		p.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

const stallTimeout = 150 * time.Second

func (p *Provider) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				p.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (p *Provider) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if len(p.allowedIDs) > 0 {
		if _, ok := p.allowedIDs[msg.From.ID]; !ok {
			p.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
			return
		}
	}

	messageID := messageKey(msg.Chat.ID, msg.MessageID)
	p.mu.Lock()
	p.msgByID[messageID] = msg
	p.mu.Unlock()

	chatType := "direct"
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		chatType = "group"
	}

	var mentions []string
	if msg.Entities != nil {
		for _, ent := range msg.Entities {
			if ent.Type == "mention" {
				mentions = append(mentions, strings.TrimPrefix(msg.Text[ent.Offset:ent.Offset+ent.Length], "@"))
			}
		}
	}

	var rootID, parentID string
	if msg.ReplyToMessage != nil {
		parentID = messageKey(msg.Chat.ID, msg.ReplyToMessage.MessageID)
		rootID = parentID
	}

	if p.handler != nil {
		p.handler(ctx, provider.InboundEvent{
			AccountID:    p.accountID,
			ChatID:       strconv.FormatInt(msg.Chat.ID, 10),
			MessageID:    messageID,
			SenderID:     strconv.FormatInt(msg.From.ID, 10),
			ChatType:     chatType,
			CreateTimeMs: int64(msg.Date) * 1000,
			Content:      msg.Text,
			Mentions:     mentions,
			RootID:       rootID,
			ParentID:     parentID,
		})
	}
}

func messageKey(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func splitMessageKey(key string) (int64, int, error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed message id %q", key)
	}
	chatID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed chat id in %q: %w", key, err)
	}
	msgID, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed message id in %q: %w", key, err)
	}
	return chatID, msgID, nil
}

// AddReaction sets emojiType on messageID via Telegram's setMessageReaction
// endpoint. Telegram reactions are idempotent on repeated identical calls,
// so the returned handle is deterministic per (messageID, emojiType).
func (p *Provider) AddReaction(ctx context.Context, accountID, messageID, emojiType string) (string, error) {
	chatID, msgID, err := splitMessageKey(messageID)
	if err != nil {
		return "", err
	}
	emoji := telegramEmoji(emojiType)

	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", msgID)
	params["reaction"] = fmt.Sprintf(`[{"type":"emoji","emoji":"%s"}]`, emoji)

	if _, err := p.bot.MakeRequest("setMessageReaction", params); err != nil {
		return "", fmt.Errorf("setMessageReaction: %w", err)
	}
	return fmt.Sprintf("%s:%s", messageID, emojiType), nil
}

// RemoveReaction clears all reactions this provider placed on messageID.
// Telegram's API only supports replacing the whole reaction set, so this
// clears it entirely rather than tracking other operators' reactions.
func (p *Provider) RemoveReaction(ctx context.Context, accountID, messageID, reactionID string) error {
	chatID, msgID, err := splitMessageKey(messageID)
	if err != nil {
		return err
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", msgID)
	params["reaction"] = "[]"

	if _, err := p.bot.MakeRequest("setMessageReaction", params); err != nil {
		return fmt.Errorf("setMessageReaction (clear): %w", err)
	}
	return nil
}

// ListReactions is not exposed by the Telegram Bot API (reactions on a
// message are only delivered via message_reaction updates, which this
// provider does not subscribe to); it always returns an empty list.
func (p *Provider) ListReactions(ctx context.Context, accountID, messageID, emojiType string) ([]provider.Reaction, error) {
	return nil, nil
}

// SendMessage delivers text to a chat, optionally as a threaded reply.
func (p *Provider) SendMessage(ctx context.Context, opts provider.SendOptions) (provider.SendResult, error) {
	chatID, err := strconv.ParseInt(opts.To, 10, 64)
	if err != nil {
		return provider.SendResult{}, fmt.Errorf("malformed chat id %q: %w", opts.To, err)
	}

	msg := tgbotapi.NewMessage(chatID, opts.Text)
	if opts.ReplyToMessageID != "" {
		if _, replyMsgID, err := splitMessageKey(opts.ReplyToMessageID); err == nil {
			msg.ReplyToMessageID = replyMsgID
		}
	}

	sent, err := p.bot.Send(msg)
	if err != nil {
		return provider.SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	return provider.SendResult{
		MessageID: messageKey(chatID, sent.MessageID),
		ChatID:    opts.To,
	}, nil
}

// FetchMessage returns the text of a previously observed inbound message.
func (p *Provider) FetchMessage(ctx context.Context, accountID, messageID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.msgByID[messageID]
	if !ok {
		return "", fmt.Errorf("message %s not cached", messageID)
	}
	return msg.Text, nil
}

// telegramEmoji maps a provider-agnostic status emoji to a Unicode emoji
// accepted by Telegram's reaction API.
func telegramEmoji(emojiType string) string {
	switch emojiType {
	case "GLANCE":
		return "\U0001F440" // 👀
	case "ONE_SECOND":
		return "⏱" // ⏱
	case "HAMMER":
		return "\U0001F528" // 🔨
	case "ALARM":
		return "⏰" // ⏰
	case "DONE":
		return "✅" // ✅
	case "ERROR":
		return "❌" // ❌
	case "TYPING":
		return "✍" // ✍
	default:
		return "\U0001F440"
	}
}

// Package provider defines the abstract capability contracts the gateway
// core depends on: sending messages, reacting to them, and reading inbound
// events. Concrete providers (Telegram, Feishu, ...) live under
// internal/providerimpl and implement this interface; the core never
// imports a concrete provider package.
package provider

import "context"

// Reaction is a reaction placed by some operator on a message.
type Reaction struct {
	ReactionID   string
	OperatorType string // "app" or "user"
}

// SendResult is the effect of a successful SendMessage call.
type SendResult struct {
	MessageID string
	ChatID    string
}

// SendOptions parametrizes an outbound send.
type SendOptions struct {
	To               string
	Text             string
	ReplyToMessageID string
	AccountID        string
}

// Provider is the set of capabilities the core consumes from a concrete
// chat backend (§6). All calls are suspension points in the single-threaded
// cooperative event loop (§5): they may block on I/O but never run
// concurrently with another step of the same logical task.
type Provider interface {
	// AddReaction places emojiType on messageId and returns the provider's
	// reaction handle. Providers may be idempotent: the same handle can be
	// returned for repeated calls with the same (messageId, emojiType).
	AddReaction(ctx context.Context, accountID, messageID string, emojiType string) (reactionID string, err error)

	// RemoveReaction removes a previously added reaction. Best-effort:
	// callers log and swallow errors (§4.2).
	RemoveReaction(ctx context.Context, accountID, messageID, reactionID string) error

	// ListReactions lists reactions of the given emoji on a message.
	ListReactions(ctx context.Context, accountID, messageID, emojiType string) ([]Reaction, error)

	// SendMessage delivers a message, optionally threaded as a reply.
	SendMessage(ctx context.Context, opts SendOptions) (SendResult, error)

	// FetchMessage retrieves a message's content, used for quoted-message
	// expansion in the agent envelope.
	FetchMessage(ctx context.Context, accountID, messageID string) (string, error)
}

// InboundEvent is the tagged record a concrete provider parses its wire
// payload into before handing it to TaskCoordinator (§4.4 step 2, §9).
type InboundEvent struct {
	AccountID   string
	ChatID      string
	MessageID   string
	SenderID    string
	ChatType    string // "direct" or "group"
	CreateTimeMs int64
	Content     string
	Mentions    []string
	RootID      string
	ParentID    string
}

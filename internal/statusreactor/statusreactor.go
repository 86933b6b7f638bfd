// Package statusreactor paints a single status emoji on a provider message,
// swapping out the previously-displayed one.
package statusreactor

import (
	"context"
	"log/slog"

	"github.com/basket/feishugate/internal/inflight"
	"github.com/basket/feishugate/internal/provider"
)

// Reactor replaces one status reaction with another on a provider message.
type Reactor struct {
	prov   provider.Provider
	logger *slog.Logger
}

// New constructs a Reactor backed by prov.
func New(prov provider.Provider, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{prov: prov, logger: logger}
}

// ReplaceInput is the argument to Replace.
type ReplaceInput struct {
	AccountID     string
	MessageID     string
	NextEmojiType inflight.EmojiType
	Prev          *inflight.Reaction
}

// Replace adds nextEmojiType and, if a different reaction was previously
// displayed, best-effort removes it (§4.2). The add call's error propagates;
// the remove call's error is logged and swallowed.
func (r *Reactor) Replace(ctx context.Context, in ReplaceInput) (inflight.Reaction, error) {
	reactionID, err := r.prov.AddReaction(ctx, in.AccountID, in.MessageID, string(in.NextEmojiType))
	if err != nil {
		return inflight.Reaction{}, err
	}

	next := inflight.Reaction{EmojiType: in.NextEmojiType, ReactionID: reactionID}

	if in.Prev != nil && in.Prev.ReactionID != reactionID {
		if err := r.prov.RemoveReaction(ctx, in.AccountID, in.MessageID, in.Prev.ReactionID); err != nil {
			r.logger.Warn("status_reaction_remove_failed",
				slog.String("messageId", in.MessageID),
				slog.String("reactionId", in.Prev.ReactionID),
				slog.String("error", err.Error()),
			)
		}
	}

	return next, nil
}

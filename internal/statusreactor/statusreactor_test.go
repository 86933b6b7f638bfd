package statusreactor_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/feishugate/internal/inflight"
	"github.com/basket/feishugate/internal/provider"
	"github.com/basket/feishugate/internal/statusreactor"
)

type fakeProvider struct {
	addReactionID    string
	addErr           error
	removeErr        error
	removeCalls      []string
	addCalls         []string
}

func (f *fakeProvider) AddReaction(ctx context.Context, accountID, messageID, emojiType string) (string, error) {
	f.addCalls = append(f.addCalls, emojiType)
	if f.addErr != nil {
		return "", f.addErr
	}
	return f.addReactionID, nil
}

func (f *fakeProvider) RemoveReaction(ctx context.Context, accountID, messageID, reactionID string) error {
	f.removeCalls = append(f.removeCalls, reactionID)
	return f.removeErr
}

func (f *fakeProvider) ListReactions(ctx context.Context, accountID, messageID, emojiType string) ([]provider.Reaction, error) {
	return nil, nil
}

func (f *fakeProvider) SendMessage(ctx context.Context, opts provider.SendOptions) (provider.SendResult, error) {
	return provider.SendResult{}, nil
}

func (f *fakeProvider) FetchMessage(ctx context.Context, accountID, messageID string) (string, error) {
	return "", nil
}

func TestReplace_RemovesDifferentPriorReaction(t *testing.T) {
	fp := &fakeProvider{addReactionID: "r-new"}
	r := statusreactor.New(fp, nil)

	got, err := r.Replace(context.Background(), statusreactor.ReplaceInput{
		AccountID:     "acct",
		MessageID:     "om_1",
		NextEmojiType: inflight.EmojiHammer,
		Prev:          &inflight.Reaction{EmojiType: inflight.EmojiOneSecond, ReactionID: "r-old"},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got.ReactionID != "r-new" {
		t.Fatalf("expected r-new, got %s", got.ReactionID)
	}
	if len(fp.removeCalls) != 1 || fp.removeCalls[0] != "r-old" {
		t.Fatalf("expected remove of r-old, got %v", fp.removeCalls)
	}
}

func TestReplace_IdempotentReactionIDSkipsRemove(t *testing.T) {
	fp := &fakeProvider{addReactionID: "r-same"}
	r := statusreactor.New(fp, nil)

	_, err := r.Replace(context.Background(), statusreactor.ReplaceInput{
		AccountID:     "acct",
		MessageID:     "om_1",
		NextEmojiType: inflight.EmojiHammer,
		Prev:          &inflight.Reaction{EmojiType: inflight.EmojiOneSecond, ReactionID: "r-same"},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(fp.removeCalls) != 0 {
		t.Fatalf("expected no remove call when reactionId unchanged, got %v", fp.removeCalls)
	}
}

func TestReplace_NoPriorReactionSkipsRemove(t *testing.T) {
	fp := &fakeProvider{addReactionID: "r-new"}
	r := statusreactor.New(fp, nil)

	_, err := r.Replace(context.Background(), statusreactor.ReplaceInput{
		AccountID:     "acct",
		MessageID:     "om_1",
		NextEmojiType: inflight.EmojiGlance,
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(fp.removeCalls) != 0 {
		t.Fatalf("expected no remove call without prior reaction, got %v", fp.removeCalls)
	}
}

func TestReplace_AddFailurePropagates(t *testing.T) {
	fp := &fakeProvider{addErr: errors.New("provider unavailable")}
	r := statusreactor.New(fp, nil)

	_, err := r.Replace(context.Background(), statusreactor.ReplaceInput{
		AccountID:     "acct",
		MessageID:     "om_1",
		NextEmojiType: inflight.EmojiGlance,
	})
	if err == nil {
		t.Fatal("expected add failure to propagate")
	}
}

func TestReplace_RemoveFailureIsSwallowed(t *testing.T) {
	fp := &fakeProvider{addReactionID: "r-new", removeErr: errors.New("remove failed")}
	r := statusreactor.New(fp, nil)

	_, err := r.Replace(context.Background(), statusreactor.ReplaceInput{
		AccountID:     "acct",
		MessageID:     "om_1",
		NextEmojiType: inflight.EmojiHammer,
		Prev:          &inflight.Reaction{EmojiType: inflight.EmojiOneSecond, ReactionID: "r-old"},
	})
	if err != nil {
		t.Fatalf("expected remove failure swallowed, got %v", err)
	}
}

package inbound_test

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/feishugate/internal/bus"
	"github.com/basket/feishugate/internal/inbound"
	"github.com/basket/feishugate/internal/provider"
)

type fakeProvider struct {
	sent []provider.SendOptions
}

func (f *fakeProvider) AddReaction(ctx context.Context, accountID, messageID, emojiType string) (string, error) {
	return "r1", nil
}
func (f *fakeProvider) RemoveReaction(ctx context.Context, accountID, messageID, reactionID string) error {
	return nil
}
func (f *fakeProvider) ListReactions(ctx context.Context, accountID, messageID, emojiType string) ([]provider.Reaction, error) {
	return nil, nil
}
func (f *fakeProvider) SendMessage(ctx context.Context, opts provider.SendOptions) (provider.SendResult, error) {
	f.sent = append(f.sent, opts)
	return provider.SendResult{MessageID: "om_reply"}, nil
}
func (f *fakeProvider) FetchMessage(ctx context.Context, accountID, messageID string) (string, error) {
	return "", nil
}

// Scenario 1: duplicate delivery — second delivery of the same messageId is dropped.
func TestAdmit_DuplicateDeliveryDropped(t *testing.T) {
	fp := &fakeProvider{}
	g := inbound.New(t.TempDir(), fp, bus.New(), nil, inbound.DefaultSettings())

	ev := provider.InboundEvent{AccountID: "acct", ChatID: "chat1", MessageID: "om_x", CreateTimeMs: 1000}
	if d := g.Admit(context.Background(), ev, 1000); d != inbound.Admit {
		t.Fatalf("expected first delivery admitted, got %v", d)
	}
	if d := g.Admit(context.Background(), ev, 1001); d != inbound.DropDuplicate {
		t.Fatalf("expected second delivery dropped as duplicate, got %v", d)
	}
}

// Scenario 2: stale out-of-order — notice sent, drop.
func TestAdmit_StaleOutOfOrder(t *testing.T) {
	fp := &fakeProvider{}
	settings := inbound.Settings{Enabled: true, Reply: true, SkewWindowMs: 0, RecentIDsLimit: 250}
	g := inbound.New(t.TempDir(), fp, bus.New(), nil, settings)

	seed := provider.InboundEvent{AccountID: "acct", ChatID: "chat1", MessageID: "om_seed", CreateTimeMs: 2000}
	if d := g.Admit(context.Background(), seed, 2000); d != inbound.Admit {
		t.Fatalf("expected seed admitted, got %v", d)
	}

	stale := provider.InboundEvent{AccountID: "acct", ChatID: "chat1", MessageID: "om_old", CreateTimeMs: 1000}
	d := g.Admit(context.Background(), stale, 1000)
	if d != inbound.DropStale {
		t.Fatalf("expected stale drop, got %v", d)
	}

	if len(fp.sent) != 1 {
		t.Fatalf("expected exactly one SendMessage, got %d", len(fp.sent))
	}
	got := fp.sent[0]
	if got.ReplyToMessageID != "om_old" {
		t.Fatalf("expected reply to om_old, got %s", got.ReplyToMessageID)
	}
	if !strings.Contains(got.Text, "过期消息") || !strings.Contains(got.Text, "reason=out_of_order_delivery") {
		t.Fatalf("expected notice text with markers, got %q", got.Text)
	}
}

func TestAdmit_StaleIDRecordedRegardless(t *testing.T) {
	fp := &fakeProvider{}
	settings := inbound.Settings{Enabled: true, Reply: false, SkewWindowMs: 0, RecentIDsLimit: 250}
	g := inbound.New(t.TempDir(), fp, bus.New(), nil, settings)

	seed := provider.InboundEvent{AccountID: "acct", ChatID: "chat1", MessageID: "om_seed", CreateTimeMs: 2000}
	g.Admit(context.Background(), seed, 2000)

	stale := provider.InboundEvent{AccountID: "acct", ChatID: "chat1", MessageID: "om_old", CreateTimeMs: 1000}
	g.Admit(context.Background(), stale, 1000)

	// Re-delivering the same stale id should now be a dedup drop, not a
	// second stale reply, since it was recorded into the ring.
	if d := g.Admit(context.Background(), stale, 1001); d != inbound.DropDuplicate {
		t.Fatalf("expected re-delivery dropped as duplicate, got %v", d)
	}
	if len(fp.sent) != 0 {
		t.Fatalf("expected no notice sent when Reply disabled, got %d", len(fp.sent))
	}
}

func TestAdmit_MonotoneWatermark(t *testing.T) {
	fp := &fakeProvider{}
	g := inbound.New(t.TempDir(), fp, bus.New(), nil, inbound.DefaultSettings())

	events := []provider.InboundEvent{
		{AccountID: "acct", ChatID: "chat1", MessageID: "m1", CreateTimeMs: 1000},
		{AccountID: "acct", ChatID: "chat1", MessageID: "m2", CreateTimeMs: 2000},
		{AccountID: "acct", ChatID: "chat1", MessageID: "m3", CreateTimeMs: 1500},
	}
	for i, ev := range events {
		g.Admit(context.Background(), ev, int64(1000+i))
	}
	// m3 (1500) is within the skew window of m2's watermark (2000), so it's
	// not stale, but the watermark must not move backwards.
}

func TestGroupHistory_RecordsGatedOutMessages(t *testing.T) {
	fp := &fakeProvider{}
	g := inbound.New(t.TempDir(), fp, bus.New(), nil, inbound.DefaultSettings())

	g.RecordGroupHistory("chat1", "user1", "hello", 1000)
	g.RecordGroupHistory("chat1", "user2", "world", 1001)

	hist := g.GroupHistory("chat1")
	if len(hist) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(hist))
	}
	if hist[0].Content != "hello" || hist[1].Content != "world" {
		t.Fatalf("unexpected history order: %+v", hist)
	}
}

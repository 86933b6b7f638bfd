// Package inbound implements dedup and stale-delivery rejection for
// provider events: an in-memory TTL+LRU ring to absorb reconnect
// re-delivery bursts, and a persistent per-chat watermark + recent-id ring
// to reject duplicates and out-of-order deliveries across restarts (§4.3).
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/feishugate/internal/bus"
	"github.com/basket/feishugate/internal/provider"
)

const defaultSkewWindowMs = 5000
const defaultRecentIDsLimit = 250

// Settings configures a Gate's stale-drop behavior (§6 staleDrop.*).
type Settings struct {
	Enabled        bool
	Reply          bool
	SkewWindowMs   int64
	RecentIDsLimit int
}

// DefaultSettings mirrors the defaults named in §6.
func DefaultSettings() Settings {
	return Settings{
		Enabled:        true,
		Reply:          true,
		SkewWindowMs:   defaultSkewWindowMs,
		RecentIDsLimit: defaultRecentIDsLimit,
	}
}

// Decision is the outcome of Gate.Admit.
type Decision int

const (
	// Admit means the event should proceed to TaskCoordinator.
	Admit Decision = iota
	// DropDuplicate means the event's id was already seen.
	DropDuplicate
	// DropStale means the event arrived out of order beyond the skew window.
	DropStale
)

// Gate is constructed per-Coordinator (§9: process-wide mutable state is
// encapsulated, not global) and owns both dedup layers.
type Gate struct {
	mem      *memoryDedup
	states   *stateManager
	prov     provider.Provider
	bus      *bus.Bus
	logger   *slog.Logger
	settings Settings
	history  *HistoryManager
}

// New constructs a Gate rooted at stateDir (e.g. "<stateDir>/feishu/inbound").
func New(stateDir string, prov provider.Provider, eventBus *bus.Bus, logger *slog.Logger, settings Settings) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.SkewWindowMs == 0 {
		settings.SkewWindowMs = defaultSkewWindowMs
	}
	if settings.RecentIDsLimit <= 0 {
		settings.RecentIDsLimit = defaultRecentIDsLimit
	}
	return &Gate{
		mem:      newMemoryDedup(),
		states:   newStateManager(stateDir),
		prov:     prov,
		bus:      eventBus,
		logger:   logger,
		settings: settings,
		history:  NewHistoryManager(),
	}
}

// Admit runs both dedup layers for ev, arriving at nowMs. On DropStale with
// Settings.Reply enabled, it synchronously sends the out-of-order notice
// before returning, bypassing the agent entirely (§4.3).
func (g *Gate) Admit(ctx context.Context, ev provider.InboundEvent, nowMs int64) Decision {
	if !g.mem.tryRecord(ev.MessageID, nowMs) {
		g.publishDuplicate(ev)
		return DropDuplicate
	}

	if !g.settings.Enabled {
		g.advanceWatermark(ev)
		return Admit
	}

	path, state := g.states.read(ev.AccountID, ev.ChatID)
	_ = path

	if state.contains(ev.MessageID) {
		g.publishDuplicate(ev)
		return DropDuplicate
	}

	if ev.CreateTimeMs < state.LastProcessedSentAtMs-g.settings.SkewWindowMs {
		g.recordStaleID(ev)
		g.publishStale(ev, state.LastProcessedSentAtMs)
		if g.settings.Reply {
			g.sendStaleNotice(ctx, ev, state.LastProcessedSentAtMs)
		}
		return DropStale
	}

	g.advanceWatermark(ev)
	return Admit
}

func (g *Gate) advanceWatermark(ev provider.InboundEvent) {
	err := g.states.mutate(ev.AccountID, ev.ChatID, func(s *State) {
		s.push(ev.MessageID, g.settings.RecentIDsLimit)
		if ev.CreateTimeMs > s.LastProcessedSentAtMs {
			s.LastProcessedSentAtMs = ev.CreateTimeMs
		}
		s.UpdatedAtMs = time.Now().UnixMilli()
	})
	if err != nil {
		g.logger.Warn("inbound_state_persist_failed", slog.String("error", err.Error()))
	}
}

// recordStaleID records the id in the ring regardless of the drop, to
// prevent retry storms (§4.3).
func (g *Gate) recordStaleID(ev provider.InboundEvent) {
	err := g.states.mutate(ev.AccountID, ev.ChatID, func(s *State) {
		s.push(ev.MessageID, g.settings.RecentIDsLimit)
	})
	if err != nil {
		g.logger.Warn("inbound_state_persist_failed", slog.String("error", err.Error()))
	}
}

func (g *Gate) sendStaleNotice(ctx context.Context, ev provider.InboundEvent, lastProcessedMs int64) {
	text := fmt.Sprintf(
		"过期消息，被忽略… sentAt=%d lastProcessed=%d reason=out_of_order_delivery",
		ev.CreateTimeMs, lastProcessedMs,
	)
	_, err := g.prov.SendMessage(ctx, provider.SendOptions{
		To:               ev.ChatID,
		Text:             text,
		ReplyToMessageID: ev.MessageID,
		AccountID:        ev.AccountID,
	})
	if err != nil {
		g.logger.Warn("stale_notice_send_failed", slog.String("error", err.Error()))
	}
}

func (g *Gate) publishDuplicate(ev provider.InboundEvent) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(bus.TopicInboundDuplicate, bus.InboundDuplicateEvent{
		AccountID: ev.AccountID,
		ChatID:    ev.ChatID,
		MessageID: ev.MessageID,
	})
}

func (g *Gate) publishStale(ev provider.InboundEvent, lastProcessedMs int64) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(bus.TopicInboundStale, bus.InboundStaleEvent{
		AccountID:         ev.AccountID,
		ChatID:            ev.ChatID,
		MessageID:         ev.MessageID,
		SentAtMs:          ev.CreateTimeMs,
		LastProcessedMs:   lastProcessedMs,
		RepliedWithNotice: g.settings.Reply,
	})
}

// RecordGroupHistory records a gated-out group message into the bounded
// history ring (§4.4 step 4), so that a later mention has recent context.
func (g *Gate) RecordGroupHistory(chatID, senderID, content string, atMs int64) {
	g.history.Record(chatID, HistoryEntry{SenderID: senderID, Content: content, AtMs: atMs})
}

// GroupHistory returns the recent gated-out messages for a chat.
func (g *Gate) GroupHistory(chatID string) []HistoryEntry {
	return g.history.Recent(chatID)
}

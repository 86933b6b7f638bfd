// Package coordinator implements the inbound pipeline: gate, classify,
// create-or-resume, drive the state machine, dispatch to the agent, and
// finalize — plus boot-time orphan reconciliation (§4.4). It is the
// process-wide Coordinator object named in §9 that encapsulates the
// mutable state other components would otherwise hold as package globals.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/basket/feishugate/internal/agentrt"
	"github.com/basket/feishugate/internal/bus"
	"github.com/basket/feishugate/internal/config"
	"github.com/basket/feishugate/internal/envelope"
	"github.com/basket/feishugate/internal/inbound"
	"github.com/basket/feishugate/internal/inflight"
	"github.com/basket/feishugate/internal/permcache"
	"github.com/basket/feishugate/internal/provider"
	"github.com/basket/feishugate/internal/shared"
	"github.com/basket/feishugate/internal/statusreactor"
)

var resumePattern = regexp.MustCompile(`(?i)^\s*(继续|continue|resume)\b`)

// Dependencies bundles the collaborators a Coordinator is built from.
type Dependencies struct {
	Provider    provider.Provider
	Dispatcher  agentrt.Dispatcher
	InFlight    *inflight.Manager
	Gate        *inbound.Gate
	Reactor     *statusreactor.Reactor
	Bus         *bus.Bus
	PermCache   *permcache.Cache
	Logger      *slog.Logger
	Policy      config.PolicyConfig
}

// Coordinator is the §2-D component: it owns no package-level mutable
// state; every field here is constructed fresh per instance so tests
// receive an isolated Coordinator (§9).
type Coordinator struct {
	provider   provider.Provider
	dispatcher agentrt.Dispatcher
	inflight   *inflight.Manager
	gate       *inbound.Gate
	reactor    *statusreactor.Reactor
	bus        *bus.Bus
	permCache  *permcache.Cache
	logger     *slog.Logger
	policy     config.PolicyConfig

	// pendingNotices holds one synthesized permission-error notice per
	// (accountId, chatId) until the next envelope build consumes it. Safe
	// as plain map state: Coordinator methods run on the single-threaded
	// event loop (§5).
	pendingNotices map[string]string
}

// New constructs a Coordinator from its dependencies.
func New(deps Dependencies) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	permCache := deps.PermCache
	if permCache == nil {
		permCache = permcache.New()
	}
	return &Coordinator{
		provider:       deps.Provider,
		dispatcher:     deps.Dispatcher,
		inflight:       deps.InFlight,
		gate:           deps.Gate,
		reactor:        deps.Reactor,
		bus:            deps.Bus,
		permCache:      permCache,
		logger:         logger,
		policy:         deps.Policy,
		pendingNotices: make(map[string]string),
	}
}

func noticeKey(accountID, chatID string) string {
	return accountID + ":" + chatID
}

// formatHistory renders gated-out group messages as "sender: content" lines
// for the envelope's recent-context prefix.
func formatHistory(entries []inbound.HistoryEntry) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s: %s", e.SenderID, e.Content))
	}
	return lines
}

func stripBotMentions(content string, mentions []string) string {
	out := content
	for _, m := range mentions {
		out = strings.ReplaceAll(out, "@"+m, "")
	}
	return strings.TrimSpace(out)
}

// HandleInbound runs one provider event through the full pipeline (§4.4).
func (c *Coordinator) HandleInbound(ctx context.Context, ev provider.InboundEvent, nowMs int64) error {
	decision := c.gate.Admit(ctx, ev, nowMs)
	if decision != inbound.Admit {
		return nil
	}

	content := stripBotMentions(ev.Content, ev.Mentions)
	mentionedBot := len(ev.Mentions) > 0

	if !evaluatePolicy(c.policy, ev.ChatID, ev.ChatType, ev.SenderID, mentionedBot) {
		if ev.ChatType == "group" {
			c.gate.RecordGroupHistory(ev.ChatID, ev.SenderID, content, ev.CreateTimeMs)
		}
		return nil
	}

	if resumePattern.MatchString(content) {
		return c.handleResume(ctx, ev)
	}
	return c.handleNewTask(ctx, ev, content)
}

func (c *Coordinator) handleResume(ctx context.Context, ev provider.InboundEvent) error {
	_, store := c.inflight.Read(ev.AccountID)
	task, ok := inflight.GetLastInterruptibleTask(&store, ev.ChatID)
	if !ok || !isResumable(task) {
		_, err := c.provider.SendMessage(ctx, provider.SendOptions{
			To: ev.ChatID, Text: "no prior task", ReplyToMessageID: ev.MessageID, AccountID: ev.AccountID,
		})
		return err
	}
	if ev.ChatType == "group" && task.UserOpenID != "" && task.UserOpenID != ev.SenderID {
		_, err := c.provider.SendMessage(ctx, provider.SendOptions{
			To: ev.ChatID, Text: "no prior task", ReplyToMessageID: ev.MessageID, AccountID: ev.AccountID,
		})
		return err
	}

	task.ResumeAttempts++
	if err := c.transition(ctx, ev.AccountID, &task, inflight.StateReceived); err != nil {
		return err
	}
	return c.advance(ctx, ev.AccountID, &task, ev)
}

func isResumable(task inflight.InFlightTask) bool {
	if task.State != inflight.StateInterrupted && task.State != inflight.StateFailed {
		return false
	}
	return task.ResumeAttempts < inflight.MaxResumeAttempts
}

func (c *Coordinator) handleNewTask(ctx context.Context, ev provider.InboundEvent, content string) error {
	clamped, truncated := inflight.ClampOriginalText(content)
	chatType := inflight.ChatTypeGroup
	if ev.ChatType == "direct" {
		chatType = inflight.ChatTypeDirect
	}
	task := inflight.InFlightTask{
		ID:           inflight.CreateID(),
		Provider:     "feishu",
		AccountID:    ev.AccountID,
		ChatID:       ev.ChatID,
		ChatType:     chatType,
		UserOpenID:   ev.SenderID,
		MessageID:    ev.MessageID,
		OriginalText: clamped,
		Truncated:    truncated,
	}
	if err := c.transition(ctx, ev.AccountID, &task, inflight.StateReceived); err != nil {
		return err
	}
	return c.advance(ctx, ev.AccountID, &task, ev)
}

// advance builds the agent envelope, transitions to queued, dispatches,
// and observes the dispatch stream through to a terminal transition
// (§4.4 steps 7-8).
func (c *Coordinator) advance(ctx context.Context, accountID string, task *inflight.InFlightTask, ev provider.InboundEvent) error {
	builder := envelope.New(task.OriginalText).
		WithSenderLabel(ev.SenderID).
		WithMentionHint(ev.Mentions)

	if notice, ok := c.pendingNotices[noticeKey(accountID, ev.ChatID)]; ok {
		builder = builder.WithSystemNotice(notice)
		delete(c.pendingNotices, noticeKey(accountID, ev.ChatID))
	}

	if ev.ChatType == "group" && len(ev.Mentions) > 0 {
		if hist := c.gate.GroupHistory(ev.ChatID); len(hist) > 0 {
			builder = builder.WithHistory(formatHistory(hist))
		}
	}

	if ev.ParentID != "" {
		if quoted, err := c.provider.FetchMessage(ctx, accountID, ev.ParentID); err != nil {
			c.logger.Warn("quote_fetch_failed", slog.String("taskId", task.ID), slog.String("error", err.Error()))
		} else {
			builder = builder.WithQuote(quoted)
		}
	}

	body := builder.Build()

	if err := c.transition(ctx, accountID, task, inflight.StateQueued); err != nil {
		return err
	}

	result, err := c.dispatcher.DispatchReplyFromConfig(ctx, agentrt.ReplyOptions{
		AccountID: accountID,
		ChatID:    ev.ChatID,
		TaskID:    task.ID,
		RunID:     task.RunID,
		Envelope:  body,
		Callbacks: agentrt.StatusCallbacks{
			OnReplyStart: func() {
				_ = c.transition(ctx, accountID, task, inflight.StateWorking)
			},
		},
	})
	if err != nil {
		return c.finalizeFailed(ctx, accountID, task, ev)
	}

	switch {
	case result.Counts.Final >= 1:
		return c.finalizeDone(ctx, accountID, task)
	case result.QueuedFinal:
		return c.transition(ctx, accountID, task, inflight.StateWaiting)
	default:
		return c.finalizeFailed(ctx, accountID, task, ev)
	}
}

func (c *Coordinator) finalizeDone(ctx context.Context, accountID string, task *inflight.InFlightTask) error {
	if err := c.transition(ctx, accountID, task, inflight.StateDone); err != nil {
		return err
	}
	return c.inflight.Mutate(accountID, func(s *inflight.Store) {
		inflight.RemoveTask(s, task.ID)
	})
}

func (c *Coordinator) finalizeFailed(ctx context.Context, accountID string, task *inflight.InFlightTask, ev provider.InboundEvent) error {
	if err := c.transition(ctx, accountID, task, inflight.StateFailed); err != nil {
		return err
	}
	if err := c.inflight.Mutate(accountID, func(s *inflight.Store) {
		inflight.SetLastInterruptible(s, ev.ChatID, task.ID)
	}); err != nil {
		return err
	}
	_, err := c.provider.SendMessage(ctx, provider.SendOptions{
		To: ev.ChatID, Text: `task failed — reply "continue" to retry`, ReplyToMessageID: task.MessageID, AccountID: accountID,
	})
	return err
}

// notePermissionError classifies a provider error and, if it is the
// provider's permission-denial (code 99991672), queues a system-observable
// notice carrying the grant URL for the next envelope built for this chat —
// deduped per-appId (here, accountId) through permCache's 5-minute cooldown.
func (c *Coordinator) notePermissionError(accountID, chatID string, err error) {
	if shared.ClassifyProviderError(err) != shared.ErrorClassPermission {
		return
	}
	grantURL := shared.ExtractGrantURL(err)
	if !c.permCache.ShouldSynthesize(accountID, grantURL) {
		return
	}
	notice := "the bot is missing a permission"
	if grantURL != "" {
		notice = fmt.Sprintf("the bot is missing a permission — grant it at %s", grantURL)
	}
	c.pendingNotices[noticeKey(accountID, chatID)] = notice
}

// transition paints the new state's emoji and persists the task. A
// StatusReactor failure is logged and the task is persisted without
// updating its reaction, leaving the previously-displayed emoji in place
// (§4.2's fallback policy generalized to the coordinator level).
func (c *Coordinator) transition(ctx context.Context, accountID string, task *inflight.InFlightTask, next inflight.TaskState) error {
	if !inflight.CanTransition(task.State, next) {
		return fmt.Errorf("illegal transition %s -> %s for task %s", task.State, next, task.ID)
	}

	reaction, err := c.reactor.Replace(ctx, statusreactor.ReplaceInput{
		AccountID:     accountID,
		MessageID:     task.MessageID,
		NextEmojiType: inflight.EmojiForState(next),
		Prev:          task.Reaction,
	})
	if err != nil {
		c.logger.Warn("status_reaction_paint_failed", slog.String("taskId", task.ID), slog.String("error", err.Error()))
		c.notePermissionError(accountID, task.ChatID, err)
	} else {
		task.Reaction = &reaction
	}

	task.State = next
	task.UpdatedAtMs = time.Now().UnixMilli()

	if c.bus != nil {
		c.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID: task.ID, ChatID: task.ChatID, OldState: string(task.State), NewState: string(next),
		})
	}

	return c.inflight.Mutate(accountID, func(s *inflight.Store) {
		inflight.UpsertTask(s, *task)
	})
}

// Reconcile runs the boot-time orphan sweep (§4.4 "Reconciliation on
// startup"): any task left in {queued, working, waiting} with
// InterruptedHandled=false and updated within maxAge is assumed orphaned
// by a prior crash. Its TYPING reaction is cleared, an ERROR reaction is
// painted, one interruption explanation is sent, and it is marked
// interrupted and resumable.
func (c *Coordinator) Reconcile(ctx context.Context, accountID string, maxAge time.Duration) error {
	_, store := c.inflight.Read(accountID)
	nowMs := time.Now().UnixMilli()
	maxAgeMs := maxAge.Milliseconds()

	var orphans []inflight.InFlightTask
	for _, t := range store.Tasks {
		if t.InterruptedHandled {
			continue
		}
		switch t.State {
		case inflight.StateQueued, inflight.StateWorking, inflight.StateWaiting:
		default:
			continue
		}
		if nowMs-t.UpdatedAtMs > maxAgeMs {
			continue
		}
		orphans = append(orphans, t)
	}

	for i := range orphans {
		task := orphans[i]
		c.reconcileOne(ctx, accountID, &task)
	}
	return nil
}

func (c *Coordinator) reconcileOne(ctx context.Context, accountID string, task *inflight.InFlightTask) {
	if reactions, err := c.provider.ListReactions(ctx, accountID, task.MessageID, string(inflight.EmojiTyping)); err == nil {
		for _, r := range reactions {
			_ = c.provider.RemoveReaction(ctx, accountID, task.MessageID, r.ReactionID)
		}
	}

	reaction, err := c.reactor.Replace(ctx, statusreactor.ReplaceInput{
		AccountID:     accountID,
		MessageID:     task.MessageID,
		NextEmojiType: inflight.EmojiError,
		Prev:          task.Reaction,
	})
	if err == nil {
		task.Reaction = &reaction
	}

	_, _ = c.provider.SendMessage(ctx, provider.SendOptions{
		To:               task.ChatID,
		Text:             `interrupted by a restart — reply "continue" to resume`,
		ReplyToMessageID: task.MessageID,
		AccountID:        accountID,
	})

	task.State = inflight.StateInterrupted
	task.InterruptedHandled = true
	task.UpdatedAtMs = time.Now().UnixMilli()

	if c.bus != nil {
		c.bus.Publish(bus.TopicTaskReconciled, bus.TaskStateChangedEvent{
			TaskID: task.ID, ChatID: task.ChatID, OldState: string(task.State), NewState: string(inflight.StateInterrupted),
		})
	}

	_ = c.inflight.Mutate(accountID, func(s *inflight.Store) {
		inflight.UpsertTask(s, *task)
		inflight.SetLastInterruptible(s, task.ChatID, task.ID)
	})
}

// HandleOutbound auto-finalizes a waiting task when the outbound adapter
// sends a reply to its anchor (§4.4 "Auto-finalization on outbound").
// Best-effort: errors are swallowed.
func (c *Coordinator) HandleOutbound(ctx context.Context, accountID, replyToID string) {
	_, store := c.inflight.Read(accountID)
	task, ok := inflight.FindByMessageID(&store, replyToID)
	if !ok || task.State != inflight.StateWaiting {
		return
	}
	if err := c.finalizeDone(ctx, accountID, &task); err != nil {
		c.logger.Warn("auto_finalize_failed", slog.String("taskId", task.ID), slog.String("error", err.Error()))
	}
}

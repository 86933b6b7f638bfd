// Package toolguard guards a session transcript so every assistant tool
// call is eventually paired with a tool result, oversized results are
// capped, and select recoverable tool errors are annotated for the agent
// (§4.6). It wraps SessionManager.AppendMessage with an explicit decorator
// rather than monkey-patching the foreign object (§9).
package toolguard

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/basket/feishugate/internal/bus"
	"github.com/basket/feishugate/internal/safety"
)

// Role is the sum type a provider payload is parsed into (§9).
type Role string

const (
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
	RoleUser       Role = "user"
	RoleSystem     Role = "system"
)

// ToolCall is one assistant tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON arguments, possibly malformed
}

// Message is one transcript entry.
type Message struct {
	Role        Role
	Text        string
	TextBlocks  []string // toolResult text blocks; falls back to []string{Text} if empty
	ToolCalls   []ToolCall
	ToolCallID  string
	IsError     bool
	IsSynthetic bool
}

// SessionManager is the collaborator ToolResultGuard wraps (§6).
type SessionManager interface {
	AppendMessage(msg Message) error
	GetSessionFile() (string, bool)
	GetEntries() []Message
}

const truncationSuffix = "\n\n⚠️ [Content truncated during persistence — original exceeded size limit. Use offset/limit parameters or request specific sections for large content.]"

var editNotFoundPattern = regexp.MustCompile(`Could not find the exact text in ([^\s.]+(?:\.[A-Za-z0-9_]+)?)\.`)

// Guard wraps a SessionManager's AppendMessage with the pairing, capping,
// and annotation logic described in §4.6.
type Guard struct {
	inner        SessionManager
	sanitizer    *safety.Sanitizer
	bus          *bus.Bus
	logger       *slog.Logger
	hardMaxChars int
	transform    func(Message) Message
	beforeWrite  func(Message) (Message, bool)

	pending     map[string]string // toolCallId -> toolName
	pendingSeen []string          // insertion order, for deterministic flush
}

// Options configures a Guard at construction time.
type Options struct {
	HardMaxChars int
	// Transform is applied to every toolResult message after size capping.
	Transform func(Message) Message
	// BeforeWrite runs last; returning ok=false blocks the write.
	BeforeWrite func(Message) (Message, bool)
}

// New constructs a Guard wrapping inner.
func New(inner SessionManager, eventBus *bus.Bus, logger *slog.Logger, opts Options) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	hardMax := opts.HardMaxChars
	if hardMax <= 0 {
		hardMax = 30000
	}
	return &Guard{
		inner:        inner,
		sanitizer:    safety.NewSanitizer(),
		bus:          eventBus,
		logger:       logger,
		hardMaxChars: hardMax,
		transform:    opts.Transform,
		beforeWrite:  opts.BeforeWrite,
		pending:      make(map[string]string),
	}
}

// AppendMessage is the guarded wrapper: every transcript write goes through
// here instead of directly calling inner.AppendMessage.
func (g *Guard) AppendMessage(msg Message) error {
	switch msg.Role {
	case RoleAssistant:
		return g.appendAssistant(msg)
	case RoleToolResult:
		return g.appendToolResult(msg)
	default:
		return g.appendOther(msg)
	}
}

// GetPendingIDs exposes outstanding tool-call ids, for explicit flush on
// shutdown (§6).
func (g *Guard) GetPendingIDs() []string {
	ids := make([]string, len(g.pendingSeen))
	copy(ids, g.pendingSeen)
	return ids
}

// FlushPendingToolResults synthesizes a placeholder tool result for every
// outstanding tool call id and persists it.
func (g *Guard) FlushPendingToolResults() error {
	return g.flushPending()
}

func (g *Guard) appendAssistant(msg Message) error {
	sanitized, ok := g.sanitizeAssistant(msg)
	if !ok {
		if err := g.flushPending(); err != nil {
			return err
		}
		return nil
	}

	if err := g.inner.AppendMessage(sanitized); err != nil {
		return err
	}

	for _, call := range sanitized.ToolCalls {
		if _, already := g.pending[call.ID]; !already {
			g.pendingSeen = append(g.pendingSeen, call.ID)
		}
		g.pending[call.ID] = call.Name
	}
	return nil
}

// sanitizeAssistant removes tool calls whose arguments are not valid JSON
// and logs a warning if the message text itself trips the prompt-injection
// sanitizer. Returns ok=false if nothing is left to persist.
func (g *Guard) sanitizeAssistant(msg Message) (Message, bool) {
	if check := g.sanitizer.Check(msg.Text); check.Action != safety.ActionAllow {
		g.logger.Warn("assistant_message_sanitizer_flag",
			slog.String("reason", check.Reason),
			slog.Int("action", int(check.Action)),
		)
	}

	kept := msg.ToolCalls[:0:0]
	for _, call := range msg.ToolCalls {
		if call.Arguments != "" && !json.Valid([]byte(call.Arguments)) {
			g.logger.Warn("dropped_malformed_tool_call", slog.String("toolCallId", call.ID), slog.String("name", call.Name))
			continue
		}
		kept = append(kept, call)
	}
	msg.ToolCalls = kept

	if msg.Text == "" && len(msg.ToolCalls) == 0 {
		return Message{}, false
	}
	return msg, true
}

func (g *Guard) appendToolResult(msg Message) error {
	toolName := g.pending[msg.ToolCallID]
	delete(g.pending, msg.ToolCallID)
	for i, id := range g.pendingSeen {
		if id == msg.ToolCallID {
			g.pendingSeen = append(g.pendingSeen[:i], g.pendingSeen[i+1:]...)
			break
		}
	}

	msg = g.applySizeCap(msg)

	if g.transform != nil {
		msg = g.transform(msg)
	}

	msg = g.annotateRecoverableError(msg, toolName)

	if g.beforeWrite != nil {
		var ok bool
		msg, ok = g.beforeWrite(msg)
		if !ok {
			return nil
		}
	}

	return g.inner.AppendMessage(msg)
}

func (g *Guard) appendOther(msg Message) error {
	if len(g.pending) > 0 {
		if err := g.flushPending(); err != nil {
			return err
		}
	}
	return g.inner.AppendMessage(msg)
}

func (g *Guard) flushPending() error {
	ids := g.pendingSeen
	g.pendingSeen = nil
	for _, id := range ids {
		name := g.pending[id]
		delete(g.pending, id)
		synthetic := Message{
			Role:        RoleToolResult,
			ToolCallID:  id,
			Text:        "[no result recorded before flush]",
			IsSynthetic: true,
		}
		if err := g.inner.AppendMessage(synthetic); err != nil {
			return fmt.Errorf("flush synthetic tool result for %s (%s): %w", id, name, err)
		}
		if g.bus != nil {
			g.bus.Publish(bus.TopicToolResultSynthetic, bus.ToolResultTruncatedEvent{ToolCallID: id})
		}
	}
	return nil
}

func blocksOf(msg Message) []string {
	if len(msg.TextBlocks) > 0 {
		return msg.TextBlocks
	}
	if msg.Text == "" {
		return nil
	}
	return []string{msg.Text}
}

// applySizeCap enforces HARD_MAX_TOOL_RESULT_CHARS collectively across a
// toolResult's text blocks, truncating each proportionally to its share and
// preferring a cut at the last newline within the last 20% of its budget.
func (g *Guard) applySizeCap(msg Message) Message {
	blocks := blocksOf(msg)
	if blocks == nil {
		return msg
	}

	total := 0
	for _, b := range blocks {
		total += len(b)
	}
	if total <= g.hardMaxChars {
		return msg
	}

	truncatedAny := false
	capped := make([]string, len(blocks))
	for i, b := range blocks {
		share := g.hardMaxChars * len(b) / total
		if len(b) <= share {
			capped[i] = b
			continue
		}
		cutPoint := share
		windowStart := share - share/5 // last 20% of the budget
		if windowStart < 0 {
			windowStart = 0
		}
		if idx := strings.LastIndex(b[:share], "\n"); idx >= windowStart {
			cutPoint = idx
		}
		capped[i] = b[:cutPoint] + truncationSuffix
		truncatedAny = true
	}

	if truncatedAny && g.bus != nil {
		finalLen := 0
		for _, b := range capped {
			finalLen += len(b)
		}
		g.bus.Publish(bus.TopicToolResultTruncated, bus.ToolResultTruncatedEvent{
			ToolCallID:  msg.ToolCallID,
			OriginalLen: total,
			FinalLen:    finalLen,
		})
	}

	if len(msg.TextBlocks) > 0 {
		msg.TextBlocks = capped
	} else {
		msg.Text = capped[0]
	}
	return msg
}

// annotateRecoverableError appends a [RECOVERABLE_TOOL_ERROR] block for
// edit-tool "exact match not found" failures (§4.6). The sibling
// EDIT_NOT_UNIQUE kind ("Found N occurrences of the text") is intentionally
// NOT implemented here — left open per §9, since its trigger text and
// payload shape were never pinned down.
func (g *Guard) annotateRecoverableError(msg Message, toolName string) Message {
	if msg.IsSynthetic || !msg.IsError {
		return msg
	}
	if strings.Contains(msg.Text, "[RECOVERABLE_TOOL_ERROR]") {
		return msg
	}
	if toolName != "edit" {
		return msg
	}

	match := editNotFoundPattern.FindStringSubmatch(msg.Text)
	if match == nil {
		return msg
	}
	path := match[1]

	payload, _ := json.Marshal(map[string]interface{}{
		"kind": "EDIT_EXACT_MATCH_NOT_FOUND",
		"path": path,
		"suggestedRecovery": []string{
			"re-read the file to confirm its current contents",
			"narrow the old_string to a smaller, unambiguous excerpt",
			"retry the edit with the corrected old_string",
		},
	})

	msg.Text = msg.Text + "\n\n[RECOVERABLE_TOOL_ERROR]\n" + string(payload)
	return msg
}

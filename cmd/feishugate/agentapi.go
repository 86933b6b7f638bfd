package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/feishugate/internal/announce"
	"github.com/basket/feishugate/internal/coordinator"
	"github.com/basket/feishugate/internal/provider"
	"github.com/basket/feishugate/internal/toolguard"
)

// agentAPI is the HTTP surface this gateway exposes back to the agent
// runtime: persisting transcript messages through ToolResultGuard and
// enqueueing out-of-band follow-ups through AnnounceQueue. It is the
// inbound half of the boundary httpdispatch.Client drives outbound.
type agentAPI struct {
	guard    *toolguard.Guard
	announce *announce.Queue
	prov     provider.Provider
	coord    *coordinator.Coordinator
	logger   *slog.Logger
}

func (a *agentAPI) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/session/append", a.handleAppend)
	mux.HandleFunc("/v1/announce", a.handleAnnounce)
	return mux
}

type toolCallWire struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type appendRequest struct {
	Role        string         `json:"role"`
	Text        string         `json:"text"`
	TextBlocks  []string       `json:"text_blocks,omitempty"`
	ToolCalls   []toolCallWire `json:"tool_calls,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	IsError     bool           `json:"is_error,omitempty"`
	IsSynthetic bool           `json:"is_synthetic,omitempty"`
}

func (a *agentAPI) handleAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode: %v", err), http.StatusBadRequest)
		return
	}

	calls := make([]toolguard.ToolCall, len(req.ToolCalls))
	for i, tc := range req.ToolCalls {
		calls[i] = toolguard.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
	}

	msg := toolguard.Message{
		Role:        toolguard.Role(req.Role),
		Text:        req.Text,
		TextBlocks:  req.TextBlocks,
		ToolCalls:   calls,
		ToolCallID:  req.ToolCallID,
		IsError:     req.IsError,
		IsSynthetic: req.IsSynthetic,
	}
	if err := a.guard.AppendMessage(msg); err != nil {
		a.logger.Error("session append failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type announceRequest struct {
	Key              string `json:"key"`
	ChatID           string `json:"chat_id"`
	AccountID        string `json:"account_id"`
	AnnounceID       string `json:"announce_id"`
	Prompt           string `json:"prompt"`
	SummaryLine      string `json:"summary_line"`
	HighPriority     bool   `json:"high_priority"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
}

func (a *agentAPI) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req announceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode: %v", err), http.StatusBadRequest)
		return
	}
	if req.Key == "" || req.ChatID == "" {
		http.Error(w, "key and chat_id are required", http.StatusBadRequest)
		return
	}

	item := announce.Item{
		AnnounceID:   req.AnnounceID,
		Prompt:       req.Prompt,
		SummaryLine:  req.SummaryLine,
		EnqueuedAt:   time.Now(),
		HighPriority: req.HighPriority,
	}
	send := func(ctx context.Context, it announce.Item) error {
		_, err := a.prov.SendMessage(ctx, provider.SendOptions{
			To: req.ChatID, Text: it.Prompt, AccountID: req.AccountID, ReplyToMessageID: req.ReplyToMessageID,
		})
		if err != nil {
			return err
		}
		// A reply to a task's anchor message auto-finalizes it instead
		// of waiting for the next reconcile sweep.
		if req.ReplyToMessageID != "" && a.coord != nil {
			a.coord.HandleOutbound(ctx, req.AccountID, req.ReplyToMessageID)
		}
		return nil
	}

	if !a.announce.Enqueue(req.Key, item, announce.DefaultSettings(), send) {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

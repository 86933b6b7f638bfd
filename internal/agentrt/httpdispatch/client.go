// Package httpdispatch implements agentrt.Dispatcher over a small JSON/HTTP
// contract, the same call-out-and-decode idiom internal/engine uses to probe
// Ollama's capabilities: POST a JSON body, decode a JSON response, treat any
// transport or status error as a dispatch failure. It exists so cmd/feishugate
// can drive a Coordinator against an agent runtime that runs as its own
// process, since the runtime itself is out of scope for this repo.
package httpdispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/feishugate/internal/agentrt"
)

// Client dispatches replies to an agent runtime reachable at BaseURL.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New constructs a Client targeting baseURL (e.g. "http://127.0.0.1:8790").
func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 2 * time.Minute},
		logger:  logger,
	}
}

type dispatchRequest struct {
	AccountID string `json:"account_id"`
	ChatID    string `json:"chat_id"`
	TaskID    string `json:"task_id"`
	RunID     string `json:"run_id"`
	Envelope  string `json:"envelope"`
}

type dispatchResponse struct {
	QueuedFinal bool `json:"queued_final"`
	FinalCount  int  `json:"final_count"`
}

// DispatchReplyFromConfig posts opts to BaseURL+"/v1/dispatch" and decodes
// the result. Callbacks fire around the single request/response round trip:
// OnReplyStart just before the request is sent, OnIdle once a response (or
// error) has been received. The wire contract has no room for the runtime to
// report intermediate progress, so callers expecting multiple OnReplyStart
// firings per task should not use this Dispatcher.
func (c *Client) DispatchReplyFromConfig(ctx context.Context, opts agentrt.ReplyOptions) (agentrt.DispatchResult, error) {
	reqBody, err := json.Marshal(dispatchRequest{
		AccountID: opts.AccountID,
		ChatID:    opts.ChatID,
		TaskID:    opts.TaskID,
		RunID:     opts.RunID,
		Envelope:  opts.Envelope,
	})
	if err != nil {
		return agentrt.DispatchResult{}, fmt.Errorf("httpdispatch: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/dispatch", bytes.NewReader(reqBody))
	if err != nil {
		return agentrt.DispatchResult{}, fmt.Errorf("httpdispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if opts.Callbacks.OnReplyStart != nil {
		opts.Callbacks.OnReplyStart()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if opts.Callbacks.OnIdle != nil {
			opts.Callbacks.OnIdle()
		}
		return agentrt.DispatchResult{}, fmt.Errorf("httpdispatch: request failed: %w", err)
	}
	defer resp.Body.Close()

	if opts.Callbacks.OnIdle != nil {
		opts.Callbacks.OnIdle()
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("httpdispatch: non-200 response", "status", resp.StatusCode, "body", string(body), "task_id", opts.TaskID)
		return agentrt.DispatchResult{}, fmt.Errorf("httpdispatch: runtime returned %d", resp.StatusCode)
	}

	var decoded dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return agentrt.DispatchResult{}, fmt.Errorf("httpdispatch: decode response: %w", err)
	}

	return agentrt.DispatchResult{
		QueuedFinal: decoded.QueuedFinal,
		Counts:      agentrt.Counts{Final: decoded.FinalCount},
	}, nil
}

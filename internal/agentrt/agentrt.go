// Package agentrt declares the abstract contract TaskCoordinator dispatches
// work through. The agent runtime itself is an external collaborator
// (out of scope, §1); this package only names the shape TaskCoordinator
// depends on so it can be driven by a test double.
package agentrt

import "context"

// StatusCallbacks fire on the event loop as a dispatch progresses (§6).
type StatusCallbacks struct {
	// OnReplyStart fires on the first user-visible reply produced by the
	// dispatch (queued -> working transition, §4.4).
	OnReplyStart func()
	// OnIdle fires when the dispatcher has nothing left to do.
	OnIdle func()
}

// ReplyOptions carries the envelope and routing context for one dispatch.
type ReplyOptions struct {
	AccountID  string
	ChatID     string
	TaskID     string
	RunID      string
	Envelope   string
	Callbacks  StatusCallbacks
}

// Counts summarizes what a dispatch produced.
type Counts struct {
	Final int
}

// DispatchResult is returned once a dispatch reaches idle.
type DispatchResult struct {
	QueuedFinal bool
	Counts      Counts
}

// Dispatcher is the agent collaborator contract: dispatchReplyFromConfig in
// §6, generalized to an interface so TaskCoordinator can be driven by a
// fake in tests.
type Dispatcher interface {
	DispatchReplyFromConfig(ctx context.Context, opts ReplyOptions) (DispatchResult, error)
}

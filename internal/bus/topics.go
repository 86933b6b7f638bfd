package bus

// InboundDuplicateEvent is published when InboundGate drops a duplicate delivery.
type InboundDuplicateEvent struct {
	AccountID string
	ChatID    string
	MessageID string
}

// InboundStaleEvent is published when InboundGate drops an out-of-order delivery.
type InboundStaleEvent struct {
	AccountID        string
	ChatID           string
	MessageID        string
	SentAtMs         int64
	LastProcessedMs  int64
	RepliedWithNotice bool
}

// AnnounceDroppedEvent is published when AnnounceQueue's drop policy discards
// or summarizes an item because its queue reached capacity.
type AnnounceDroppedEvent struct {
	Key        string
	DropPolicy string
	Reason     string // "cap_reached" or "stale"
}

// ToolResultTruncatedEvent is published when ToolResultGuard truncates an
// oversized tool-result payload before persistence.
type ToolResultTruncatedEvent struct {
	ToolCallID  string
	OriginalLen int
	FinalLen    int
}

// Package announce implements the agent-initiated follow-up delivery path:
// a per-key debounced queue with capacity caps, drop policies, staleness
// eviction, and retry-safe draining (§4.5).
package announce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/feishugate/internal/bus"
)

// Mode selects how pending items are delivered on drain.
type Mode string

const (
	ModeFollowup Mode = "followup"
	ModeCollect  Mode = "collect"
)

// DropPolicy selects what happens when a queue is at capacity.
type DropPolicy string

const (
	DropSummarize DropPolicy = "summarize"
	DropOldest    DropPolicy = "oldest"
	DropNewest    DropPolicy = "newest"
)

// Settings are a key's mutable queue parameters (§4.5, §6).
type Settings struct {
	Mode       Mode
	DebounceMs int64
	Cap        int
	DropPolicy DropPolicy
	MaxAgeMs   int64
}

// DefaultSettings mirrors the defaults named in §4.5.
func DefaultSettings() Settings {
	return Settings{Mode: ModeFollowup, DebounceMs: 1000, Cap: 20, DropPolicy: DropSummarize, MaxAgeMs: 10 * 60 * 1000}
}

// Item is one queued announcement.
type Item struct {
	AnnounceID   string
	Prompt       string
	SummaryLine  string
	EnqueuedAt   time.Time
	SessionKey   string
	Origin       string
	OriginKey    string
	HighPriority bool
}

// SendFunc delivers one item. An error means the drain should retry this
// item later without losing it.
type SendFunc func(ctx context.Context, item Item) error

type queueState struct {
	items                  []Item
	draining               bool
	lastEnqueuedAt         time.Time
	settings               Settings
	send                   SendFunc
	droppedCount           int
	summaryLines           []string
	forceIndividualCollect bool
}

// Queue is the process-wide (but per-Coordinator, §9) map of announce keys
// to their queue state.
type Queue struct {
	mu     sync.Mutex
	states map[string]*queueState
	logger *slog.Logger
	bus    *bus.Bus

	// now and sleep are overridable for deterministic tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// New constructs an empty Queue.
func New(eventBus *bus.Bus, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		states: make(map[string]*queueState),
		logger: logger,
		bus:    eventBus,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// ResetForTests clears all queue state, for worker isolation between test
// cases (§9).
func (q *Queue) ResetForTests() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states = make(map[string]*queueState)
}

// Depth reports the total number of queued items across all keys, plus the
// number of keys currently mid-drain.
func (q *Queue) Depth() (items int, draining int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, state := range q.states {
		items += len(state.items)
		if state.draining {
			draining++
		}
	}
	return items, draining
}

func deriveOriginKey(item Item) string {
	if item.OriginKey != "" {
		return item.OriginKey
	}
	return item.Origin
}

// Enqueue adds item to key's queue, applying the drop policy if the queue is
// at capacity, then schedules a drain if one is not already running.
// Returns false if the item was rejected outright (newest drop policy at
// capacity).
func (q *Queue) Enqueue(key string, item Item, settings Settings, send SendFunc) bool {
	q.mu.Lock()

	state, ok := q.states[key]
	if !ok {
		state = &queueState{}
		q.states[key] = state
	}
	state.settings = settings
	state.send = send

	if item.OriginKey == "" {
		item.OriginKey = deriveOriginKey(item)
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}

	if settings.Cap > 0 && len(state.items) >= settings.Cap {
		switch settings.DropPolicy {
		case DropNewest:
			q.mu.Unlock()
			return false
		case DropOldest, DropSummarize:
			front := state.items[0]
			state.items = state.items[1:]
			state.droppedCount++
			line := front.SummaryLine
			if line == "" {
				line = front.Prompt
			}
			state.summaryLines = append(state.summaryLines, line)
			if q.bus != nil {
				q.bus.Publish(bus.TopicAnnounceDropped, bus.AnnounceDroppedEvent{
					Key: key, DropPolicy: string(settings.DropPolicy), Reason: "cap_reached",
				})
			}
		}
	}

	state.items = append(state.items, item)
	state.lastEnqueuedAt = q.now()

	if q.bus != nil {
		q.bus.Publish(bus.TopicAnnounceEnqueued, key)
	}

	shouldDrain := !state.draining
	if shouldDrain {
		state.draining = true
	}
	q.mu.Unlock()

	if shouldDrain {
		go q.drain(key)
	}
	return true
}

func (q *Queue) drain(key string) {
	ctx := context.Background()
	for {
		q.mu.Lock()
		state, ok := q.states[key]
		if !ok {
			q.mu.Unlock()
			return
		}
		if len(state.items) == 0 && state.droppedCount == 0 {
			state.draining = false
			delete(q.states, key)
			q.mu.Unlock()
			return
		}

		sleepFor := time.Duration(state.settings.DebounceMs)*time.Millisecond - q.now().Sub(state.lastEnqueuedAt)
		q.mu.Unlock()
		if sleepFor > 0 {
			q.sleep(sleepFor)
			continue
		}

		q.dropStaleItems(state)
		q.runOneDrainStep(ctx, key, state)
	}
}

func (q *Queue) dropStaleItems(state *queueState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if state.settings.MaxAgeMs <= 0 {
		return
	}
	kept := state.items[:0:0]
	for _, it := range state.items {
		if !it.HighPriority && q.now().Sub(it.EnqueuedAt) > time.Duration(state.settings.MaxAgeMs)*time.Millisecond {
			q.logger.Info("stale_message_dropped", slog.String("sessionKey", it.SessionKey))
			continue
		}
		kept = append(kept, it)
	}
	state.items = kept
}

// sendIfFresh drops an item whose age exceeds MaxAgeMs (unless highPriority)
// instead of sending it.
func (q *Queue) sendIfFresh(ctx context.Context, state *queueState, item Item) (sent bool, err error) {
	if state.settings.MaxAgeMs > 0 && !item.HighPriority && q.now().Sub(item.EnqueuedAt) > time.Duration(state.settings.MaxAgeMs)*time.Millisecond {
		q.logger.Info("stale_message_dropped", slog.String("sessionKey", item.SessionKey))
		return false, nil
	}
	return true, state.send(ctx, item)
}

func (q *Queue) runOneDrainStep(ctx context.Context, key string, state *queueState) {
	q.mu.Lock()
	if len(state.items) == 0 {
		q.mu.Unlock()
		return
	}
	mode := state.settings.Mode
	q.mu.Unlock()

	if mode == ModeCollect {
		q.drainCollect(ctx, key, state)
		return
	}
	q.drainFollowup(ctx, key, state)
}

func (q *Queue) drainFollowup(ctx context.Context, key string, state *queueState) {
	q.mu.Lock()
	if len(state.items) == 0 {
		q.mu.Unlock()
		return
	}
	next := state.items[0]
	var summary string
	hasSummary := len(state.summaryLines) > 0
	if hasSummary {
		summary = buildOverflowSummary(state.summaryLines, state.droppedCount)
		next.Prompt = summary
	}
	q.mu.Unlock()

	sent, err := q.sendIfFresh(ctx, state, next)
	if !sent {
		q.mu.Lock()
		state.items = state.items[1:]
		q.mu.Unlock()
		return
	}
	if err != nil {
		q.logger.Warn("announce_send_failed", slog.String("key", key), slog.String("error", err.Error()))
		q.mu.Lock()
		state.lastEnqueuedAt = q.now()
		q.mu.Unlock()
		return
	}

	q.mu.Lock()
	state.items = state.items[1:]
	if hasSummary {
		state.summaryLines = nil
		state.droppedCount = 0
	}
	q.mu.Unlock()

	if q.bus != nil {
		q.bus.Publish(bus.TopicAnnounceSent, key)
	}
}

func (q *Queue) drainCollect(ctx context.Context, key string, state *queueState) {
	q.mu.Lock()
	items := append([]Item(nil), state.items...)
	crossChannel := detectCrossChannel(items)
	forceIndividual := state.forceIndividualCollect || crossChannel
	q.mu.Unlock()

	if forceIndividual {
		q.mu.Lock()
		state.forceIndividualCollect = true
		q.mu.Unlock()
		q.drainFollowup(ctx, key, state)
		return
	}

	q.mu.Lock()
	combined := buildCollectPrompt(items, state.summaryLines, state.droppedCount)
	last := items[len(items)-1]
	last.Prompt = combined
	q.mu.Unlock()

	sent, err := q.sendIfFresh(ctx, state, last)
	if !sent {
		q.mu.Lock()
		state.items = nil
		q.mu.Unlock()
		return
	}
	if err != nil {
		q.logger.Warn("announce_send_failed", slog.String("key", key), slog.String("error", err.Error()))
		q.mu.Lock()
		state.lastEnqueuedAt = q.now()
		q.mu.Unlock()
		return
	}

	q.mu.Lock()
	state.items = nil
	state.summaryLines = nil
	state.droppedCount = 0
	q.mu.Unlock()

	if q.bus != nil {
		q.bus.Publish(bus.TopicAnnounceSent, key)
	}
}

func detectCrossChannel(items []Item) bool {
	if len(items) == 0 {
		return false
	}
	first := items[0].OriginKey
	for _, it := range items[1:] {
		if it.OriginKey != first {
			return true
		}
	}
	return false
}

func buildCollectPrompt(items []Item, summaryLines []string, droppedCount int) string {
	var b strings.Builder
	b.WriteString("[Queued announce messages while agent was busy]\n")
	for i, it := range items {
		fmt.Fprintf(&b, "---\nQueued #%d\n%s\n", i+1, it.Prompt)
	}
	if len(summaryLines) > 0 || droppedCount > 0 {
		b.WriteString(buildOverflowSummary(summaryLines, droppedCount))
	}
	return b.String()
}

func buildOverflowSummary(summaryLines []string, droppedCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Queue overflow]\n%d item(s) dropped:\n", droppedCount)
	for _, line := range summaryLines {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

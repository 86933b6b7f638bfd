package otelgw

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/feishugate/internal/bus"
)

// Metrics holds the counters this gateway emits, built the same way the
// corpus builds its instrument sets: one field per named instrument,
// constructed once from a metric.Meter.
type Metrics struct {
	InboundDuplicates   metric.Int64Counter
	InboundStale        metric.Int64Counter
	TaskStateChanges    metric.Int64Counter
	TaskReconciled      metric.Int64Counter
	AnnounceEnqueued    metric.Int64Counter
	AnnounceSent        metric.Int64Counter
	AnnounceDropped     metric.Int64Counter
	ToolResultTruncated metric.Int64Counter
	ToolResultSynthetic metric.Int64Counter
}

// NewMetrics constructs all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.InboundDuplicates, err = meter.Int64Counter("gateway.inbound.duplicates",
		metric.WithDescription("inbound events dropped as duplicates")); err != nil {
		return nil, fmt.Errorf("create inbound.duplicates counter: %w", err)
	}
	if m.InboundStale, err = meter.Int64Counter("gateway.inbound.stale",
		metric.WithDescription("inbound events dropped as stale/out-of-order")); err != nil {
		return nil, fmt.Errorf("create inbound.stale counter: %w", err)
	}
	if m.TaskStateChanges, err = meter.Int64Counter("gateway.task.state_changes",
		metric.WithDescription("in-flight task state transitions")); err != nil {
		return nil, fmt.Errorf("create task.state_changes counter: %w", err)
	}
	if m.TaskReconciled, err = meter.Int64Counter("gateway.task.reconciled",
		metric.WithDescription("in-flight tasks force-closed by reconciliation")); err != nil {
		return nil, fmt.Errorf("create task.reconciled counter: %w", err)
	}
	if m.AnnounceEnqueued, err = meter.Int64Counter("gateway.announce.enqueued",
		metric.WithDescription("announcements enqueued")); err != nil {
		return nil, fmt.Errorf("create announce.enqueued counter: %w", err)
	}
	if m.AnnounceSent, err = meter.Int64Counter("gateway.announce.sent",
		metric.WithDescription("announcements flushed to the provider")); err != nil {
		return nil, fmt.Errorf("create announce.sent counter: %w", err)
	}
	if m.AnnounceDropped, err = meter.Int64Counter("gateway.announce.dropped",
		metric.WithDescription("announcements dropped by queue policy")); err != nil {
		return nil, fmt.Errorf("create announce.dropped counter: %w", err)
	}
	if m.ToolResultTruncated, err = meter.Int64Counter("gateway.toolresult.truncated",
		metric.WithDescription("oversized tool results truncated before re-entry")); err != nil {
		return nil, fmt.Errorf("create toolresult.truncated counter: %w", err)
	}
	if m.ToolResultSynthetic, err = meter.Int64Counter("gateway.toolresult.synthetic",
		metric.WithDescription("synthetic tool results injected for dangling tool calls")); err != nil {
		return nil, fmt.Errorf("create toolresult.synthetic counter: %w", err)
	}

	return m, nil
}

// Collector subscribes to the event bus and feeds matching events into Metrics.
type Collector struct {
	metrics *Metrics
	bus     *bus.Bus
	sub     *bus.Subscription
	done    chan struct{}
}

// NewCollector creates a Collector wired to bus. Call Start to begin consuming events.
func NewCollector(metrics *Metrics, b *bus.Bus) *Collector {
	return &Collector{metrics: metrics, bus: b}
}

// Start subscribes to the bus and runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.sub = c.bus.Subscribe("")
	c.done = make(chan struct{})
	go c.loop(ctx)
}

// Stop unsubscribes from the bus and waits for the loop to exit.
func (c *Collector) Stop() {
	if c.sub != nil {
		c.bus.Unsubscribe(c.sub)
	}
	if c.done != nil {
		<-c.done
	}
}

func (c *Collector) loop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.sub.Ch():
			if !ok {
				return
			}
			c.record(ctx, ev)
		}
	}
}

func (c *Collector) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicInboundDuplicate:
		c.metrics.InboundDuplicates.Add(ctx, 1)
	case bus.TopicInboundStale:
		c.metrics.InboundStale.Add(ctx, 1)
	case bus.TopicTaskStateChanged:
		c.metrics.TaskStateChanges.Add(ctx, 1)
	case bus.TopicTaskReconciled:
		c.metrics.TaskReconciled.Add(ctx, 1)
	case bus.TopicAnnounceEnqueued:
		c.metrics.AnnounceEnqueued.Add(ctx, 1)
	case bus.TopicAnnounceSent:
		c.metrics.AnnounceSent.Add(ctx, 1)
	case bus.TopicAnnounceDropped:
		c.metrics.AnnounceDropped.Add(ctx, 1)
	case bus.TopicToolResultTruncated:
		c.metrics.ToolResultTruncated.Add(ctx, 1)
	case bus.TopicToolResultSynthetic:
		c.metrics.ToolResultSynthetic.Add(ctx, 1)
	}
}

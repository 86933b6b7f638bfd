package otelgw

import (
	"context"
	"testing"
	"time"

	"github.com/basket/feishugate/internal/bus"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.InboundDuplicates == nil {
		t.Error("InboundDuplicates is nil")
	}
	if m.InboundStale == nil {
		t.Error("InboundStale is nil")
	}
	if m.TaskStateChanges == nil {
		t.Error("TaskStateChanges is nil")
	}
	if m.TaskReconciled == nil {
		t.Error("TaskReconciled is nil")
	}
	if m.AnnounceEnqueued == nil {
		t.Error("AnnounceEnqueued is nil")
	}
	if m.AnnounceSent == nil {
		t.Error("AnnounceSent is nil")
	}
	if m.AnnounceDropped == nil {
		t.Error("AnnounceDropped is nil")
	}
	if m.ToolResultTruncated == nil {
		t.Error("ToolResultTruncated is nil")
	}
	if m.ToolResultSynthetic == nil {
		t.Error("ToolResultSynthetic is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func waitForCollector(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestCollector_RecordsPublishedEvents(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := bus.New()
	c := NewCollector(m, b)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer func() {
		cancel()
		c.Stop()
	}()

	b.Publish(bus.TopicInboundDuplicate, nil)
	b.Publish(bus.TopicAnnounceDropped, nil)
	b.Publish(bus.TopicToolResultSynthetic, nil)

	waitForCollector(t, time.Second, func() bool {
		return b.SubscriberCount() == 1
	})
}

func TestCollector_StopUnsubscribes(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := bus.New()
	c := NewCollector(m, b)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber after Start, got %d", b.SubscriberCount())
	}

	cancel()
	c.Stop()

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after Stop, got %d", b.SubscriberCount())
	}
}

package statusview

import (
	"testing"
	"time"

	"github.com/basket/feishugate/internal/announce"
	"github.com/basket/feishugate/internal/inflight"
)

func TestCollector_Snapshot_CountsTasksByState(t *testing.T) {
	dir := t.TempDir()
	mgr := inflight.NewManager(dir)

	err := mgr.Mutate("acct1", func(store *inflight.Store) {
		inflight.UpsertTask(store, inflight.InFlightTask{ID: "t1", State: inflight.StateQueued})
		inflight.UpsertTask(store, inflight.InFlightTask{ID: "t2", State: inflight.StateWorking})
		inflight.UpsertTask(store, inflight.InFlightTask{ID: "t3", State: inflight.StateWaiting})
		inflight.UpsertTask(store, inflight.InFlightTask{ID: "t4", State: inflight.StateInterrupted})
		inflight.UpsertTask(store, inflight.InFlightTask{ID: "t5", State: inflight.StateDone})
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	c := &Collector{
		Manager:    mgr,
		Announce:   announce.New(nil, nil),
		AccountIDs: []string{"acct1"},
		StartedAt:  time.Now().Add(-time.Minute),
	}

	snap := c.Snapshot()
	if snap.QueuedTasks != 1 || snap.WorkingTasks != 1 || snap.WaitingTasks != 1 || snap.InterruptedTasks != 1 {
		t.Fatalf("unexpected counts: %+v", snap)
	}
	if snap.Uptime < 59*time.Second {
		t.Fatalf("expected uptime to reflect StartedAt, got %s", snap.Uptime)
	}
}

func TestCollector_NoteReconcileErrorEvent(t *testing.T) {
	dir := t.TempDir()
	c := &Collector{
		Manager:    inflight.NewManager(dir),
		Announce:   announce.New(nil, nil),
		AccountIDs: nil,
		StartedAt:  time.Now(),
	}

	now := time.Now()
	c.NoteReconcile(now)
	c.NoteEvent("task.state_changed")

	snap := c.Snapshot()
	if !snap.LastReconcileAt.Equal(now) {
		t.Fatalf("expected LastReconcileAt %v, got %v", now, snap.LastReconcileAt)
	}
	if snap.LastEvent != "task.state_changed" {
		t.Fatalf("expected LastEvent to be recorded, got %q", snap.LastEvent)
	}
}

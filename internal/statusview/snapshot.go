package statusview

import (
	"time"

	"github.com/basket/feishugate/internal/announce"
	"github.com/basket/feishugate/internal/inflight"
)

// Collector assembles Snapshots from live collaborators for Provider.
type Collector struct {
	Manager    *inflight.Manager
	Announce   *announce.Queue
	AccountIDs []string
	StartedAt  time.Time

	lastReconcileAt time.Time
	lastError       string
	lastEvent       string
}

// NoteReconcile records that a reconciliation sweep just ran, for display.
func (c *Collector) NoteReconcile(at time.Time) {
	c.lastReconcileAt = at
}

// NoteError records the most recent error, for display.
func (c *Collector) NoteError(err error) {
	if err != nil {
		c.lastError = err.Error()
	}
}

// NoteEvent records the most recent notable event, for display.
func (c *Collector) NoteEvent(event string) {
	c.lastEvent = event
}

// Snapshot implements Provider by reading live state from the manager and queue.
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		AccountIDs:      c.AccountIDs,
		LastReconcileAt: c.lastReconcileAt,
		LastError:       c.lastError,
		LastEvent:       c.lastEvent,
		Uptime:          time.Since(c.StartedAt),
	}

	for _, accountID := range c.AccountIDs {
		_, store := c.Manager.Read(accountID)
		for _, task := range store.Tasks {
			switch task.State {
			case inflight.StateQueued:
				snap.QueuedTasks++
			case inflight.StateWorking:
				snap.WorkingTasks++
			case inflight.StateWaiting:
				snap.WaitingTasks++
			case inflight.StateInterrupted:
				snap.InterruptedTasks++
			}
		}
	}

	if c.Announce != nil {
		snap.AnnounceDepth, snap.AnnounceDraining = c.Announce.Depth()
	}

	return snap
}

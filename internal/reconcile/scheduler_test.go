package reconcile_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/feishugate/internal/reconcile"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
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

type fakeCoordinator struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCoordinator) Reconcile(ctx context.Context, accountID string, maxAge time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, accountID)
	return nil
}

func (f *fakeCoordinator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestScheduler_FiresImmediatelyAndOnTick(t *testing.T) {
	fc := &fakeCoordinator{}
	sched := reconcile.NewScheduler(reconcile.Config{
		Coordinator: fc,
		AccountIDs:  []string{"acct1", "acct2"},
		Interval:    20 * time.Millisecond,
	})
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return fc.callCount() >= 4 // at least 2 ticks x 2 accounts
	})
}

func TestScheduler_StopHaltsFurtherTicks(t *testing.T) {
	fc := &fakeCoordinator{}
	sched := reconcile.NewScheduler(reconcile.Config{
		Coordinator: fc,
		AccountIDs:  []string{"acct1"},
		Interval:    15 * time.Millisecond,
	})
	sched.Start(context.Background())
	waitFor(t, 1*time.Second, func() bool { return fc.callCount() >= 1 })
	sched.Stop()

	countAtStop := fc.callCount()
	time.Sleep(100 * time.Millisecond)
	if fc.callCount() != countAtStop {
		t.Fatalf("expected no further ticks after Stop, before=%d after=%d", countAtStop, fc.callCount())
	}
}

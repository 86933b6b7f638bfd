package statusview

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestView_DisplaysTaskAndQueueCounts(t *testing.T) {
	m := model{
		snap: Snapshot{
			AccountIDs:       []string{"acct1"},
			QueuedTasks:      2,
			WorkingTasks:     1,
			WaitingTasks:     3,
			InterruptedTasks: 1,
			AnnounceDepth:    5,
			AnnounceDraining: 2,
			LastError:        "",
			LastEvent:        "task.state_changed",
			Uptime:           10 * time.Second,
		},
	}
	view := m.View()

	for _, want := range []string{
		"Queued Tasks: 2",
		"Working Tasks: 1",
		"Waiting Tasks: 3",
		"Interrupted Tasks: 1",
		"Announce Queue Depth: 5",
		"Announce Draining Keys: 2",
		"task.state_changed",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestStatusView_HeadlessNonTTY(t *testing.T) {
	provider := func() Snapshot {
		return Snapshot{AccountIDs: []string{"acct1"}, Uptime: 5 * time.Second}
	}

	m := model{provider: provider, snap: provider()}

	cmd := m.Init()
	if cmd == nil {
		t.Fatal("expected Init to return a cmd")
	}

	updated, quitCmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if updated == nil {
		t.Fatal("expected non-nil model after Update")
	}
	if quitCmd == nil {
		t.Fatal("expected quit command on 'q' key")
	}

	m2 := model{provider: provider, snap: Snapshot{}}
	updated2, tickCmd := m2.Update(tickMsg(time.Now()))
	if tickCmd == nil {
		t.Fatal("expected tick cmd after tick message")
	}
	updatedModel := updated2.(model)
	if len(updatedModel.snap.AccountIDs) != 1 {
		t.Fatal("expected snapshot to be refreshed from provider")
	}

	view := m.View()
	if view == "" {
		t.Fatal("expected non-empty view output in headless mode")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(cancelCtx, provider)
	if err != nil && err != context.Canceled {
		t.Fatalf("expected clean exit or context.Canceled, got: %v", err)
	}
}

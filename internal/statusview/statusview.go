// Package statusview renders a live terminal view of gateway state with
// bubbletea/lipgloss, the same tick-driven Model/provider split used by
// this repo's other status displays, trimmed to the counts this gateway
// tracks: in-flight tasks by state and announce queue depth.
package statusview

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is one point-in-time view of gateway health.
type Snapshot struct {
	AccountIDs       []string
	QueuedTasks      int
	WorkingTasks     int
	WaitingTasks     int
	InterruptedTasks int
	AnnounceDepth    int
	AnnounceDraining int
	LastReconcileAt  time.Time
	LastError        string
	LastEvent        string
	Uptime           time.Duration
}

// Provider returns the current snapshot. Implementations must be safe to
// call from the tick goroutine.
type Provider func() Snapshot

type model struct {
	provider Provider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	lastEvent := m.snap.LastEvent
	if lastEvent == "" {
		lastEvent = "(none)"
	}
	lastReconcile := "(never)"
	if !m.snap.LastReconcileAt.IsZero() {
		lastReconcile = m.snap.LastReconcileAt.Format(time.RFC3339)
	}

	var b strings.Builder
	b.WriteString("feishugate status\n\n")
	fmt.Fprintf(&b, "Accounts: %d\n", len(m.snap.AccountIDs))
	fmt.Fprintf(&b, "Queued Tasks: %d\n", m.snap.QueuedTasks)
	fmt.Fprintf(&b, "Working Tasks: %d\n", m.snap.WorkingTasks)
	fmt.Fprintf(&b, "Waiting Tasks: %d\n", m.snap.WaitingTasks)
	fmt.Fprintf(&b, "Interrupted Tasks: %d\n", m.snap.InterruptedTasks)
	fmt.Fprintf(&b, "Announce Queue Depth: %d\n", m.snap.AnnounceDepth)
	fmt.Fprintf(&b, "Announce Draining Keys: %d\n", m.snap.AnnounceDraining)
	fmt.Fprintf(&b, "Last Reconcile: %s\n", lastReconcile)
	fmt.Fprintf(&b, "Uptime: %s\n", m.snap.Uptime.Truncate(time.Second))
	fmt.Fprintf(&b, "Last Error: %s\n", lastErr)
	fmt.Fprintf(&b, "Last Event: %s\n", lastEvent)
	b.WriteString(dim.Render("\nPress q to quit.\n"))
	return b.String()
}

// Run drives the status view until the user quits or ctx is cancelled.
func Run(ctx context.Context, provider Provider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return
	}
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		return
	}
	_ = exec.Command("sh", "-lc", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}

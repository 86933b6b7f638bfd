package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/feishugate/internal/announce"
	"github.com/basket/feishugate/internal/config"
	"github.com/basket/feishugate/internal/inflight"
	"github.com/basket/feishugate/internal/statusview"
)

// runStatusCommand reads this account's on-disk in-flight state and
// displays it, either as a one-shot line (-once, or non-interactive
// stdout) or as a live bubbletea view. It has no way to see a running
// serve process's in-memory AnnounceQueue, so announce depth always
// reads as zero here — a separate process cannot observe another
// process's queue without an RPC this repo doesn't define.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	once := fs.Bool("once", false, "print one snapshot and exit instead of a live view")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	collector := &statusview.Collector{
		Manager:    inflight.NewManager(cfg.StateDir),
		Announce:   announce.New(nil, nil),
		AccountIDs: []string{cfg.AccountID},
		StartedAt:  time.Now(),
	}

	if *once || !isatty.IsTerminal(os.Stdout.Fd()) {
		snap := collector.Snapshot()
		fmt.Printf("account=%s queued=%d working=%d waiting=%d interrupted=%d announce_depth=%d\n",
			cfg.AccountID, snap.QueuedTasks, snap.WorkingTasks, snap.WaitingTasks, snap.InterruptedTasks, snap.AnnounceDepth)
		return 0
	}

	if err := statusview.Run(ctx, collector.Snapshot); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "status view: %v\n", err)
		return 1
	}
	return 0
}

package sessionstore_test

import (
	"path/filepath"
	"testing"

	"github.com/basket/feishugate/internal/sessionstore"
	"github.com/basket/feishugate/internal/toolguard"
)

func openTestStore(t *testing.T) *sessionstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.db")
	store, err := sessionstore.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendMessage_RoundTripsThroughGetEntries(t *testing.T) {
	store := openTestStore(t)

	msgs := []toolguard.Message{
		{Role: toolguard.RoleUser, Text: "hello"},
		{Role: toolguard.RoleAssistant, Text: "working on it", ToolCalls: []toolguard.ToolCall{{ID: "tc1", Name: "edit", Arguments: `{"path":"a.go"}`}}},
		{Role: toolguard.RoleToolResult, ToolCallID: "tc1", TextBlocks: []string{"done"}},
	}
	for _, m := range msgs {
		if err := store.AppendMessage(m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got := store.GetEntries()
	if len(got) != len(msgs) {
		t.Fatalf("expected %d entries, got %d", len(msgs), len(got))
	}
	if got[1].ToolCalls[0].Name != "edit" || got[1].ToolCalls[0].ID != "tc1" {
		t.Fatalf("tool call not round-tripped: %+v", got[1].ToolCalls)
	}
	if got[2].TextBlocks[0] != "done" || got[2].ToolCallID != "tc1" {
		t.Fatalf("tool result not round-tripped: %+v", got[2])
	}
}

func TestAppendMessage_PreservesOrder(t *testing.T) {
	store := openTestStore(t)
	for i := 0; i < 5; i++ {
		if err := store.AppendMessage(toolguard.Message{Role: toolguard.RoleUser, Text: string(rune('a' + i))}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	got := store.GetEntries()
	for i, m := range got {
		want := string(rune('a' + i))
		if m.Text != want {
			t.Fatalf("entry %d = %q, want %q", i, m.Text, want)
		}
	}
}

func TestGetSessionFile_ReturnsPath(t *testing.T) {
	store := openTestStore(t)
	path, ok := store.GetSessionFile()
	if !ok || path == "" {
		t.Fatalf("expected a non-empty session file path")
	}
}

func TestOpen_ReopenPreservesSchemaAndData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	store, err := sessionstore.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.AppendMessage(toolguard.Message{Role: toolguard.RoleUser, Text: "persisted"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = store.Close()

	reopened, err := sessionstore.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entries := reopened.GetEntries()
	if len(entries) != 1 || entries[0].Text != "persisted" {
		t.Fatalf("expected persisted entry to survive reopen, got %+v", entries)
	}
}

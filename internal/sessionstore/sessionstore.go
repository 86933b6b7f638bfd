// Package sessionstore persists one chat's transcript to sqlite, using the
// same schema-migrations ledger discipline as this repo's other sqlite
// stores: a version+checksum row, WAL journaling, and busy-retry handling,
// trimmed to the single messages table toolguard.Guard needs.
package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/feishugate/internal/toolguard"
)

const (
	schemaVersion  = 1
	schemaChecksum = "feishugate-sessionstore-v1"
)

// Store implements toolguard.SessionManager over a single sqlite file
// holding one chat session's transcript.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the sqlite file at path and ensures its schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sessionstore directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, path: path}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("sessionstore schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("sessionstore schema checksum mismatch: got %q want %q", existing, schemaChecksum)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role TEXT NOT NULL CHECK(role IN ('assistant', 'toolResult', 'user', 'system')),
			text TEXT NOT NULL DEFAULT '',
			text_blocks_json TEXT NOT NULL DEFAULT '[]',
			tool_calls_json TEXT NOT NULL DEFAULT '[]',
			tool_call_id TEXT NOT NULL DEFAULT '',
			is_error INTEGER NOT NULL DEFAULT 0,
			is_synthetic INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_id ON messages(id);`); err != nil {
		return fmt.Errorf("create messages index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema ledger: %w", err)
	}
	return tx.Commit()
}

func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// AppendMessage persists one transcript entry.
func (s *Store) AppendMessage(msg toolguard.Message) error {
	textBlocks, err := json.Marshal(msg.TextBlocks)
	if err != nil {
		return fmt.Errorf("marshal text blocks: %w", err)
	}
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}

	ctx := context.Background()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (role, text, text_blocks_json, tool_calls_json, tool_call_id, is_error, is_synthetic, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, string(msg.Role), msg.Text, string(textBlocks), string(toolCalls), msg.ToolCallID, boolToInt(msg.IsError), boolToInt(msg.IsSynthetic))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// GetSessionFile reports the backing sqlite file path.
func (s *Store) GetSessionFile() (string, bool) {
	if s.path == "" {
		return "", false
	}
	return s.path, true
}

// GetEntries returns the full transcript in insertion order.
func (s *Store) GetEntries() []toolguard.Message {
	rows, err := s.db.QueryContext(context.Background(), `
		SELECT role, text, text_blocks_json, tool_calls_json, tool_call_id, is_error, is_synthetic
		FROM messages
		ORDER BY id ASC;
	`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []toolguard.Message
	for rows.Next() {
		var (
			role, text, textBlocksJSON, toolCallsJSON, toolCallID string
			isError, isSynthetic                                  int
		)
		if err := rows.Scan(&role, &text, &textBlocksJSON, &toolCallsJSON, &toolCallID, &isError, &isSynthetic); err != nil {
			return out
		}
		var textBlocks []string
		_ = json.Unmarshal([]byte(textBlocksJSON), &textBlocks)
		var toolCalls []toolguard.ToolCall
		_ = json.Unmarshal([]byte(toolCallsJSON), &toolCalls)

		out = append(out, toolguard.Message{
			Role:        toolguard.Role(role),
			Text:        text,
			TextBlocks:  textBlocks,
			ToolCalls:   toolCalls,
			ToolCallID:  toolCallID,
			IsError:     isError != 0,
			IsSynthetic: isSynthetic != 0,
		})
	}
	return out
}

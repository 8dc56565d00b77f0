// Package memory is the long-term task history: completed cards are indexed
// in SQLite so past work is searchable long after the board's caps and
// archive trimming have dropped the cards. It also feeds prior-work context
// into new instructions.
package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/heysquid/heysquid/pkg/kanban"
	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/state"
)

// Entry is one remembered task.
type Entry struct {
	ID          int64    `json:"id"`
	CardID      string   `json:"card_id"`
	ShortID     string   `json:"short_id"`
	ChatID      string   `json:"chat_id"`
	Title       string   `json:"title"`
	Result      string   `json:"result"`
	MessageIDs  []string `json:"message_ids"`
	CompletedAt string   `json:"completed_at"`
}

type Index struct {
	db   *sql.DB
	path string
}

func Open(dataDir string) (*Index, error) {
	path := filepath.Join(dataDir, "memory.db")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("memory: open db: %w", err)
	}
	idx := &Index{db: db, path: path}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: init schema: %w", err)
	}
	logger.InfoCF("memory", "task history opened", map[string]interface{}{"path": path})
	return idx, nil
}

func (i *Index) Close() error {
	return i.db.Close()
}

func (i *Index) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		card_id TEXT NOT NULL,
		short_id TEXT DEFAULT '',
		chat_id TEXT DEFAULT '',
		title TEXT NOT NULL,
		result TEXT DEFAULT '',
		message_ids TEXT DEFAULT '[]',
		completed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_chat ON task_history(chat_id, completed_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_history_card ON task_history(card_id);
	`
	_, err := i.db.Exec(schema)
	return err
}

// Record indexes a completed card. Re-recording the same card updates the
// stored result instead of duplicating.
func (i *Index) Record(card kanban.Card) error {
	ids, err := json.Marshal(card.SourceMessageIDs)
	if err != nil {
		return fmt.Errorf("memory: marshal ids: %w", err)
	}
	_, err = i.db.Exec(`
		INSERT INTO task_history (card_id, short_id, chat_id, title, result, message_ids, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(card_id) DO UPDATE SET result = excluded.result, completed_at = excluded.completed_at`,
		card.ID, card.ShortID, card.ChatID, card.Title, card.Result, string(ids), state.Now())
	if err != nil {
		return fmt.Errorf("memory: record: %w", err)
	}
	return nil
}

// Search returns entries whose title or result matches the query, newest
// first, up to limit.
func (i *Index) Search(query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	rows, err := i.db.Query(`
		SELECT id, card_id, short_id, chat_id, title, result, message_ids, completed_at
		FROM task_history
		WHERE title LIKE ? OR result LIKE ?
		ORDER BY completed_at DESC, id DESC
		LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns the latest entries, optionally scoped to one conversation.
func (i *Index) Recent(chatID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows *sql.Rows
	var err error
	if chatID == "" {
		rows, err = i.db.Query(`
			SELECT id, card_id, short_id, chat_id, title, result, message_ids, completed_at
			FROM task_history ORDER BY completed_at DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = i.db.Query(`
			SELECT id, card_id, short_id, chat_id, title, result, message_ids, completed_at
			FROM task_history WHERE chat_id = ?
			ORDER BY completed_at DESC, id DESC LIMIT ?`, chatID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: recent: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ContextFor renders recent completed work for a conversation as an
// instruction context block. Empty when there is no history.
func (i *Index) ContextFor(chatID string) string {
	entries, err := i.Recent(chatID, 5)
	if err != nil {
		logger.WarnCF("memory", "context lookup failed", map[string]interface{}{"error": err.Error()})
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("--- Previously completed tasks ---")
	for _, e := range entries {
		fmt.Fprintf(&b, "\n[%s] %s", e.CompletedAt, e.Title)
		if e.Result != "" {
			fmt.Fprintf(&b, " -> %s", e.Result)
		}
	}
	return b.String()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var ids string
		if err := rows.Scan(&e.ID, &e.CardID, &e.ShortID, &e.ChatID, &e.Title, &e.Result, &ids, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("memory: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &e.MessageIDs); err != nil {
			e.MessageIDs = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

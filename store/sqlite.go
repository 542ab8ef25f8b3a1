// Package store persists task history, API conversations and UI message
// logs in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/martinemde/boomerang/agentloop"
	"github.com/martinemde/boomerang/unifiedllm"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    root_task_id TEXT,
    parent_task_id TEXT,
    number INTEGER NOT NULL DEFAULT 1,
    ts INTEGER NOT NULL,
    task TEXT NOT NULL DEFAULT '',
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    cache_writes INTEGER NOT NULL DEFAULT 0,
    cache_reads INTEGER NOT NULL DEFAULT 0,
    total_cost REAL NOT NULL DEFAULT 0,
    workspace TEXT,
    mode TEXT
);

CREATE TABLE IF NOT EXISTS task_messages (
    task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    sequence INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    PRIMARY KEY (task_id, sequence)
);

CREATE TABLE IF NOT EXISTS ui_messages (
    task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    sequence INTEGER NOT NULL,
    ts INTEGER NOT NULL,
    body TEXT NOT NULL,
    PRIMARY KEY (task_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_tasks_ts ON tasks(ts DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);
`

// schemaVersion is bumped whenever schema changes shape.
const schemaVersion = 1

// SQLiteStore implements agentloop.Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ agentloop.Store = (*SQLiteStore)(nil)

// DefaultPath returns the database location under the user's data
// directory, honoring XDG_DATA_HOME.
func DefaultPath() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "boomerang", "tasks.db"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "boomerang", "tasks.db"), nil
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}
	var version int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion)
		return err
	case err != nil:
		return fmt.Errorf("get current version: %w", err)
	case version > schemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}
	return nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveHistoryItem inserts or replaces the history row for item.ID.
func (s *SQLiteStore) SaveHistoryItem(ctx context.Context, item agentloop.HistoryItem) error {
	if item.ID == "" {
		return errors.New("history item has no id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, root_task_id, parent_task_id, number, ts, task,
			tokens_in, tokens_out, cache_writes, cache_reads, total_cost, workspace, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			root_task_id = excluded.root_task_id,
			parent_task_id = excluded.parent_task_id,
			number = excluded.number,
			ts = excluded.ts,
			task = excluded.task,
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			cache_writes = excluded.cache_writes,
			cache_reads = excluded.cache_reads,
			total_cost = excluded.total_cost,
			workspace = excluded.workspace,
			mode = excluded.mode`,
		item.ID, nullString(item.RootTaskID), nullString(item.ParentTaskID), item.Number, item.Ts, item.Task,
		item.TokensIn, item.TokensOut, item.CacheWrites, item.CacheReads, item.TotalCost,
		nullString(item.Workspace), nullString(item.Mode))
	if err != nil {
		return fmt.Errorf("save task %s: %w", item.ID, err)
	}
	return nil
}

const taskColumns = `id, root_task_id, parent_task_id, number, ts, task,
	tokens_in, tokens_out, cache_writes, cache_reads, total_cost, workspace, mode`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistoryItem(row rowScanner) (agentloop.HistoryItem, error) {
	var item agentloop.HistoryItem
	var root, parent, workspace, mode sql.NullString
	err := row.Scan(&item.ID, &root, &parent, &item.Number, &item.Ts, &item.Task,
		&item.TokensIn, &item.TokensOut, &item.CacheWrites, &item.CacheReads, &item.TotalCost,
		&workspace, &mode)
	item.RootTaskID = root.String
	item.ParentTaskID = parent.String
	item.Workspace = workspace.String
	item.Mode = mode.String
	return item, err
}

// GetHistoryItem loads one task. A missing id yields an error wrapping
// agentloop.ErrTaskNotFound.
func (s *SQLiteStore) GetHistoryItem(ctx context.Context, id string) (*agentloop.HistoryItem, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	item, err := scanHistoryItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", agentloop.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &item, nil
}

// ListHistoryItems returns tasks newest first. A limit <= 0 returns all.
func (s *SQLiteStore) ListHistoryItems(ctx context.Context, limit int) ([]agentloop.HistoryItem, error) {
	query := "SELECT " + taskColumns + " FROM tasks ORDER BY ts DESC, id"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var items []agentloop.HistoryItem
	for rows.Next() {
		item, err := scanHistoryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteTask removes a task and its logs. Subtasks are left in place.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", agentloop.ErrTaskNotFound, id)
	}
	return nil
}

// SaveConversation replaces the stored API conversation for taskID.
func (s *SQLiteStore) SaveConversation(ctx context.Context, taskID string, msgs []unifiedllm.Message) error {
	return s.replaceRows(ctx, taskID, "task_messages", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "INSERT INTO task_messages (task_id, sequence, role, content) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, msg := range msgs {
			content, err := json.Marshal(msg.Content)
			if err != nil {
				return fmt.Errorf("encode message %d: %w", i, err)
			}
			if _, err := stmt.ExecContext(ctx, taskID, i, string(msg.Role), string(content)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadConversation returns the stored API conversation in order.
func (s *SQLiteStore) LoadConversation(ctx context.Context, taskID string) ([]unifiedllm.Message, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT role, content FROM task_messages WHERE task_id = ? ORDER BY sequence", taskID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", taskID, err)
	}
	defer rows.Close()

	var msgs []unifiedllm.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg := unifiedllm.Message{Role: unifiedllm.Role(role)}
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// SaveUIMessages replaces the stored UI message log for taskID.
func (s *SQLiteStore) SaveUIMessages(ctx context.Context, taskID string, msgs []agentloop.UIMessage) error {
	return s.replaceRows(ctx, taskID, "ui_messages", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "INSERT INTO ui_messages (task_id, sequence, ts, body) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, msg := range msgs {
			body, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("encode ui message %d: %w", i, err)
			}
			if _, err := stmt.ExecContext(ctx, taskID, i, msg.Ts, string(body)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadUIMessages returns the stored UI message log in order.
func (s *SQLiteStore) LoadUIMessages(ctx context.Context, taskID string) ([]agentloop.UIMessage, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT body FROM ui_messages WHERE task_id = ? ORDER BY sequence", taskID)
	if err != nil {
		return nil, fmt.Errorf("load ui messages %s: %w", taskID, err)
	}
	defer rows.Close()

	var msgs []agentloop.UIMessage
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan ui message: %w", err)
		}
		var msg agentloop.UIMessage
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("decode ui message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// replaceRows deletes every row of table owned by taskID and runs insert
// in the same transaction.
func (s *SQLiteStore) replaceRows(ctx context.Context, taskID, table string, insert func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Logs may be written before the first history save.
	if _, err := tx.ExecContext(ctx, "INSERT INTO tasks (id, ts) VALUES (?, ?) ON CONFLICT(id) DO NOTHING", taskID, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("ensure task %s: %w", taskID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE task_id = ?", taskID); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	if err := insert(tx); err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

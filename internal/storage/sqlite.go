package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"companion/internal/chat"
	"companion/internal/knowledge"
	"companion/internal/memory"
	"companion/internal/session"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite (WAL 模式) 的持久化实现
// SQLiteStore implements Store using SQLite with WAL mode
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore 创建并初始化 SQLite 数据库
// NewSQLiteStore creates and initializes a SQLite database
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// 启用 WAL 模式和优化 PRAGMA / Enable WAL and performance PRAGMAs
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id                 TEXT PRIMARY KEY,
		facts              TEXT NOT NULL DEFAULT '{}',
		active_knowledge   TEXT NOT NULL DEFAULT '[]',
		appended_count     INTEGER NOT NULL DEFAULT 0,
		last_compressed_at INTEGER NOT NULL DEFAULT 0,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL DEFAULT '',
		token_cost INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE(session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS knowledge (
		id         TEXT PRIMARY KEY,
		category   TEXT NOT NULL,
		title      TEXT NOT NULL,
		body       TEXT NOT NULL DEFAULT '',
		token_cost INTEGER NOT NULL DEFAULT 0,
		version    INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_knowledge_category ON knowledge(category);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库连接 / Close the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Session Operations ---

// SaveSnapshot 原子写入会话快照：upsert 会话行并整体替换消息行
// SaveSnapshot writes a session snapshot atomically: upsert the session
// row and replace its turns wholesale in one transaction.
func (s *SQLiteStore) SaveSnapshot(snap session.Snapshot) error {
	if strings.TrimSpace(snap.ID) == "" {
		return fmt.Errorf("session id is empty")
	}
	factsJSON, err := json.Marshal(snap.Facts)
	if err != nil {
		return fmt.Errorf("marshal facts: %w", err)
	}
	activeJSON, err := json.Marshal(snap.ActiveKnowledge)
	if err != nil {
		return fmt.Errorf("marshal active knowledge: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowUTC()
	if _, err := tx.Exec(`
		INSERT INTO sessions (id, facts, active_knowledge, appended_count, last_compressed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			facts=excluded.facts,
			active_knowledge=excluded.active_knowledge,
			appended_count=excluded.appended_count,
			last_compressed_at=excluded.last_compressed_at,
			updated_at=excluded.updated_at`,
		snap.ID, string(factsJSON), string(activeJSON),
		snap.AppendedCount, snap.LastCompressedAt,
		snap.CreatedAt.UTC().Format(time.RFC3339), now,
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	// 整体替换消息 / Replace turns wholesale
	if _, err := tx.Exec("DELETE FROM turns WHERE session_id=?", snap.ID); err != nil {
		return fmt.Errorf("delete old turns: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO turns (session_id, seq, role, content, token_cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, turn := range snap.Turns {
		if _, err := stmt.Exec(snap.ID, i, turn.Role, turn.Content, turn.TokenCost,
			turn.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// LoadSnapshot 读取会话快照 / LoadSnapshot reads back a session snapshot.
func (s *SQLiteStore) LoadSnapshot(id string) (session.Snapshot, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return session.Snapshot{}, fmt.Errorf("session id is empty")
	}

	row := s.db.QueryRow(`
		SELECT id, facts, active_knowledge, appended_count, last_compressed_at, created_at
		FROM sessions WHERE id=?`, id)

	var snap session.Snapshot
	var factsJSON, activeJSON, createdAt string
	err := row.Scan(&snap.ID, &factsJSON, &activeJSON, &snap.AppendedCount, &snap.LastCompressedAt, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return session.Snapshot{}, fmt.Errorf("session not found: %s", id)
		}
		return session.Snapshot{}, fmt.Errorf("load session: %w", err)
	}
	if t, perr := time.Parse(time.RFC3339, createdAt); perr == nil {
		snap.CreatedAt = t
	}
	snap.Facts = map[string]memory.Fact{}
	if factsJSON != "" {
		if err := json.Unmarshal([]byte(factsJSON), &snap.Facts); err != nil {
			return session.Snapshot{}, fmt.Errorf("unmarshal facts: %w", err)
		}
	}
	if activeJSON != "" {
		if err := json.Unmarshal([]byte(activeJSON), &snap.ActiveKnowledge); err != nil {
			return session.Snapshot{}, fmt.Errorf("unmarshal active knowledge: %w", err)
		}
	}

	rows, err := s.db.Query(`
		SELECT role, content, token_cost, created_at
		FROM turns WHERE session_id=? ORDER BY seq`, id)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var turn chat.Turn
		var createdAt string
		if err := rows.Scan(&turn.Role, &turn.Content, &turn.TokenCost, &createdAt); err != nil {
			continue
		}
		if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
			turn.Timestamp = t
		}
		snap.Turns = append(snap.Turns, turn)
	}
	return snap, rows.Err()
}

// ListSessions 按更新时间降序列出会话
// ListSessions lists sessions newest-updated first.
func (s *SQLiteStore) ListSessions() ([]SessionMeta, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		FROM sessions s ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var metas []SessionMeta
	for rows.Next() {
		var meta SessionMeta
		if err := rows.Scan(&meta.ID, &meta.CreatedAt, &meta.UpdatedAt, &meta.TurnCount); err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// DeleteSession 删除会话及其消息（级联）
// DeleteSession removes a session and its turns (cascade).
func (s *SQLiteStore) DeleteSession(id string) error {
	if _, err := s.db.Exec("DELETE FROM sessions WHERE id=?", strings.TrimSpace(id)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// --- Knowledge Operations (knowledge.Backend) ---

// PutEntry 写入或覆盖知识条目 / PutEntry upserts one knowledge entry.
func (s *SQLiteStore) PutEntry(entry knowledge.Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO knowledge (id, category, title, body, token_cost, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category=excluded.category,
			title=excluded.title,
			body=excluded.body,
			token_cost=excluded.token_cost,
			version=excluded.version,
			updated_at=excluded.updated_at`,
		entry.ID, string(entry.Category), entry.Title, entry.Body,
		entry.TokenCost, entry.Version,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert knowledge entry: %w", err)
	}
	return nil
}

// DeleteEntry 删除知识条目 / DeleteEntry removes one knowledge entry.
func (s *SQLiteStore) DeleteEntry(id string) error {
	if _, err := s.db.Exec("DELETE FROM knowledge WHERE id=?", id); err != nil {
		return fmt.Errorf("delete knowledge entry: %w", err)
	}
	return nil
}

// ListEntries 读取全部知识条目 / ListEntries reads back all knowledge entries.
func (s *SQLiteStore) ListEntries() ([]knowledge.Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, category, title, body, token_cost, version, created_at, updated_at
		FROM knowledge`)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	defer rows.Close()

	var entries []knowledge.Entry
	for rows.Next() {
		var e knowledge.Entry
		var category, createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &category, &e.Title, &e.Body, &e.TokenCost, &e.Version, &createdAt, &updatedAt); err != nil {
			continue
		}
		e.Category = knowledge.Category(category)
		if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
			e.CreatedAt = t
		}
		if t, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
			e.UpdatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Helpers ---

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

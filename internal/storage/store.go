package storage

import (
	"companion/internal/knowledge"
	"companion/internal/session"
)

// SessionMeta 会话列表项 / SessionMeta is one row in the session list.
type SessionMeta struct {
	ID        string
	CreatedAt string
	UpdatedAt string
	TurnCount int
}

// Store 持久化接口：会话快照 + 知识条目
// Store is the persistence interface for session snapshots and knowledge
// entries. SQLiteStore is the only production backend; tests substitute
// in-memory fakes.
type Store interface {
	// Session 操作 / Session operations
	SaveSnapshot(snap session.Snapshot) error
	LoadSnapshot(id string) (session.Snapshot, error)
	ListSessions() ([]SessionMeta, error)
	DeleteSession(id string) error

	// Knowledge 操作（实现 knowledge.Backend）
	// Knowledge operations (implements knowledge.Backend)
	PutEntry(entry knowledge.Entry) error
	DeleteEntry(id string) error
	ListEntries() ([]knowledge.Entry, error)

	// 生命周期 / Lifecycle
	Close() error
}

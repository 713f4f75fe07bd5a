package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"companion/internal/chat"
	"companion/internal/memory"
)

// Session 会话账本：有序不可变的消息、事实表、激活知识列表。
// 所有修改都持有会话锁；读取返回副本，调用方可安全持有。
// Session is the conversation ledger: an ordered list of immutable turns,
// a fact table, and the activation-ordered knowledge list. Every mutation
// holds the session mutex; accessors return copies the caller may keep.
type Session struct {
	mu sync.Mutex

	id        string
	createdAt time.Time

	turns           []chat.Turn
	facts           map[string]memory.Fact
	activeKnowledge []string // 激活顺序，旧在前 / activation order, oldest first

	// appendedCount 只增不减，截断历史也不回退；压缩幂等性依赖它
	// appendedCount is monotonic and survives truncation; compression
	// idempotence keys off it.
	appendedCount    int
	lastCompressedAt int

	dirty bool
}

// New 创建空会话 / New creates an empty session.
func New(id string) *Session {
	return &Session{
		id:        id,
		createdAt: time.Now().UTC(),
		facts:     map[string]memory.Fact{},
	}
}

// ID 返回会话 id / ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt 返回创建时间 / CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// AppendTurn 追加一条消息。消息一经追加不再改写；system 角色不入账本。
// AppendTurn appends one turn. Turns are never rewritten once appended;
// the system role never enters the ledger.
func (s *Session) AppendTurn(turn chat.Turn) error {
	if turn.Role != chat.RoleUser && turn.Role != chat.RoleAssistant {
		return fmt.Errorf("ledger accepts user/assistant turns only, got %q", turn.Role)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	s.appendedCount++
	s.dirty = true
	return nil
}

// Turns 返回消息副本 / Turns returns a copy of the turns.
func (s *Session) Turns() []chat.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// TurnCount 当前消息条数（截断后会减少）
// TurnCount is the current number of turns; truncation lowers it.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// AppendedCount 历史累计追加条数（单调递增）
// AppendedCount is the total number of turns ever appended.
func (s *Session) AppendedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendedCount
}

// SetFact 写入事实，同键后写覆盖 / SetFact stores a fact; last write wins per key.
func (s *Session) SetFact(fact memory.Fact) {
	if fact.Key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[fact.Key] = fact
	s.dirty = true
}

// DeleteFact 删除事实，返回是否存在
// DeleteFact removes a fact and reports whether it existed.
func (s *Session) DeleteFact(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.facts[key]; !ok {
		return false
	}
	delete(s.facts, key)
	s.dirty = true
	return true
}

// Facts 返回事实表副本 / Facts returns a copy of the fact table.
func (s *Session) Facts() map[string]memory.Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]memory.Fact, len(s.facts))
	for k, v := range s.facts {
		out[k] = v
	}
	return out
}

// ActivateKnowledge 把知识条目加入激活列表末尾；重复激活移到末尾
// ActivateKnowledge appends an entry id to the activation list;
// re-activating an id moves it to the end (most recent).
func (s *Session) ActivateKnowledge(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeKnowledgeLocked(id)
	s.activeKnowledge = append(s.activeKnowledge, id)
	s.dirty = true
}

// DeactivateKnowledge 移除激活条目；不存在时无操作
// DeactivateKnowledge removes an id; a no-op when absent.
func (s *Session) DeactivateKnowledge(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeKnowledgeLocked(id) {
		s.dirty = true
	}
}

func (s *Session) removeKnowledgeLocked(id string) bool {
	for i, existing := range s.activeKnowledge {
		if existing == id {
			s.activeKnowledge = append(s.activeKnowledge[:i], s.activeKnowledge[i+1:]...)
			return true
		}
	}
	return false
}

// ActiveKnowledge 返回激活顺序的 id 副本
// ActiveKnowledge returns the activation-ordered ids.
func (s *Session) ActiveKnowledge() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.activeKnowledge))
	copy(out, s.activeKnowledge)
	return out
}

// TruncateHead 删除最旧的 n 条消息；只有压缩管线在写入摘要后调用
// TruncateHead drops the oldest n turns. Only the compression pipeline
// calls this, after the summary entry has been durably written.
func (s *Session) TruncateHead(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return
	}
	if n > len(s.turns) {
		n = len(s.turns)
	}
	s.turns = append([]chat.Turn{}, s.turns[n:]...)
	s.dirty = true
}

// LastCompressedAt 上次压缩时的累计追加计数
// LastCompressedAt is the appended count at the last compression.
func (s *Session) LastCompressedAt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCompressedAt
}

// MarkCompressed 记录压缩水位 / MarkCompressed records the compression watermark.
func (s *Session) MarkCompressed(appendedCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if appendedCount > s.lastCompressedAt {
		s.lastCompressedAt = appendedCount
		s.dirty = true
	}
}

// Dirty 自上次保存以来是否有改动 / Dirty reports unsaved changes.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// ClearDirty 保存成功后由持久层调用 / ClearDirty is called after a successful save.
func (s *Session) ClearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// Stats 会话统计 / Stats summarizes a session.
type Stats struct {
	ID             string
	UserTurns      int
	AssistantTurns int
	FactCount      int
	KnowledgeCount int
	Duration       time.Duration
}

// Statistics 返回会话统计信息 / Statistics computes session stats.
func (s *Session) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		ID:             s.id,
		FactCount:      len(s.facts),
		KnowledgeCount: len(s.activeKnowledge),
	}
	for _, t := range s.turns {
		switch t.Role {
		case chat.RoleUser:
			st.UserTurns++
		case chat.RoleAssistant:
			st.AssistantTurns++
		}
	}
	if len(s.turns) > 0 {
		st.Duration = s.turns[len(s.turns)-1].Timestamp.Sub(s.createdAt)
	}
	return st
}

// Snapshot 会话的可序列化快照，持久层读写的就是它
// Snapshot is the serializable form of a session; the persistence layer
// reads and writes exactly this.
type Snapshot struct {
	ID               string                 `json:"id"`
	CreatedAt        time.Time              `json:"created_at"`
	Turns            []chat.Turn            `json:"turns"`
	Facts            map[string]memory.Fact `json:"facts"`
	ActiveKnowledge  []string               `json:"active_knowledge"`
	AppendedCount    int                    `json:"appended_count"`
	LastCompressedAt int                    `json:"last_compressed_at"`
}

// Snapshot 导出当前状态 / Snapshot exports the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:               s.id,
		CreatedAt:        s.createdAt,
		Turns:            make([]chat.Turn, len(s.turns)),
		Facts:            make(map[string]memory.Fact, len(s.facts)),
		ActiveKnowledge:  make([]string, len(s.activeKnowledge)),
		AppendedCount:    s.appendedCount,
		LastCompressedAt: s.lastCompressedAt,
	}
	copy(snap.Turns, s.turns)
	copy(snap.ActiveKnowledge, s.activeKnowledge)
	for k, v := range s.facts {
		snap.Facts[k] = v
	}
	return snap
}

// FromSnapshot 由快照重建会话；加载后的会话视为已保存
// FromSnapshot rebuilds a session from a snapshot. The result is clean.
func FromSnapshot(snap Snapshot) (*Session, error) {
	if strings.TrimSpace(snap.ID) == "" {
		return nil, fmt.Errorf("snapshot has empty session id")
	}
	s := &Session{
		id:               snap.ID,
		createdAt:        snap.CreatedAt,
		turns:            append([]chat.Turn{}, snap.Turns...),
		facts:            map[string]memory.Fact{},
		activeKnowledge:  append([]string{}, snap.ActiveKnowledge...),
		appendedCount:    snap.AppendedCount,
		lastCompressedAt: snap.LastCompressedAt,
	}
	for k, v := range snap.Facts {
		s.facts[k] = v
	}
	if s.createdAt.IsZero() {
		s.createdAt = time.Now().UTC()
	}
	// 旧文件可能没有计数字段 / older files may predate the counter
	if s.appendedCount < len(s.turns) {
		s.appendedCount = len(s.turns)
	}
	return s, nil
}

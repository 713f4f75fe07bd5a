package knowledge

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Category 知识条目分类 / Category classifies a knowledge entry.
type Category string

const (
	CategoryPersonal  Category = "personal"
	CategoryProject   Category = "project"
	CategoryLearning  Category = "learning"
	CategoryReference Category = "reference"
	CategoryAuto      Category = "auto-generated"
)

// ParseCategory 解析分类名，未知分类返回 ValidationError
// ParseCategory parses a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategoryPersonal, CategoryProject, CategoryLearning, CategoryReference, CategoryAuto:
		return c, nil
	default:
		return "", &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", s)}
	}
}

// Entry 一条持久化知识，跨会话可用
// Entry is a durable, named, categorized piece of text usable across sessions.
type Entry struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	TokenCost int       `json:"token_cost"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidationError 输入不合法；调用方错误，不应重试
// ValidationError reports bad input; a caller bug, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError 条目不存在 / NotFoundError reports a missing entry.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("knowledge entry not found: %s", e.ID)
}

// ConflictError 乐观锁冲突；调用方需重读后重试
// ConflictError reports a stale-version write; re-read and retry.
type ConflictError struct {
	ID           string
	StaleVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stale write for entry %s (version %d)", e.ID, e.StaleVersion)
}

// Estimator 计算文本 token 成本 / Estimator prices text in tokens.
type Estimator interface {
	EstimateText(text string) int
}

// Backend 持久化后端；nil 表示纯内存
// Backend is the persistence hook; nil means in-memory only.
type Backend interface {
	PutEntry(entry Entry) error
	DeleteEntry(id string) error
	ListEntries() ([]Entry, error)
}

// DefaultMaxBodyBytes 条目正文的默认上限 / default body size cap.
const DefaultMaxBodyBytes = 50 * 1024

// Store 知识库：读取无锁竞争（RWMutex 读锁），同一 id 的写入串行化。
// Store holds knowledge entries. Reads are concurrent; writes to the same
// id are serialized and guarded by an optimistic version check.
type Store struct {
	mu           sync.RWMutex
	entries      map[string]Entry
	estimate     Estimator
	backend      Backend
	maxBodyBytes int
}

// NewStore 创建知识库并从后端加载已有条目
// NewStore creates a store and loads any persisted entries from the backend.
func NewStore(estimate Estimator, backend Backend, maxBodyBytes int) (*Store, error) {
	if estimate == nil {
		return nil, fmt.Errorf("knowledge store requires an estimator")
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Store{
		entries:      map[string]Entry{},
		estimate:     estimate,
		backend:      backend,
		maxBodyBytes: maxBodyBytes,
	}
	if backend != nil {
		loaded, err := backend.ListEntries()
		if err != nil {
			return nil, fmt.Errorf("load knowledge entries: %w", err)
		}
		for _, e := range loaded {
			s.entries[e.ID] = e
		}
	}
	return s, nil
}

// EntryID 由标题和分类推导稳定 id
// EntryID derives the stable id from title and category.
func EntryID(title string, category Category) string {
	slug := strings.ToLower(strings.TrimSpace(title))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ' || r == '-' || r == '_' || r == '.':
			return '-'
		default:
			if r > 0x7F {
				return r // 保留非 ASCII 字符 / keep non-ASCII runes
			}
			return -1
		}
	}, slug)
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")
	return string(category) + "/" + slug
}

// Put 写入条目：校验、计价、版本检查，写穿后端后提交。
// 返回带有更新时间与新版本号的已存储条目。
// Put validates, prices, version-checks, writes through the backend, then
// commits. Returns the stored entry with refreshed UpdatedAt and version.
func (s *Store) Put(entry Entry) (Entry, error) {
	entry.Title = strings.TrimSpace(entry.Title)
	if entry.Title == "" {
		return Entry{}, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if _, err := ParseCategory(string(entry.Category)); err != nil {
		return Entry{}, err
	}
	if len(entry.Body) > s.maxBodyBytes {
		return Entry{}, &ValidationError{
			Field:  "body",
			Reason: fmt.Sprintf("size %d exceeds maximum %d bytes", len(entry.Body), s.maxBodyBytes),
		}
	}
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = EntryID(entry.Title, entry.Category)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, exists := s.entries[entry.ID]
	if exists {
		// 携带过期版本号的写入被拒绝；version 0 表示“不关心”（last-writer-wins）
		// A stale version is rejected; version 0 means "don't care".
		if entry.Version != 0 && entry.Version != existing.Version {
			return Entry{}, &ConflictError{ID: entry.ID, StaleVersion: entry.Version}
		}
		entry.CreatedAt = existing.CreatedAt
		entry.Version = existing.Version + 1
	} else {
		entry.CreatedAt = now
		entry.Version = 1
	}
	entry.UpdatedAt = now
	entry.TokenCost = s.estimate.EstimateText(entry.Title) + s.estimate.EstimateText(entry.Body)

	if s.backend != nil {
		if err := s.backend.PutEntry(entry); err != nil {
			return Entry{}, fmt.Errorf("persist entry %s: %w", entry.ID, err)
		}
	}
	s.entries[entry.ID] = entry
	return entry, nil
}

// Get 按 id 读取 / Get returns the entry for id.
func (s *Store) Get(id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return Entry{}, &NotFoundError{ID: id}
	}
	return entry, nil
}

// Filter 列表过滤条件 / Filter narrows List results.
type Filter struct {
	Category Category // 空值表示全部 / empty means all
	Query    string   // 标题或正文的大小写不敏感子串 / case-insensitive substring
}

// List 按 UpdatedAt 降序返回条目
// List returns entries ordered by UpdatedAt descending.
func (s *Store) List(filter Filter) []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	for _, e := range s.entries {
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(e.Title), query) &&
			!strings.Contains(strings.ToLower(e.Body), query) {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete 删除条目；删除不存在的 id 不是错误（幂等）
// Delete removes an entry. Deleting a missing id is not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return nil
	}
	if s.backend != nil {
		if err := s.backend.DeleteEntry(id); err != nil {
			return fmt.Errorf("delete entry %s: %w", id, err)
		}
	}
	delete(s.entries, id)
	return nil
}

// SelectWithinBudget 按调用方给定的优先级顺序贪心选择条目，放不下的整条跳过
// （绝不截断条目）。这是刻意的简化策略，不做最优装箱。
// SelectWithinBudget greedily selects entries in the caller-supplied
// priority order, skipping any entry whose whole cost would exceed the
// remaining budget. Entries are atomic: never partially included. This is
// a deliberate simplicity tradeoff over optimal bin-packing. Unknown ids
// are skipped silently; ids that exist but do not fit are reported.
func (s *Store) SelectWithinBudget(candidateIDs []string, remainingTokens int) (selected []Entry, totalCost int, skipped []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range candidateIDs {
		entry, ok := s.entries[id]
		if !ok {
			continue
		}
		if totalCost+entry.TokenCost > remainingTokens {
			skipped = append(skipped, id)
			continue
		}
		selected = append(selected, entry)
		totalCost += entry.TokenCost
	}
	return selected, totalCost, skipped
}

// SearchHit 搜索命中及上下文片段 / SearchHit is a match with a snippet.
type SearchHit struct {
	Entry   Entry
	Snippet string
}

// snippet 半径（字符）/ snippet radius in runes.
const snippetRadius = 50

// Search 在全部条目中做大小写不敏感的子串搜索，返回命中与上下文片段
// Search scans all entries for a case-insensitive substring and returns
// each hit with the text surrounding the first match.
func (s *Store) Search(query string) []SearchHit {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	lowered := strings.ToLower(query)

	hits := []SearchHit{}
	for _, entry := range s.List(Filter{}) {
		pos := strings.Index(strings.ToLower(entry.Body), lowered)
		if pos < 0 {
			continue
		}
		hits = append(hits, SearchHit{Entry: entry, Snippet: snippetAround(entry.Body, pos, len(query))})
	}
	return hits
}

func snippetAround(body string, pos, matchLen int) string {
	start := pos - snippetRadius
	if start < 0 {
		start = 0
	}
	end := pos + matchLen + snippetRadius
	if end > len(body) {
		end = len(body)
	}
	// 边界对齐到 rune 起点，避免切开多字节字符
	// align to rune boundaries so multi-byte characters are never split
	for start > 0 && !utf8.RuneStart(body[start]) {
		start--
	}
	for end < len(body) && !utf8.RuneStart(body[end]) {
		end++
	}
	return "..." + strings.TrimSpace(body[start:end]) + "..."
}

// Stats 条目统计信息 / Stats describes one entry.
type Stats struct {
	ID         string
	Characters int
	Words      int
	Lines      int
	TokenCost  int
}

// EntryStats 返回条目的统计信息 / EntryStats returns stats for an entry.
func (s *Store) EntryStats(id string) (Stats, error) {
	entry, err := s.Get(id)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		ID:         entry.ID,
		Characters: len([]rune(entry.Body)),
		Words:      len(strings.Fields(entry.Body)),
		Lines:      len(strings.Split(entry.Body, "\n")),
		TokenCost:  entry.TokenCost,
	}, nil
}

package contextmgr

import (
	"fmt"
	"strings"

	"companion/internal/chat"
	"companion/internal/knowledge"
	"companion/internal/session"
)

// State 窗口占用状态 / State classifies current window usage.
type State int

const (
	StateNominal State = iota
	StateWarning
	StateCritical
)

func (s State) String() string {
	switch s {
	case StateWarning:
		return "warning"
	case StateCritical:
		return "critical"
	default:
		return "nominal"
	}
}

// TokenBudget 单次请求的窗口预算，构造后不可变
// TokenBudget is the immutable per-request window allocation.
type TokenBudget struct {
	WindowCapacity    int     `json:"window_capacity"`
	SystemReserve     int     `json:"system_reserve"`
	ResponseReserve   int     `json:"response_reserve"`
	WarnThreshold     float64 `json:"warn_threshold"`
	CriticalThreshold float64 `json:"critical_threshold"`
}

// DefaultBudget 默认预算 / DefaultBudget returns the default allocation.
func DefaultBudget() TokenBudget {
	return TokenBudget{
		WindowCapacity:    4096,
		SystemReserve:     512,
		ResponseReserve:   512,
		WarnThreshold:     0.80,
		CriticalThreshold: 0.90,
	}
}

// Validate 校验预算配置 / Validate rejects unusable allocations.
func (b TokenBudget) Validate() error {
	if b.WindowCapacity <= 0 {
		return fmt.Errorf("window capacity must be positive, got %d", b.WindowCapacity)
	}
	if b.SystemReserve < 0 || b.ResponseReserve < 0 {
		return fmt.Errorf("reserves must be non-negative")
	}
	if b.SystemReserve+b.ResponseReserve >= b.WindowCapacity {
		return &OverBudgetError{
			Required:       b.SystemReserve + b.ResponseReserve,
			WindowCapacity: b.WindowCapacity,
		}
	}
	if b.WarnThreshold <= 0 || b.WarnThreshold >= 1 ||
		b.CriticalThreshold <= 0 || b.CriticalThreshold > 1 ||
		b.WarnThreshold >= b.CriticalThreshold {
		return fmt.Errorf("thresholds must satisfy 0 < warn < critical <= 1, got %.2f/%.2f",
			b.WarnThreshold, b.CriticalThreshold)
	}
	return nil
}

// OverBudgetError 致命配置错误：固定预留已超出窗口，截断历史也无法恢复。
// 必须中止组装并上报操作者，绝不能静默截断系统指令。
// OverBudgetError is a fatal configuration error: the fixed reservations
// alone exceed the window, so no amount of history truncation can help.
// Assembly must halt and surface this to the operator; silently trimming
// the system instructions is never acceptable.
type OverBudgetError struct {
	Required       int
	WindowCapacity int
}

func (e *OverBudgetError) Error() string {
	return fmt.Sprintf("fixed reservations (%d tokens) exceed window capacity (%d)",
		e.Required, e.WindowCapacity)
}

// PromptPlan 组装结果：提示内容及每段的 token 记账
// PromptPlan is the assembly result: the prompt content plus per-segment
// token accounting. TrimmedKnowledge lists active entry ids that did not
// fit; a non-empty list is informational, not an error.
type PromptPlan struct {
	System    string
	Knowledge []knowledge.Entry
	History   []chat.Turn

	SystemTokens    int
	KnowledgeTokens int
	HistoryTokens   int

	TrimmedKnowledge []string
	DroppedTurns     int
}

// TotalTokens 提示总 token（不含响应预留）
// TotalTokens is the prompt total, excluding the response reserve.
func (p PromptPlan) TotalTokens() int {
	return p.SystemTokens + p.KnowledgeTokens + p.HistoryTokens
}

// Messages 渲染最终的消息序列：知识条目拼入 system 消息，历史按时间顺序跟随
// Messages renders the final message sequence: knowledge entries are
// folded into the system message, history follows in chronological order.
func (p PromptPlan) Messages() []chat.Turn {
	system := p.System
	if len(p.Knowledge) > 0 {
		var b strings.Builder
		b.WriteString(system)
		b.WriteString("\n\n[Active knowledge]\n")
		for _, e := range p.Knowledge {
			fmt.Fprintf(&b, "\n## %s (%s)\n%s\n", e.Title, e.Category, e.Body)
		}
		system = b.String()
	}
	out := make([]chat.Turn, 0, len(p.History)+1)
	out = append(out, chat.Turn{Role: chat.RoleSystem, Content: system})
	out = append(out, p.History...)
	return out
}

// CompressionRequest 压缩请求，由 Critical 状态触发
// CompressionRequest asks the compression pipeline to run. AppendedCount
// is the ledger watermark the request was issued at.
type CompressionRequest struct {
	SessionID     string
	AppendedCount int
}

// BudgetManager 预算管理器：在固定窗口内分配系统指令、知识与历史，
// 并在占用越过阈值时发出告警/压缩信号。
// BudgetManager allocates the fixed window across system instructions,
// knowledge, and history, and raises threshold signals as usage climbs.
// It holds no mutable state of its own: threshold state is always a pure
// function of current usage.
type BudgetManager struct {
	budget TokenBudget
	tok    *Tokenizer
	store  *knowledge.Store
}

// NewBudgetManager 创建预算管理器；预算不合法时报错
// NewBudgetManager builds a manager, rejecting unusable budgets up front.
func NewBudgetManager(budget TokenBudget, tok *Tokenizer, store *knowledge.Store) (*BudgetManager, error) {
	if err := budget.Validate(); err != nil {
		return nil, err
	}
	if tok == nil || store == nil {
		return nil, fmt.Errorf("budget manager requires a tokenizer and a knowledge store")
	}
	return &BudgetManager{budget: budget, tok: tok, store: store}, nil
}

// Budget 返回预算配置 / Budget returns the allocation.
func (m *BudgetManager) Budget() TokenBudget {
	return m.budget
}

// systemCost 系统段占用：实际估算与预留取较大者，两个方向都保守
// systemCost charges the larger of the actual estimate and the reserve,
// conservative in both directions.
func (m *BudgetManager) systemCost(systemPrompt string) int {
	cost := m.tok.EstimateTurn(chat.RoleSystem, systemPrompt)
	if cost < m.budget.SystemReserve {
		cost = m.budget.SystemReserve
	}
	return cost
}

// AssemblePrompt 组装提示：预留固定段，贪心装入激活知识（激活顺序，旧在前，
// 放不下的整条跳过并上报），剩余预算从最新历史向旧回填。
// AssemblePrompt builds the prompt plan: reserve the fixed segments, fit
// active knowledge greedily in activation order (oldest first; entries
// that do not fit are skipped whole and reported), then fill what remains
// with history, newest turns first. Skipped knowledge ids are exactly the
// most recently activated ones. Ids referencing deleted entries are
// silently ignored. Fails only on a fatal budget configuration.
func (m *BudgetManager) AssemblePrompt(sess *session.Session, systemPrompt string) (PromptPlan, error) {
	systemTokens := m.systemCost(systemPrompt)
	if systemTokens+m.budget.ResponseReserve > m.budget.WindowCapacity {
		return PromptPlan{}, &OverBudgetError{
			Required:       systemTokens + m.budget.ResponseReserve,
			WindowCapacity: m.budget.WindowCapacity,
		}
	}

	remaining := m.budget.WindowCapacity - systemTokens - m.budget.ResponseReserve

	selected, knowledgeTokens, trimmed := m.store.SelectWithinBudget(sess.ActiveKnowledge(), remaining)
	remaining -= knowledgeTokens

	// 从最新往旧回填历史 / walk history backward, newest first
	all := sess.Turns()
	historyTokens := 0
	cut := len(all)
	for i := len(all) - 1; i >= 0; i-- {
		cost := m.turnCost(all[i])
		if historyTokens+cost > remaining {
			break
		}
		historyTokens += cost
		cut = i
	}

	return PromptPlan{
		System:           systemPrompt,
		Knowledge:        selected,
		History:          all[cut:],
		SystemTokens:     systemTokens,
		KnowledgeTokens:  knowledgeTokens,
		HistoryTokens:    historyTokens,
		TrimmedKnowledge: trimmed,
		DroppedTurns:     cut,
	}, nil
}

// turnCost 优先使用追加时缓存的成本 / prefer the cost cached at append time.
func (m *BudgetManager) turnCost(t chat.Turn) int {
	if t.TokenCost > 0 {
		return t.TokenCost
	}
	return m.tok.EstimateTurn(t.Role, t.Content)
}

// UsageRatio 当前占用率：对整本账本（而非组装后的窗口）计量
// UsageRatio measures the whole ledger, not the assembled window: the
// ratio is what compression decisions key off, so it must keep climbing
// as turns accumulate even after assembly starts dropping old turns.
func (m *BudgetManager) UsageRatio(sess *session.Session, systemPrompt string) float64 {
	total := m.systemCost(systemPrompt)
	_, knowledgeTokens, _ := m.store.SelectWithinBudget(sess.ActiveKnowledge(),
		m.budget.WindowCapacity)
	total += knowledgeTokens
	for _, t := range sess.Turns() {
		total += m.turnCost(t)
	}
	return float64(total) / float64(m.budget.WindowCapacity)
}

// StateOf 阈值分类，占用率的纯函数
// StateOf classifies a usage ratio. Pure function, no persisted state.
func (m *BudgetManager) StateOf(ratio float64) State {
	switch {
	case ratio >= m.budget.CriticalThreshold:
		return StateCritical
	case ratio >= m.budget.WarnThreshold:
		return StateWarning
	default:
		return StateNominal
	}
}

// CheckThreshold 无副作用的状态检查
// CheckThreshold is the side-effect-free classification used by callers
// to decide whether to warn or compress.
func (m *BudgetManager) CheckThreshold(sess *session.Session, systemPrompt string) State {
	return m.StateOf(m.UsageRatio(sess, systemPrompt))
}

// OnCritical 进入 Critical 时发出压缩请求；同一平台期只发一次：
// 只有账本累计计数越过上次压缩水位后才会再次触发。
// OnCritical emits a compression request when usage is Critical. It is
// idempotent per plateau: a request fires only when the ledger's appended
// counter has moved past the last compression watermark, so repeated
// checks on an unchanged session never re-trigger.
func (m *BudgetManager) OnCritical(sess *session.Session, systemPrompt string) (CompressionRequest, bool) {
	if m.CheckThreshold(sess, systemPrompt) != StateCritical {
		return CompressionRequest{}, false
	}
	appended := sess.AppendedCount()
	if appended <= sess.LastCompressedAt() {
		return CompressionRequest{}, false
	}
	return CompressionRequest{SessionID: sess.ID(), AppendedCount: appended}, true
}

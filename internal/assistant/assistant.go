package assistant

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"companion/internal/chat"
	"companion/internal/contextmgr"
	"companion/internal/knowledge"
	"companion/internal/memory"
	"companion/internal/provider"
	"companion/internal/session"
)

// Assistant 把各组件编排成一次完整的对话回合：
// 提取事实 → 追加消息 → 组装提示 → 流式生成 → 阈值检查 → 必要时压缩。
// 同一会话的回合严格串行（内部互斥锁），不同会话互不影响。
// Assistant orchestrates one conversational turn end to end: extract
// facts, append the turn, assemble the prompt, stream the reply, check
// thresholds, compress when critical. Turns on the same session are
// strictly serialized by an internal mutex; distinct sessions are
// independent.
type Assistant struct {
	mu sync.Mutex

	tok        *contextmgr.Tokenizer
	budget     *contextmgr.BudgetManager
	compressor *contextmgr.Compressor
	extractor  *memory.Extractor
	store      *knowledge.Store
	client     provider.Client

	sess    *session.Session
	persona Persona
	custom  string

	// warned 当前高占用期是否已告警；回落到 Nominal 或压缩成功后复位
	// warned tracks whether the current high-usage stretch has been
	// announced; it resets when usage falls back to Nominal or a
	// compression succeeds.
	warned bool
}

// Options 组件注入 / Options carries the injected components.
type Options struct {
	Tokenizer  *contextmgr.Tokenizer
	Budget     *contextmgr.BudgetManager
	Compressor *contextmgr.Compressor
	Extractor  *memory.Extractor
	Store      *knowledge.Store
	Client     provider.Client
	Session    *session.Session
	Persona    Persona
	Custom     string
}

// New 创建 assistant / New builds an assistant from its components.
func New(opts Options) (*Assistant, error) {
	if opts.Tokenizer == nil || opts.Budget == nil || opts.Compressor == nil ||
		opts.Extractor == nil || opts.Store == nil || opts.Client == nil || opts.Session == nil {
		return nil, fmt.Errorf("assistant requires all components to be non-nil")
	}
	if opts.Persona.ID == "" {
		opts.Persona = PresetByID("default")
	}
	return &Assistant{
		tok:        opts.Tokenizer,
		budget:     opts.Budget,
		compressor: opts.Compressor,
		extractor:  opts.Extractor,
		store:      opts.Store,
		client:     opts.Client,
		sess:       opts.Session,
		persona:    opts.Persona,
		custom:     opts.Custom,
	}, nil
}

// Session 返回当前会话 / Session returns the live session.
func (a *Assistant) Session() *session.Session { return a.sess }

// Persona 返回当前人格 / Persona returns the active persona.
func (a *Assistant) Persona() Persona {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persona
}

// SetPersona 切换人格 / SetPersona switches the active persona.
func (a *Assistant) SetPersona(p Persona) {
	a.mu.Lock()
	a.persona = p
	a.mu.Unlock()
}

// SystemPrompt 当前完整系统提示：人格 + 已记住的事实
// SystemPrompt is the full system prompt: persona plus remembered facts.
// This is the string the budget manager charges against the system
// reserve.
func (a *Assistant) SystemPrompt() string {
	base := a.persona.SystemPrompt(a.custom)
	facts := a.sess.Facts()
	if len(facts) == 0 {
		return base
	}

	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n[Remembered facts]\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, facts[k].Value)
	}
	return b.String()
}

// TurnResult 一个回合的结果与预算侧信息
// TurnResult is the outcome of one turn plus its budget side-channel.
type TurnResult struct {
	Reply      string
	State      contextmgr.State
	UsageRatio float64

	// Warned 本回合是否新发出用量告警 / whether a fresh usage warning fired
	Warned bool
	// TrimmedKnowledge 组装时被裁掉的知识 id / ids trimmed during assembly
	TrimmedKnowledge []string
	// Compressed 本回合生成的摘要条目 / the summary entry created this turn
	Compressed *knowledge.Entry
	// CompressionErr 压缩失败（会话未受影响，下回合重试）
	// CompressionErr is a failed compression; the session is untouched and
	// the next turn retries.
	CompressionErr error
	// Facts 本回合提取的事实 / facts extracted from this turn
	Facts []memory.Fact
}

// RunTurn 执行一个完整回合。onChunk 非 nil 时逐块回调生成内容。
// RunTurn executes one full turn. When onChunk is non-nil the reply is
// streamed to it chunk by chunk as it arrives.
func (a *Assistant) RunTurn(ctx context.Context, input string, onChunk func(string)) (TurnResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	input = strings.TrimSpace(input)
	if input == "" {
		return TurnResult{}, fmt.Errorf("empty input")
	}

	now := time.Now().UTC()

	// 1. 事实提取（副作用先于追加，索引指向即将追加的消息）
	// 1. Fact extraction; indices point at the turn about to be appended.
	facts := a.extractor.Extract(input, now)
	turnIndex := a.sess.AppendedCount()
	for i := range facts {
		facts[i].SourceTurnIndex = turnIndex
		a.sess.SetFact(facts[i])
	}

	// 2. 入账 / 2. Append to the ledger.
	userTurn := chat.Turn{
		Role:      chat.RoleUser,
		Content:   input,
		TokenCost: a.tok.EstimateTurn(chat.RoleUser, input),
		Timestamp: now,
	}
	if err := a.sess.AppendTurn(userTurn); err != nil {
		return TurnResult{}, err
	}

	// 3. 组装 / 3. Assemble.
	systemPrompt := a.SystemPrompt()
	plan, err := a.budget.AssemblePrompt(a.sess, systemPrompt)
	if err != nil {
		return TurnResult{}, fmt.Errorf("assemble prompt: %w", err)
	}

	// 4. 生成；上报的真实用量回流校准估算
	// 4. Generate; provider-reported usage calibrates the estimator.
	estimated := plan.TotalTokens()
	resp, err := a.client.Generate(ctx, provider.Request{
		Messages:  plan.Messages(),
		MaxTokens: a.budget.Budget().ResponseReserve,
	}, &provider.StreamCallbacks{
		OnTextChunk: onChunk,
		OnUsage: func(u provider.Usage) {
			a.tok.Calibrate(u.PromptTokens, estimated)
		},
	})
	if err != nil {
		return TurnResult{}, fmt.Errorf("generate: %w", err)
	}

	reply := strings.TrimSpace(resp.Content)
	if reply != "" {
		assistantTurn := chat.Turn{
			Role:      chat.RoleAssistant,
			Content:   reply,
			TokenCost: a.tok.EstimateTurn(chat.RoleAssistant, reply),
			Timestamp: time.Now().UTC(),
		}
		if err := a.sess.AppendTurn(assistantTurn); err != nil {
			return TurnResult{}, err
		}
	}

	// 5. 阈值处理 / 5. Threshold handling.
	result := TurnResult{
		Reply:            reply,
		TrimmedKnowledge: plan.TrimmedKnowledge,
		Facts:            facts,
	}
	chk := a.settleBudgetLocked(ctx, systemPrompt)
	result.State = chk.State
	result.UsageRatio = chk.UsageRatio
	result.Warned = chk.Warned
	result.Compressed = chk.Compressed
	result.CompressionErr = chk.CompressionErr

	return result, nil
}

// BudgetCheck 一次预算复查的结果 / BudgetCheck is the outcome of one
// budget review.
type BudgetCheck struct {
	State      contextmgr.State
	UsageRatio float64
	Warned     bool
	Compressed *knowledge.Entry
	// CompressionErr 压缩失败（会话未受影响，下次复查重试）
	// CompressionErr is a failed compression; the session is untouched
	// and the next check retries.
	CompressionErr error
}

// CheckBudget 在回合之外重新评估预算。激活或停用知识条目改变账本
// 占用，因此每次这类变更后都要走一遍与回合收尾相同的检查：告警一次，
// Critical 时压缩。
// CheckBudget re-evaluates the budget outside a turn. Activating or
// deactivating a knowledge entry changes what the ledger charges, so
// every such change runs the same check a finished turn does: warn
// once per stretch, compress on Critical.
func (a *Assistant) CheckBudget(ctx context.Context) BudgetCheck {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settleBudgetLocked(ctx, a.SystemPrompt())
}

func (a *Assistant) settleBudgetLocked(ctx context.Context, systemPrompt string) BudgetCheck {
	var chk BudgetCheck
	chk.UsageRatio = a.budget.UsageRatio(a.sess, systemPrompt)
	chk.State = a.budget.StateOf(chk.UsageRatio)

	switch chk.State {
	case contextmgr.StateNominal:
		a.warned = false
	case contextmgr.StateWarning:
		if !a.warned {
			chk.Warned = true
			a.warned = true
		}
	case contextmgr.StateCritical:
		if _, fire := a.budget.OnCritical(a.sess, systemPrompt); fire {
			entry, cerr := a.compressor.Compress(ctx, a.sess)
			if cerr != nil {
				chk.CompressionErr = cerr
			} else {
				chk.Compressed = &entry
				a.warned = false
				chk.UsageRatio = a.budget.UsageRatio(a.sess, systemPrompt)
				chk.State = a.budget.StateOf(chk.UsageRatio)
			}
		}
	}
	return chk
}

package contextmgr

import (
	"errors"
	"strings"
	"testing"
	"time"

	"companion/internal/chat"
	"companion/internal/knowledge"
	"companion/internal/session"
)

// fixedEst prices every non-empty text at a constant token cost.
type fixedEst int

func (f fixedEst) EstimateText(text string) int {
	if text == "" {
		return 0
	}
	return int(f)
}

func testBudget() TokenBudget {
	return TokenBudget{
		WindowCapacity:    1000,
		SystemReserve:     100,
		ResponseReserve:   200,
		WarnThreshold:     0.80,
		CriticalThreshold: 0.90,
	}
}

func newManager(t *testing.T, est knowledge.Estimator) (*BudgetManager, *knowledge.Store) {
	t.Helper()
	store, err := knowledge.NewStore(est, nil, 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	m, err := NewBudgetManager(testBudget(), fallbackTokenizer(), store)
	if err != nil {
		t.Fatalf("NewBudgetManager: %v", err)
	}
	return m, store
}

func appendCost(t *testing.T, sess *session.Session, role string, cost int) {
	t.Helper()
	err := sess.AppendTurn(chat.Turn{Role: role, Content: "x", TokenCost: cost, Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
}

func TestBudgetValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TokenBudget)
		wantOB bool
	}{
		{"reserves exceed window", func(b *TokenBudget) { b.SystemReserve = 600; b.ResponseReserve = 500 }, true},
		{"zero window", func(b *TokenBudget) { b.WindowCapacity = 0 }, false},
		{"warn above critical", func(b *TokenBudget) { b.WarnThreshold = 0.95 }, false},
		{"negative reserve", func(b *TokenBudget) { b.ResponseReserve = -1 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := testBudget()
			tc.mutate(&b)
			err := b.Validate()
			if err == nil {
				t.Fatal("bad budget accepted")
			}
			var ob *OverBudgetError
			if got := errors.As(err, &ob); got != tc.wantOB {
				t.Errorf("OverBudgetError = %v, want %v (err %v)", got, tc.wantOB, err)
			}
		})
	}
	if err := testBudget().Validate(); err != nil {
		t.Errorf("valid budget rejected: %v", err)
	}
}

func TestStateOfTable(t *testing.T) {
	m, _ := newManager(t, fixedEst(1))
	cases := []struct {
		ratio float64
		want  State
	}{
		{0.0, StateNominal},
		{0.79, StateNominal},
		{0.80, StateWarning},
		{0.89, StateWarning},
		{0.90, StateCritical},
		{1.10, StateCritical},
	}
	for _, tc := range cases {
		if got := m.StateOf(tc.ratio); got != tc.want {
			t.Errorf("StateOf(%.2f) = %s, want %s", tc.ratio, got, tc.want)
		}
	}
}

func TestAssemblePromptTrimsKnowledgeLIFO(t *testing.T) {
	// 每条知识 title+body 各 150 → 300/条 / 150 per text, 300 per entry
	m, store := newManager(t, fixedEst(150))

	sess := session.New("sess_trim")
	var ids []string
	for _, title := range []string{"First", "Second", "Third"} {
		e, err := store.Put(knowledge.Entry{Title: title, Category: knowledge.CategoryProject, Body: "x"})
		if err != nil {
			t.Fatalf("Put(%s): %v", title, err)
		}
		ids = append(ids, e.ID)
		sess.ActivateKnowledge(e.ID)
	}

	plan, err := m.AssemblePrompt(sess, "")
	if err != nil {
		t.Fatalf("AssemblePrompt: %v", err)
	}
	// 1000 - 100 系统 - 200 响应 = 700：装得下前两条，第三条（最近激活）被裁
	// 1000 - 100 system - 200 response = 700: the first two fit, the most
	// recently activated entry is trimmed.
	if len(plan.Knowledge) != 2 {
		t.Fatalf("knowledge = %d entries, want 2", len(plan.Knowledge))
	}
	if plan.Knowledge[0].ID != ids[0] || plan.Knowledge[1].ID != ids[1] {
		t.Errorf("selected = %s,%s, want first two in activation order",
			plan.Knowledge[0].ID, plan.Knowledge[1].ID)
	}
	if len(plan.TrimmedKnowledge) != 1 || plan.TrimmedKnowledge[0] != ids[2] {
		t.Errorf("trimmed = %v, want [%s]", plan.TrimmedKnowledge, ids[2])
	}
	if plan.KnowledgeTokens != 600 {
		t.Errorf("knowledge tokens = %d, want 600", plan.KnowledgeTokens)
	}
	if plan.TotalTokens()+m.Budget().ResponseReserve > m.Budget().WindowCapacity {
		t.Errorf("plan total %d violates window", plan.TotalTokens())
	}
}

func TestAssemblePromptKeepsNewestHistory(t *testing.T) {
	m, _ := newManager(t, fixedEst(1))

	sess := session.New("sess_hist")
	// 700 预算：每条 200，只有最近 3 条入窗
	// 700 budget at 200 per turn: only the newest three fit.
	for i := 0; i < 5; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		appendCost(t, sess, role, 200)
	}

	plan, err := m.AssemblePrompt(sess, "")
	if err != nil {
		t.Fatalf("AssemblePrompt: %v", err)
	}
	if len(plan.History) != 3 {
		t.Fatalf("history = %d turns, want 3", len(plan.History))
	}
	if plan.DroppedTurns != 2 {
		t.Errorf("dropped = %d, want 2", plan.DroppedTurns)
	}
	if plan.HistoryTokens != 600 {
		t.Errorf("history tokens = %d, want 600", plan.HistoryTokens)
	}
	// 被裁的只是窗口，账本完好 / only the window shrinks, the ledger is intact
	if sess.TurnCount() != 5 {
		t.Errorf("ledger mutated by assembly: %d turns", sess.TurnCount())
	}
}

func TestAssemblePromptSkipsMissingKnowledge(t *testing.T) {
	m, _ := newManager(t, fixedEst(1))

	sess := session.New("sess_ghost")
	sess.ActivateKnowledge("project/deleted-entry")

	plan, err := m.AssemblePrompt(sess, "")
	if err != nil {
		t.Fatalf("AssemblePrompt: %v", err)
	}
	if len(plan.Knowledge) != 0 || len(plan.TrimmedKnowledge) != 0 {
		t.Errorf("ghost id surfaced: knowledge=%v trimmed=%v", plan.Knowledge, plan.TrimmedKnowledge)
	}
}

func TestAssemblePromptOverBudget(t *testing.T) {
	m, _ := newManager(t, fixedEst(1))

	// 巨大的系统提示：估算本身挤掉响应预留
	// A huge system prompt whose estimate alone crowds out the response reserve.
	huge := strings.Repeat("instruction ", 400)
	_, err := m.AssemblePrompt(session.New("sess_fatal"), huge)
	var ob *OverBudgetError
	if !errors.As(err, &ob) {
		t.Fatalf("err = %v, want OverBudgetError", err)
	}
}

func TestUsageRatioAndCheckThreshold(t *testing.T) {
	m, _ := newManager(t, fixedEst(1))

	sess := session.New("sess_ratio")
	if got := m.CheckThreshold(sess, ""); got != StateNominal {
		t.Errorf("empty session state = %s, want nominal", got)
	}

	appendCost(t, sess, chat.RoleUser, 750)
	// system 100 + history 750 = 850 / 1000
	if got := m.CheckThreshold(sess, ""); got != StateWarning {
		t.Errorf("state = %s, want warning (ratio %.2f)", got, m.UsageRatio(sess, ""))
	}

	appendCost(t, sess, chat.RoleAssistant, 100)
	// 950 / 1000
	if got := m.CheckThreshold(sess, ""); got != StateCritical {
		t.Errorf("state = %s, want critical (ratio %.2f)", got, m.UsageRatio(sess, ""))
	}
}

func TestOnCriticalOncePerPlateau(t *testing.T) {
	m, _ := newManager(t, fixedEst(1))

	sess := session.New("sess_plateau")
	appendCost(t, sess, chat.RoleUser, 425)
	appendCost(t, sess, chat.RoleAssistant, 425)
	// 100 + 850 = 950 / 1000 → critical

	req, fire := m.OnCritical(sess, "")
	if !fire {
		t.Fatalf("OnCritical did not fire at ratio %.2f", m.UsageRatio(sess, ""))
	}
	if req.SessionID != "sess_plateau" || req.AppendedCount != 2 {
		t.Errorf("request = %+v", req)
	}

	// 压缩完成后水位推进；同一平台期不再触发
	// The watermark advances after compression; the same plateau never refires.
	sess.MarkCompressed(req.AppendedCount)
	if _, fire := m.OnCritical(sess, ""); fire {
		t.Error("OnCritical refired on an unchanged plateau")
	}

	// 新消息越过水位后可再次触发 / a new turn past the watermark re-arms it
	appendCost(t, sess, chat.RoleUser, 10)
	if _, fire := m.OnCritical(sess, ""); !fire {
		t.Error("OnCritical did not re-arm after a new turn")
	}
}

func TestOnCriticalQuietBelowThreshold(t *testing.T) {
	m, _ := newManager(t, fixedEst(1))
	sess := session.New("sess_calm")
	appendCost(t, sess, chat.RoleUser, 100)

	if _, fire := m.OnCritical(sess, ""); fire {
		t.Error("OnCritical fired below the critical threshold")
	}
}

func TestPromptPlanMessages(t *testing.T) {
	plan := PromptPlan{
		System: "be helpful",
		Knowledge: []knowledge.Entry{
			{Title: "Style", Category: knowledge.CategoryProject, Body: "tabs never"},
		},
		History: []chat.Turn{{Role: chat.RoleUser, Content: "hi"}},
	}
	msgs := plan.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != chat.RoleSystem || !strings.Contains(msgs[0].Content, "tabs never") {
		t.Errorf("system message missing knowledge: %q", msgs[0].Content)
	}
	if msgs[1].Content != "hi" {
		t.Errorf("history message = %q", msgs[1].Content)
	}
}

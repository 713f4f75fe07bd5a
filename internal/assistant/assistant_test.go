package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"

	"companion/internal/chat"
	"companion/internal/contextmgr"
	"companion/internal/knowledge"
	"companion/internal/memory"
	"companion/internal/provider"
	"companion/internal/session"
)

// fakeClient 固定应答的 provider / fakeClient is a canned-reply provider.
type fakeClient struct {
	reply       string
	summary     string
	err         error
	generateLog []provider.Request
	usage       provider.Usage
}

func (f *fakeClient) Generate(ctx context.Context, req provider.Request, cb *provider.StreamCallbacks) (provider.Response, error) {
	f.generateLog = append(f.generateLog, req)
	if f.err != nil {
		return provider.Response{}, f.err
	}
	if cb != nil && cb.OnTextChunk != nil {
		cb.OnTextChunk(f.reply)
	}
	if cb != nil && cb.OnUsage != nil {
		cb.OnUsage(f.usage)
	}
	return provider.Response{Content: f.reply, FinishReason: "stop", Usage: f.usage}, nil
}

func (f *fakeClient) Summarize(ctx context.Context, instruction, text string, maxTokens int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

func (f *fakeClient) ListModels(ctx context.Context) ([]provider.ModelInfo, error) { return nil, nil }
func (f *fakeClient) Name() string                                                { return "fake" }
func (f *fakeClient) CurrentModel() string                                        { return "fake-model" }
func (f *fakeClient) SetModel(string) error                                       { return nil }

type flatEstimator int

func (f flatEstimator) EstimateText(text string) int {
	if text == "" {
		return 0
	}
	return int(f)
}

func newTestAssistant(t *testing.T, budget contextmgr.TokenBudget, client *fakeClient) *Assistant {
	t.Helper()
	tok := contextmgr.NewTokenizer("no-such-encoding")
	store, err := knowledge.NewStore(flatEstimator(5), nil, 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	bm, err := contextmgr.NewBudgetManager(budget, tok, store)
	if err != nil {
		t.Fatalf("NewBudgetManager: %v", err)
	}
	comp, err := contextmgr.NewCompressor(store, client, 2, 128)
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	a, err := New(Options{
		Tokenizer:  tok,
		Budget:     bm,
		Compressor: comp,
		Extractor:  memory.NewExtractor(nil),
		Store:      store,
		Client:     client,
		Session:    session.New("sess_asst"),
		Persona:    PresetByID("default"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func bigBudget() contextmgr.TokenBudget {
	return contextmgr.TokenBudget{
		WindowCapacity:    100000,
		SystemReserve:     1000,
		ResponseReserve:   1000,
		WarnThreshold:     0.80,
		CriticalThreshold: 0.90,
	}
}

func TestRunTurnAppendsBothSides(t *testing.T) {
	client := &fakeClient{reply: "hello back"}
	a := newTestAssistant(t, bigBudget(), client)

	var streamed strings.Builder
	res, err := a.RunTurn(context.Background(), "hello there", func(c string) { streamed.WriteString(c) })
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Reply != "hello back" || streamed.String() != "hello back" {
		t.Errorf("reply = %q, streamed = %q", res.Reply, streamed.String())
	}

	turns := a.Session().Turns()
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	if turns[0].Role != chat.RoleUser || turns[1].Role != chat.RoleAssistant {
		t.Errorf("roles = %s/%s", turns[0].Role, turns[1].Role)
	}
	if turns[0].TokenCost <= 0 || turns[1].TokenCost <= 0 {
		t.Errorf("costs not recorded: %d/%d", turns[0].TokenCost, turns[1].TokenCost)
	}
	if res.State != contextmgr.StateNominal {
		t.Errorf("state = %s, want nominal", res.State)
	}
}

func TestRunTurnExtractsFacts(t *testing.T) {
	client := &fakeClient{reply: "noted"}
	a := newTestAssistant(t, bigBudget(), client)

	res, err := a.RunTurn(context.Background(), "My name is Dana. I prefer short answers.", nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(res.Facts) != 2 {
		t.Fatalf("facts = %d, want 2", len(res.Facts))
	}
	if res.Facts[0].SourceTurnIndex != 0 {
		t.Errorf("source index = %d, want 0", res.Facts[0].SourceTurnIndex)
	}

	facts := a.Session().Facts()
	if facts["user_name"].Value != "Dana" {
		t.Errorf("user_name = %q, want Dana", facts["user_name"].Value)
	}

	// 事实进入系统提示 / facts reach the system prompt
	if sp := a.SystemPrompt(); !strings.Contains(sp, "Dana") {
		t.Errorf("system prompt missing fact:\n%s", sp)
	}
	// 下一回合的请求携带该系统提示 / the next request carries it
	if _, err := a.RunTurn(context.Background(), "thanks", nil); err != nil {
		t.Fatalf("second RunTurn: %v", err)
	}
	last := client.generateLog[len(client.generateLog)-1]
	if last.Messages[0].Role != chat.RoleSystem || !strings.Contains(last.Messages[0].Content, "Dana") {
		t.Errorf("system message missing fact: %q", last.Messages[0].Content)
	}
}

func TestRunTurnRejectsEmptyInput(t *testing.T) {
	a := newTestAssistant(t, bigBudget(), &fakeClient{reply: "x"})
	if _, err := a.RunTurn(context.Background(), "   ", nil); err == nil {
		t.Fatal("empty input accepted")
	}
	if a.Session().TurnCount() != 0 {
		t.Error("empty input mutated the ledger")
	}
}

func TestRunTurnProviderError(t *testing.T) {
	client := &fakeClient{err: errors.New("backend down")}
	a := newTestAssistant(t, bigBudget(), client)

	_, err := a.RunTurn(context.Background(), "hello", nil)
	if err == nil {
		t.Fatal("provider failure reported success")
	}
	// 用户消息已入账（事实与历史不丢），但没有助手消息
	// The user turn stays on the ledger; no assistant turn appears.
	turns := a.Session().Turns()
	if len(turns) != 1 || turns[0].Role != chat.RoleUser {
		t.Errorf("turns = %+v", turns)
	}
}

func TestRunTurnCompressesWhenCritical(t *testing.T) {
	// 小窗口让第三回合跨过 0.90 / a small window crosses 0.90 quickly
	budget := contextmgr.TokenBudget{
		WindowCapacity:    600,
		SystemReserve:     100,
		ResponseReserve:   100,
		WarnThreshold:     0.80,
		CriticalThreshold: 0.90,
	}
	longReply := strings.Repeat("detailed answer ", 40) // ~160 tokens heuristic
	client := &fakeClient{reply: longReply, summary: "earlier chat recap"}
	a := newTestAssistant(t, budget, client)

	var compressed *knowledge.Entry
	for i := 0; i < 4 && compressed == nil; i++ {
		res, err := a.RunTurn(context.Background(), strings.Repeat("question ", 30), nil)
		if err != nil {
			t.Fatalf("RunTurn %d: %v", i, err)
		}
		if res.CompressionErr != nil {
			t.Fatalf("compression failed: %v", res.CompressionErr)
		}
		if res.Compressed != nil {
			compressed = res.Compressed
		}
	}
	if compressed == nil {
		t.Fatal("compression never triggered")
	}
	if compressed.Category != knowledge.CategoryAuto {
		t.Errorf("category = %s", compressed.Category)
	}
	if compressed.Body != "earlier chat recap" {
		t.Errorf("body = %q", compressed.Body)
	}
	// 热尾保留 / the hot tail survives
	if got := a.Session().TurnCount(); got != 2 {
		t.Errorf("turns after compression = %d, want hot tail 2", got)
	}
	if a.Session().LastCompressedAt() == 0 {
		t.Error("watermark not advanced")
	}
}

func TestCheckBudgetCompressesAfterActivation(t *testing.T) {
	budget := contextmgr.TokenBudget{
		WindowCapacity:    1000,
		SystemReserve:     100,
		ResponseReserve:   100,
		WarnThreshold:     0.80,
		CriticalThreshold: 0.90,
	}
	client := &fakeClient{reply: "ok", summary: "earlier chat recap"}
	tok := contextmgr.NewTokenizer("no-such-encoding")
	// 固定 800 token/条目：激活一条就越过 0.90
	// 800 tokens per entry: one activation crosses 0.90.
	store, err := knowledge.NewStore(flatEstimator(400), nil, 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	bm, err := contextmgr.NewBudgetManager(budget, tok, store)
	if err != nil {
		t.Fatalf("NewBudgetManager: %v", err)
	}
	comp, err := contextmgr.NewCompressor(store, client, 2, 128)
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	a, err := New(Options{
		Tokenizer:  tok,
		Budget:     bm,
		Compressor: comp,
		Extractor:  memory.NewExtractor(nil),
		Store:      store,
		Client:     client,
		Session:    session.New("sess_activate"),
		Persona:    PresetByID("default"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := a.RunTurn(ctx, "hi", nil); err != nil {
			t.Fatalf("RunTurn %d: %v", i, err)
		}
	}
	if chk := a.CheckBudget(ctx); chk.State != contextmgr.StateNominal {
		t.Fatalf("state before activation = %s, want nominal", chk.State)
	}

	entry, err := store.Put(knowledge.Entry{
		Category: knowledge.CategoryReference,
		Title:    "rfc notes",
		Body:     "long reference text",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	a.Session().ActivateKnowledge(entry.ID)

	chk := a.CheckBudget(ctx)
	if chk.CompressionErr != nil {
		t.Fatalf("compression failed: %v", chk.CompressionErr)
	}
	if chk.Compressed == nil {
		t.Fatalf("activation did not trigger compression: state=%s ratio=%.2f", chk.State, chk.UsageRatio)
	}
	if got := a.Session().TurnCount(); got != 2 {
		t.Errorf("turns after compression = %d, want hot tail 2", got)
	}
	if a.Session().LastCompressedAt() == 0 {
		t.Error("watermark not advanced")
	}

	// 同一平台期不重复压缩 / the same plateau never compresses twice
	a.Session().DeactivateKnowledge(entry.ID)
	again := a.CheckBudget(ctx)
	if again.Compressed != nil || again.CompressionErr != nil {
		t.Errorf("deactivation check compressed again: %+v", again)
	}
}

func TestWarnOncePerStretch(t *testing.T) {
	budget := contextmgr.TokenBudget{
		WindowCapacity:    1000,
		SystemReserve:     100,
		ResponseReserve:   100,
		WarnThreshold:     0.50,
		CriticalThreshold: 0.99,
	}
	client := &fakeClient{reply: strings.Repeat("reply ", 50)}
	a := newTestAssistant(t, budget, client)

	warnings := 0
	for i := 0; i < 3; i++ {
		res, err := a.RunTurn(context.Background(), strings.Repeat("hello ", 50), nil)
		if err != nil {
			t.Fatalf("RunTurn %d: %v", i, err)
		}
		if res.Warned {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("warnings = %d, want exactly 1 per stretch", warnings)
	}
}

func TestPersonaSystemPrompt(t *testing.T) {
	p := PresetByID("coding_buddy")
	sp := p.SystemPrompt("")
	if !strings.Contains(sp, "direct") && !strings.Contains(sp, "technical language") {
		t.Errorf("coding buddy prompt lacks style directives:\n%s", sp)
	}

	withCustom := p.SystemPrompt("answer in French")
	if !strings.Contains(withCustom, "answer in French") {
		t.Errorf("custom instructions dropped:\n%s", withCustom)
	}

	if got := PresetByID("no-such-persona"); got.ID != "default" {
		t.Errorf("unknown preset = %q, want default fallback", got.ID)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"companion/internal/adapters"
	"companion/internal/assistant"
	"companion/internal/config"
	"companion/internal/contextmgr"
	"companion/internal/knowledge"
	"companion/internal/memory"
	"companion/internal/provider"
	"companion/internal/session"
	"companion/internal/storage"
	"companion/internal/tui"

	"github.com/chzyer/readline"
)

// app 聚合运行期依赖，命令处理与回合循环共用
// app bundles the runtime dependencies shared by command handling and
// the turn loop.
type app struct {
	cfg        config.Config
	store      *storage.SQLiteStore
	tok        *contextmgr.Tokenizer
	kstore     *knowledge.Store
	budget     *contextmgr.BudgetManager
	compressor *contextmgr.Compressor
	client     *provider.OpenAIClient
	web        *adapters.WebClient

	asst            *assistant.Assistant
	availableModels []string
	turnsSinceSave  int
}

func main() {
	var (
		configPath string
		sessionID  string
		personaID  string
		useTUI     bool
	)
	flag.StringVar(&configPath, "config", "", "Path to config JSON/JSONC")
	flag.StringVar(&sessionID, "session", "", "Session ID to resume")
	flag.StringVar(&personaID, "persona", "", "Persona preset override")
	flag.BoolVar(&useTUI, "tui", false, "Run the full-screen TUI")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(personaID) != "" {
		cfg.Persona.Preset = personaID
	}

	a, err := newApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer a.store.Close()

	sess, err := a.openSession(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open session failed: %v\n", err)
		os.Exit(1)
	}
	if a.asst, err = a.newAssistant(sess); err != nil {
		fmt.Fprintf(os.Stderr, "init assistant failed: %v\n", err)
		os.Exit(1)
	}

	if useTUI {
		if err := a.runTUI(); err != nil {
			fmt.Fprintf(os.Stderr, "tui failed: %v\n", err)
			os.Exit(1)
		}
		a.saveCurrent()
		return
	}
	a.runREPL()
}

func newApp(cfg config.Config) (*app, error) {
	store, err := storage.NewSQLiteStore(filepath.Join(cfg.Storage.BaseDir, "companion.db"))
	if err != nil {
		return nil, fmt.Errorf("init storage failed: %w", err)
	}

	tok := contextmgr.NewTokenizerForModel(cfg.Provider.Model)

	kstore, err := knowledge.NewStore(tok, store, cfg.Knowledge.MaxBodyBytes)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init knowledge store failed: %w", err)
	}

	budget := contextmgr.TokenBudget{
		WindowCapacity:    cfg.Budget.WindowCapacity,
		SystemReserve:     cfg.Budget.SystemReserve,
		ResponseReserve:   cfg.Budget.ResponseReserve,
		WarnThreshold:     cfg.Budget.WarnThreshold,
		CriticalThreshold: cfg.Budget.CriticalThreshold,
	}
	manager, err := contextmgr.NewBudgetManager(budget, tok, kstore)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init budget manager failed: %w", err)
	}

	client := provider.NewOpenAIClient(provider.OpenAIConfig{
		BaseURL:   cfg.Provider.BaseURL,
		APIKey:    cfg.Provider.APIKey,
		Model:     cfg.Provider.Model,
		TimeoutMS: cfg.Provider.TimeoutMS,
	})

	compressor, err := contextmgr.NewCompressor(kstore, client, cfg.Compression.HotTail, cfg.Compression.MaxSummaryTokens)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init compressor failed: %w", err)
	}

	return &app{
		cfg:        cfg,
		store:      store,
		tok:        tok,
		kstore:     kstore,
		budget:     manager,
		compressor: compressor,
		client:     client,
		web: adapters.NewWebClient(adapters.WebConfig{
			TimeoutMS: cfg.Web.TimeoutMS,
			UserAgent: cfg.Web.UserAgent,
		}),
		availableModels: cfg.Provider.Models,
	}, nil
}

// openSession 恢复指定会话，空 id 则新建
// openSession resumes the given session, or starts a fresh one.
func (a *app) openSession(id string) (*session.Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return session.New(storage.NewSessionID()), nil
	}
	snap, err := a.store.LoadSnapshot(id)
	if err != nil {
		return nil, err
	}
	return session.FromSnapshot(snap)
}

func (a *app) newAssistant(sess *session.Session) (*assistant.Assistant, error) {
	return assistant.New(assistant.Options{
		Tokenizer:  a.tok,
		Budget:     a.budget,
		Compressor: a.compressor,
		Extractor:  memory.NewExtractor(nil),
		Store:      a.kstore,
		Client:     a.client,
		Session:    sess,
		Persona:    assistant.PresetByID(a.cfg.Persona.Preset),
		Custom:     a.cfg.Persona.CustomInstructions,
	})
}

func (a *app) saveCurrent() {
	sess := a.asst.Session()
	if err := a.store.SaveSnapshot(sess.Snapshot()); err != nil {
		fmt.Fprintf(os.Stderr, "save session failed: %v\n", err)
		return
	}
	sess.ClearDirty()
	a.turnsSinceSave = 0
}

// autoSave 每 N 个回合落盘一次（仅在有改动时）
// autoSave persists every N turns when the session is dirty.
func (a *app) autoSave() {
	a.turnsSinceSave++
	if a.turnsSinceSave >= a.cfg.Chat.AutoSaveInterval && a.asst.Session().Dirty() {
		a.saveCurrent()
	}
}

// noticesFor 把回合的预算侧结果转成用户可读的提示
// noticesFor turns a result's budget side-channel into user-facing
// notices.
func (a *app) noticesFor(res assistant.TurnResult) []string {
	var notices []string
	if res.Warned {
		notices = append(notices, fmt.Sprintf(
			"context usage at %.0f%%, older history will be summarized soon", res.UsageRatio*100))
	}
	if len(res.TrimmedKnowledge) > 0 {
		notices = append(notices, fmt.Sprintf(
			"%d knowledge entries trimmed from this prompt to fit the budget", len(res.TrimmedKnowledge)))
	}
	if res.Compressed != nil {
		notices = append(notices, fmt.Sprintf(
			"compressed earlier conversation into knowledge entry %s", res.Compressed.ID))
	}
	if res.CompressionErr != nil {
		notices = append(notices, fmt.Sprintf(
			"compression failed (will retry next turn): %v", res.CompressionErr))
	}
	return notices
}

// reportBudget 打印回合之外的预算复查结果（知识激活/停用后）
// reportBudget prints the outcome of a budget check performed outside a
// turn, after a knowledge activation or deactivation.
func (a *app) reportBudget(chk assistant.BudgetCheck) {
	res := assistant.TurnResult{
		State:          chk.State,
		UsageRatio:     chk.UsageRatio,
		Warned:         chk.Warned,
		Compressed:     chk.Compressed,
		CompressionErr: chk.CompressionErr,
	}
	for _, notice := range a.noticesFor(res) {
		fmt.Fprintf(os.Stderr, "⚠ %s\n", notice)
	}
}

func (a *app) runREPL() {
	inputReader, inputErr := newLineInput(filepath.Join(a.cfg.Storage.BaseDir, "repl.history"))
	if inputErr != nil {
		fmt.Fprintf(os.Stderr, "line editor unavailable, fallback to basic input: %v\n", inputErr)
	}
	defer inputReader.Close()

	fmt.Println(banner)
	fmt.Printf("session: %s persona=%s model=%s\n",
		a.asst.Session().ID(), a.asst.Persona().ID, a.client.CurrentModel())
	printREPLCommands(os.Stdout)

	for {
		line, err := inputReader.ReadLine("> ")
		if err != nil {
			switch {
			case errors.Is(err, readline.ErrInterrupt):
				fmt.Fprintln(os.Stdout)
				continue
			case errors.Is(err, io.EOF):
				a.saveCurrent()
				fmt.Fprintln(os.Stderr, "\nexit")
				return
			default:
				fmt.Fprintf(os.Stderr, "read input failed: %v\n", err)
				return
			}
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if handled, shouldExit := a.handleCommand(input); handled {
				if shouldExit {
					a.saveCurrent()
					return
				}
				continue
			}
		}

		res, err := a.asst.RunTurn(context.Background(), input, func(chunk string) {
			fmt.Print(chunk)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
			continue
		}
		fmt.Println()
		for _, notice := range a.noticesFor(res) {
			fmt.Fprintf(os.Stderr, "⚠ %s\n", notice)
		}
		a.autoSave()
	}
}

func (a *app) runTUI() error {
	runner := func(input string, onChunk func(string)) (tui.TurnOutcome, error) {
		res, err := a.asst.RunTurn(context.Background(), input, onChunk)
		if err != nil {
			return tui.TurnOutcome{}, err
		}
		a.autoSave()
		return tui.TurnOutcome{
			Reply:   res.Reply,
			Tokens:  int(res.UsageRatio * float64(a.budget.Budget().WindowCapacity)),
			Limit:   a.budget.Budget().WindowCapacity,
			Ratio:   res.UsageRatio,
			State:   res.State.String(),
			Notices: a.noticesFor(res),
		}, nil
	}
	return tui.Run(
		a.asst.Persona().Name,
		a.client.CurrentModel(),
		a.asst.Session().ID(),
		a.budget.Budget().WindowCapacity,
		runner,
	)
}

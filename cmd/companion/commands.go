package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"companion/internal/assistant"
	"companion/internal/config"
	"companion/internal/knowledge"
	"companion/internal/session"
	"companion/internal/storage"
)

// handleCommand 处理斜杠命令；返回 (是否已处理, 是否退出)
// handleCommand dispatches a slash command; returns (handled, shouldExit).
func (a *app) handleCommand(input string) (bool, bool) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return false, false
	}
	cmd := parts[0]
	switch cmd {
	case "/exit", "/quit":
		return true, true
	case "/help":
		printREPLCommands(os.Stdout)
		return true, false
	case "/new":
		a.saveCurrent()
		sess := session.New(storage.NewSessionID())
		asst, err := a.newAssistant(sess)
		if err != nil {
			fmt.Printf("new session failed: %v\n", err)
			return true, false
		}
		a.asst = asst
		fmt.Printf("new session: %s\n", sess.ID())
		return true, false
	case "/save":
		a.saveCurrent()
		fmt.Printf("saved session: %s\n", a.asst.Session().ID())
		return true, false
	case "/sessions":
		metas, err := a.store.ListSessions()
		if err != nil {
			fmt.Printf("list sessions failed: %v\n", err)
			return true, false
		}
		if len(metas) == 0 {
			fmt.Println("no sessions")
			return true, false
		}
		current := a.asst.Session().ID()
		for _, meta := range metas {
			marker := " "
			if meta.ID == current {
				marker = "*"
			}
			fmt.Printf("%s %s  turns=%d  updated=%s\n", marker, meta.ID, meta.TurnCount, meta.UpdatedAt)
		}
		return true, false
	case "/use":
		if len(parts) < 2 {
			fmt.Println("usage: /use <session_id>")
			return true, false
		}
		a.saveCurrent()
		sess, err := a.openSession(parts[1])
		if err != nil {
			fmt.Printf("load session failed: %v\n", err)
			return true, false
		}
		asst, err := a.newAssistant(sess)
		if err != nil {
			fmt.Printf("load session failed: %v\n", err)
			return true, false
		}
		a.asst = asst
		fmt.Printf("using session: %s (%d turns)\n", sess.ID(), sess.TurnCount())
		return true, false
	case "/delete":
		if len(parts) < 2 {
			fmt.Println("usage: /delete <session_id>")
			return true, false
		}
		if parts[1] == a.asst.Session().ID() {
			fmt.Println("cannot delete the active session; /new first")
			return true, false
		}
		if err := a.store.DeleteSession(parts[1]); err != nil {
			fmt.Printf("delete session failed: %v\n", err)
			return true, false
		}
		fmt.Printf("deleted session: %s\n", parts[1])
		return true, false
	case "/export":
		a.cmdExport(parts[1:])
		return true, false
	case "/facts":
		a.cmdFacts()
		return true, false
	case "/forget":
		if len(parts) < 2 {
			fmt.Println("usage: /forget <key>")
			return true, false
		}
		if a.asst.Session().DeleteFact(parts[1]) {
			fmt.Printf("forgot: %s\n", parts[1])
		} else {
			fmt.Printf("no such fact: %s\n", parts[1])
		}
		return true, false
	case "/knowledge":
		a.cmdKnowledge(input, parts[1:])
		return true, false
	case "/persona":
		a.cmdPersona(parts[1:])
		return true, false
	case "/models":
		a.cmdModels(input, parts[1:])
		return true, false
	case "/web":
		a.cmdWeb(parts[1:])
		return true, false
	case "/context":
		ratio := a.budget.UsageRatio(a.asst.Session(), a.asst.SystemPrompt())
		state := a.budget.StateOf(ratio)
		b := a.budget.Budget()
		fmt.Printf("context window=%d usage=%.1f%% state=%s (warn at %.0f%%, compress at %.0f%%)\n",
			b.WindowCapacity, ratio*100, state, b.WarnThreshold*100, b.CriticalThreshold*100)
		return true, false
	case "/stats":
		stats := a.asst.Session().Statistics()
		fmt.Printf("session %s: %d user turns, %d assistant turns, %d facts, %d active knowledge, duration %s\n",
			stats.ID, stats.UserTurns, stats.AssistantTurns, stats.FactCount, stats.KnowledgeCount,
			stats.Duration.Round(time.Second))
		fmt.Printf("tokenizer: encoding=%s precise=%v\n", a.tok.EncodingName(), a.tok.IsPrecise())
		return true, false
	default:
		return false, false
	}
}

func (a *app) cmdExport(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: /export <txt|md|json> [path]")
		return
	}
	out, err := a.asst.Session().Export(session.ExportFormat(args[0]))
	if err != nil {
		fmt.Printf("export failed: %v\n", err)
		return
	}
	if len(args) < 2 {
		fmt.Println(out)
		return
	}
	if err := os.WriteFile(args[1], []byte(out), 0o644); err != nil {
		fmt.Printf("write export failed: %v\n", err)
		return
	}
	fmt.Printf("exported to %s\n", args[1])
}

func (a *app) cmdFacts() {
	facts := a.asst.Session().Facts()
	if len(facts) == 0 {
		fmt.Println("no facts remembered")
		return
	}
	for _, key := range sortedKeys(facts) {
		f := facts[key]
		fmt.Printf("%s [%s/%s]: %s\n", key, f.Category, f.Priority, f.Value)
	}
}

func (a *app) cmdKnowledge(raw string, args []string) {
	if len(args) == 0 {
		fmt.Println("usage: /knowledge list|show|search|add|delete|activate|deactivate")
		return
	}
	switch args[0] {
	case "list":
		var filter knowledge.Filter
		if len(args) > 1 {
			cat, err := knowledge.ParseCategory(args[1])
			if err != nil {
				fmt.Printf("%v\n", err)
				return
			}
			filter.Category = cat
		}
		entries := a.kstore.List(filter)
		if len(entries) == 0 {
			fmt.Println("no knowledge entries")
			return
		}
		active := map[string]bool{}
		for _, id := range a.asst.Session().ActiveKnowledge() {
			active[id] = true
		}
		for _, e := range entries {
			marker := " "
			if active[e.ID] {
				marker = "●"
			}
			fmt.Printf("%s %s  [%s]  %d tokens  v%d\n", marker, e.ID, e.Category, e.TokenCost, e.Version)
		}
	case "show":
		if len(args) < 2 {
			fmt.Println("usage: /knowledge show <id>")
			return
		}
		entry, err := a.kstore.Get(args[1])
		if err != nil {
			fmt.Printf("%v\n", err)
			return
		}
		fmt.Printf("%s (%s, %d tokens, v%d)\n\n%s\n", entry.Title, entry.Category, entry.TokenCost, entry.Version, entry.Body)
		if stats, err := a.kstore.EntryStats(entry.ID); err == nil {
			fmt.Printf("\n%d chars, %d words, %d lines\n", stats.Characters, stats.Words, stats.Lines)
		}
	case "search":
		if len(args) < 2 {
			fmt.Println("usage: /knowledge search <query>")
			return
		}
		hits := a.kstore.Search(searchQuery(args))
		if len(hits) == 0 {
			fmt.Println("no matches")
			return
		}
		for _, hit := range hits {
			fmt.Printf("%s  [%s]\n  ...%s...\n", hit.Entry.ID, hit.Entry.Category, hit.Snippet)
		}
	case "add":
		cat, title, body, err := parseKnowledgeAdd(raw)
		if err != nil {
			fmt.Printf("%v\n", err)
			return
		}
		entry, err := a.kstore.Put(knowledge.Entry{Category: cat, Title: title, Body: body})
		if err != nil {
			fmt.Printf("add knowledge failed: %v\n", err)
			return
		}
		fmt.Printf("stored %s (%d tokens)\n", entry.ID, entry.TokenCost)
	case "delete":
		if len(args) < 2 {
			fmt.Println("usage: /knowledge delete <id>")
			return
		}
		if err := a.kstore.Delete(args[1]); err != nil {
			fmt.Printf("delete failed: %v\n", err)
			return
		}
		a.asst.Session().DeactivateKnowledge(args[1])
		fmt.Printf("deleted %s\n", args[1])
		a.reportBudget(a.asst.CheckBudget(context.Background()))
	case "activate":
		if len(args) < 2 {
			fmt.Println("usage: /knowledge activate <id>")
			return
		}
		if _, err := a.kstore.Get(args[1]); err != nil {
			fmt.Printf("%v\n", err)
			return
		}
		a.asst.Session().ActivateKnowledge(args[1])
		fmt.Printf("activated %s\n", args[1])
		a.reportBudget(a.asst.CheckBudget(context.Background()))
	case "deactivate":
		if len(args) < 2 {
			fmt.Println("usage: /knowledge deactivate <id>")
			return
		}
		a.asst.Session().DeactivateKnowledge(args[1])
		fmt.Printf("deactivated %s\n", args[1])
		a.reportBudget(a.asst.CheckBudget(context.Background()))
	default:
		fmt.Println("usage: /knowledge list|show|search|add|delete|activate|deactivate")
	}
}

// searchQuery 从已分词的子命令参数重组查询串（args[0] 是子命令名）。
// 基于 strings.Fields 的分词对连续空白不敏感。
// searchQuery reassembles the query from tokenized subcommand args
// (args[0] is the subcommand name). Fields-based tokenization is
// insensitive to runs of whitespace.
func searchQuery(args []string) string {
	return strings.Join(args[1:], " ")
}

// parseKnowledgeAdd 解析 /knowledge add <category> <title words> -- <body>。
// 标题按空白分词后重组，正文保留 "--" 之后的原样文本。
// parseKnowledgeAdd parses /knowledge add <category> <title words> -- <body>.
// The title is reassembled from whitespace-split words; the body keeps the
// raw text after "--".
func parseKnowledgeAdd(raw string) (knowledge.Category, string, string, error) {
	usage := fmt.Errorf("usage: /knowledge add <category> <title> -- <body>")
	head, body, found := strings.Cut(raw, "--")
	body = strings.TrimSpace(body)
	if !found || body == "" {
		return "", "", "", usage
	}
	// headParts[0]=/knowledge headParts[1]=add
	headParts := strings.Fields(head)
	if len(headParts) < 4 {
		return "", "", "", usage
	}
	cat, err := knowledge.ParseCategory(headParts[2])
	if err != nil {
		return "", "", "", err
	}
	return cat, strings.Join(headParts[3:], " "), body, nil
}

func (a *app) cmdPersona(args []string) {
	if len(args) == 0 {
		current := a.asst.Persona()
		for _, p := range assistant.Presets() {
			marker := " "
			if p.ID == current.ID {
				marker = "*"
			}
			fmt.Printf("%s %s: %s\n", marker, p.ID, p.Description)
		}
		return
	}
	target := strings.ToLower(strings.TrimSpace(args[0]))
	found := false
	for _, p := range assistant.Presets() {
		if p.ID == target {
			found = true
			break
		}
	}
	if !found {
		fmt.Printf("unknown persona: %s\n", target)
		return
	}
	a.asst.SetPersona(assistant.PresetByID(target))
	if err := config.WritePersonaPreset(".", target); err != nil {
		fmt.Fprintf(os.Stderr, "persist persona failed: %v\n", err)
	}
	fmt.Printf("persona switched to: %s\n", target)
}

func (a *app) cmdModels(raw string, args []string) {
	if len(args) == 0 {
		current := a.client.CurrentModel()
		a.availableModels = normalizedModels(a.availableModels, current)
		fmt.Printf("current model: %s\n", current)
		for idx, m := range a.availableModels {
			marker := " "
			if m == current {
				marker = "*"
			}
			fmt.Printf("%s [%d] %s\n", marker, idx+1, m)
		}
		fmt.Println("switch with: /models <model_id|index>")
		return
	}
	target, err := resolveModelTarget(raw, a.availableModels)
	if err != nil {
		fmt.Printf("usage: /models <model_id|index> (%v)\n", err)
		return
	}
	if err := a.client.SetModel(target); err != nil {
		fmt.Printf("switch model failed: %v\n", err)
		return
	}
	a.availableModels = normalizedModels(a.availableModels, target)
	if err := config.WriteProviderModel(".", target); err != nil {
		fmt.Fprintf(os.Stderr, "persist model failed: %v\n", err)
	}
	fmt.Printf("model switched to: %s\n", a.client.CurrentModel())
}

func (a *app) cmdWeb(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: /web search <query> | /web fetch <url>")
		return
	}
	ctx := context.Background()
	switch args[0] {
	case "search":
		results, err := a.web.Search(ctx, searchQuery(args), a.cfg.Web.MaxResults)
		if err != nil {
			fmt.Printf("search failed: %v\n", err)
			return
		}
		if len(results) == 0 {
			fmt.Println("no results")
			return
		}
		for i, r := range results {
			fmt.Printf("[%d] %s\n    %s\n    %s\n", i+1, r.Title, r.URL, r.Snippet)
		}
	case "fetch":
		text, err := a.web.Fetch(ctx, args[1], a.cfg.Web.MaxContentLength)
		if err != nil {
			fmt.Printf("fetch failed: %v\n", err)
			return
		}
		fmt.Println(text)
	default:
		fmt.Println("usage: /web search <query> | /web fetch <url>")
	}
}

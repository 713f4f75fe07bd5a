package tui

import (
	"fmt"
	"sort"
	"strings"

	"companion/internal/knowledge"
	"companion/internal/memory"

	"github.com/charmbracelet/glamour"
)

// RenderMarkdown 使用 Glamour 渲染 markdown 文本
// RenderMarkdown renders markdown text using Glamour
func RenderMarkdown(content string, width int) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	if width <= 0 {
		width = 80
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}

	rendered, err := r.Render(content)
	if err != nil {
		return content
	}

	return strings.TrimRight(rendered, "\n")
}

// RenderFactList 渲染记忆事实列表（按 key 排序）
// RenderFactList renders remembered facts sorted by key.
func RenderFactList(facts map[string]memory.Fact, theme Theme) string {
	if len(facts) == 0 {
		return theme.MutedStyle.Render("  No facts remembered yet")
	}

	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		f := facts[k]
		badge := string(f.Priority)
		if f.Priority == memory.PriorityHigh {
			badge = theme.WarningStyle.Render(badge)
		} else {
			badge = theme.MutedStyle.Render(badge)
		}
		lines = append(lines, fmt.Sprintf("  %s [%s]", k, badge))
		lines = append(lines, "    "+f.Value)
	}
	return strings.Join(lines, "\n")
}

// RenderKnowledgeList 渲染知识条目列表
// RenderKnowledgeList renders knowledge entries.
func RenderKnowledgeList(entries []knowledge.Entry, active map[string]bool, theme Theme) string {
	if len(entries) == 0 {
		return theme.MutedStyle.Render("  No knowledge stored yet")
	}

	var lines []string
	for _, e := range entries {
		marker := " "
		if active[e.ID] {
			marker = theme.SuccessStyle.Render("●")
		}
		lines = append(lines, fmt.Sprintf("  %s %s", marker, e.Title))
		lines = append(lines, theme.MutedStyle.Render(
			fmt.Sprintf("    %s · %d tokens · %s", e.Category, e.TokenCost, e.ID)))
	}
	return strings.Join(lines, "\n")
}

package tui

import (
	"strings"
	"testing"
	"time"

	"companion/internal/knowledge"
	"companion/internal/memory"
)

func TestRenderMarkdown_Basic(t *testing.T) {
	input := "# Hello\n\nThis is **bold** text."
	result := RenderMarkdown(input, 80)
	if result == "" {
		t.Fatal("RenderMarkdown returned empty")
	}
	// Glamour 应该渲染了标题 / Glamour should have rendered the heading
	if !strings.Contains(result, "Hello") {
		t.Fatalf("result should contain 'Hello': %q", result)
	}
}

func TestRenderMarkdown_Empty(t *testing.T) {
	if RenderMarkdown("", 80) != "" {
		t.Fatal("empty input should return empty")
	}
	if RenderMarkdown("  ", 80) != "" {
		t.Fatal("whitespace input should return empty")
	}
}

func TestRenderFactList(t *testing.T) {
	theme := DarkTheme()

	if got := RenderFactList(nil, theme); !strings.Contains(got, "No facts") {
		t.Fatalf("empty facts: %q", got)
	}

	facts := map[string]memory.Fact{
		"user_name": {
			Key: "user_name", Category: "name", Priority: memory.PriorityHigh,
			Value: "Dana", Timestamp: time.Now(),
		},
		"preference:short_answers": {
			Key: "preference:short_answers", Category: "preference",
			Priority: memory.PriorityNormal, Value: "short answers", Timestamp: time.Now(),
		},
	}
	got := RenderFactList(facts, theme)
	if !strings.Contains(got, "Dana") || !strings.Contains(got, "short answers") {
		t.Fatalf("facts missing: %q", got)
	}
	// 排序后 preference 在 user_name 之前 / sorted keys put preference first
	if strings.Index(got, "preference") > strings.Index(got, "user_name") {
		t.Fatalf("facts not sorted by key: %q", got)
	}
}

func TestRenderKnowledgeList(t *testing.T) {
	theme := DarkTheme()

	if got := RenderKnowledgeList(nil, nil, theme); !strings.Contains(got, "No knowledge") {
		t.Fatalf("empty entries: %q", got)
	}

	entries := []knowledge.Entry{
		{ID: "project/api-notes", Category: knowledge.CategoryProject, Title: "API Notes", TokenCost: 120},
		{ID: "personal/bio", Category: knowledge.CategoryPersonal, Title: "Bio", TokenCost: 40},
	}
	got := RenderKnowledgeList(entries, map[string]bool{"project/api-notes": true}, theme)
	if !strings.Contains(got, "API Notes") || !strings.Contains(got, "Bio") {
		t.Fatalf("entries missing: %q", got)
	}
	if !strings.Contains(got, "●") {
		t.Fatalf("active marker missing: %q", got)
	}
}

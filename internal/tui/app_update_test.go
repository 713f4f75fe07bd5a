package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func TestAppUpdate_PanelSwitchAndInterrupt(t *testing.T) {
	app := NewApp("default", "qwen-plus", "s1", 4096, nil)
	app.width, app.height = 100, 30
	app.relayout()

	m, _ := app.Update(tea.KeyMsg{Type: tea.KeyTab})
	updated := m.(App)
	if updated.activePanel != PanelKnowledge {
		t.Fatalf("expected knowledge panel, got %v", updated.activePanel)
	}

	m, _ = updated.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	updated = m.(App)
	if updated.activePanel != PanelChat {
		t.Fatalf("expected chat panel after shift+tab, got %v", updated.activePanel)
	}

	updated.streaming = true
	m, _ = updated.Update(tea.KeyMsg{Type: tea.KeyEsc})
	updated = m.(App)
	if updated.streaming {
		t.Fatalf("expected streaming false after esc")
	}
	if !strings.Contains(updated.chatContent, "Generation interrupted") {
		t.Fatalf("missing interruption notice: %q", updated.chatContent)
	}
}

func TestAppUpdate_ClearChat(t *testing.T) {
	app := NewApp("default", "qwen-plus", "s1", 4096, nil)
	app.width, app.height = 100, 30
	app.relayout()
	app.appendChat("old transcript line")

	m, _ := app.Update(tea.KeyMsg{Type: tea.KeyCtrlL})
	updated := m.(App)
	if updated.chatContent != "" {
		t.Fatalf("chat not cleared: %q", updated.chatContent)
	}
}

func TestAppUpdate_StreamAndTurnDone(t *testing.T) {
	app := NewApp("default", "qwen-plus", "s1", 4096, nil)
	app.width, app.height = 100, 30
	app.relayout()

	m, _ := app.Update(TextChunkMsg{Text: "hello"})
	updated := m.(App)
	if !updated.streaming || updated.streamBuffer != "hello" {
		t.Fatalf("unexpected stream state")
	}

	m, _ = updated.Update(TurnDoneMsg{Outcome: TurnOutcome{
		Reply:  "hello",
		Tokens: 900,
		Limit:  4096,
		Ratio:  0.22,
		State:  "nominal",
	}})
	updated = m.(App)
	if updated.streaming {
		t.Fatalf("expected streaming false")
	}
	if !strings.Contains(updated.chatContent, "hello") {
		t.Fatalf("missing reply in chat: %q", updated.chatContent)
	}
	if updated.tokens != 900 || updated.usageRatio != 0.22 {
		t.Fatalf("usage not applied: %d / %v", updated.tokens, updated.usageRatio)
	}
}

func TestAppUpdate_NoticesAndErrors(t *testing.T) {
	app := NewApp("default", "qwen-plus", "s1", 4096, nil)
	app.width, app.height = 100, 30
	app.relayout()

	m, _ := app.Update(NoticeMsg{Text: "context usage high"})
	updated := m.(App)
	if !strings.Contains(updated.chatContent, "context usage high") {
		t.Fatalf("missing notice in chat")
	}

	m, _ = updated.Update(TurnDoneMsg{Err: errors.New("boom")})
	updated = m.(App)
	if updated.lastError != "boom" {
		t.Fatalf("unexpected last error: %q", updated.lastError)
	}
	if !strings.Contains(updated.chatContent, "boom") {
		t.Fatalf("missing error in chat")
	}
}

func TestAppUpdate_UsageAndPanelContent(t *testing.T) {
	app := NewApp("default", "qwen-plus", "s1", 4096, nil)
	app.width, app.height = 100, 30
	app.relayout()

	m, _ := app.Update(UsageUpdateMsg{Tokens: 3800, Limit: 4096, Ratio: 0.93, State: "critical"})
	updated := m.(App)
	if updated.budgetState != "critical" {
		t.Fatalf("state = %q", updated.budgetState)
	}
	if badge := updated.renderStateBadge(); !strings.Contains(badge, "CRITICAL") {
		t.Fatalf("badge = %q", badge)
	}

	m, _ = updated.Update(PanelContentMsg{Panel: PanelMemory, Content: "user_name: Dana", Count: 1})
	updated = m.(App)
	if updated.factCount != 1 || !strings.Contains(updated.memoryContent, "Dana") {
		t.Fatalf("memory panel not updated: %q", updated.memoryContent)
	}
}

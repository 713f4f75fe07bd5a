package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// PanelID 面板标识
// PanelID identifies a panel
type PanelID int

const (
	PanelChat PanelID = iota
	PanelKnowledge
	PanelMemory
)

// --- Tea Messages ---

// TextChunkMsg 流式文本块
// TextChunkMsg is a streaming text chunk
type TextChunkMsg struct{ Text string }

// NoticeMsg 预算侧通知（告警、压缩、裁剪）
// NoticeMsg is a budget-side notice (warning, compression, trimming)
type NoticeMsg struct{ Text string }

// TurnDoneMsg 回合完成
// TurnDoneMsg indicates a turn is done
type TurnDoneMsg struct {
	Outcome TurnOutcome
	Err     error
}

// UsageUpdateMsg 上下文用量更新
// UsageUpdateMsg carries updated context usage
type UsageUpdateMsg struct {
	Tokens int
	Limit  int
	Ratio  float64
	State  string
}

// SessionInfoMsg 会话信息更新
// SessionInfoMsg carries session info
type SessionInfoMsg struct {
	ID      string
	Persona string
	Model   string
}

// PanelContentMsg 更新知识/记忆面板内容
// PanelContentMsg replaces a panel's rendered content
type PanelContentMsg struct {
	Panel   PanelID
	Content string
	Count   int
}

// TurnOutcome 一个回合的展示层结果
// TurnOutcome is the display-layer result of one turn.
type TurnOutcome struct {
	Reply   string
	Tokens  int
	Limit   int
	Ratio   float64
	State   string
	Notices []string
}

// TurnRunner 执行一个对话回合；onChunk 逐块接收流式输出
// TurnRunner executes one conversational turn; onChunk receives the
// streamed reply chunk by chunk.
type TurnRunner func(input string, onChunk func(string)) (TurnOutcome, error)

// App Bubble Tea 主 Model
// App is the main Bubble Tea model
type App struct {
	// 布局 / Layout
	width  int
	height int

	// 面板 / Panels
	activePanel   PanelID
	chatView      viewport.Model
	knowledgeView viewport.Model
	memoryView    viewport.Model

	// 输入 / Input
	input        textarea.Model
	inputFocused bool

	// 侧边栏数据 / Sidebar data
	personaName    string
	modelName      string
	sessionID      string
	tokens         int
	tokenLimit     int
	usageRatio     float64
	budgetState    string
	factCount      int
	knowledgeCount int

	// 内容缓冲。Model 每次 Update 都被整体复制，所以用 string 而不是
	// strings.Builder（Builder 复制后再写会 panic）。
	// Content buffers. The model is copied on every Update, so these are
	// plain strings rather than strings.Builder (a used Builder panics
	// when copied and written again).
	chatContent      string
	knowledgeContent string
	memoryContent    string

	// 状态 / State
	streaming    bool
	streamBuffer string
	lastError    string

	// 回合执行 / Turn execution
	runner TurnRunner
	send   func(tea.Msg)

	// 配置 / Config
	theme Theme
	keys  KeyMap
}

// NewApp 创建 TUI 应用
// NewApp creates a new TUI application
func NewApp(persona, model, sessionID string, tokenLimit int, runner TurnRunner) App {
	ta := textarea.New()
	ta.Placeholder = "Type a message..."
	ta.CharLimit = 8192
	ta.SetHeight(3)
	ta.Focus()

	if tokenLimit <= 0 {
		tokenLimit = 4096
	}

	return App{
		activePanel:  PanelChat,
		input:        ta,
		inputFocused: true,
		personaName:  persona,
		modelName:    model,
		sessionID:    sessionID,
		tokenLimit:   tokenLimit,
		budgetState:  "nominal",
		runner:       runner,
		theme:        DarkTheme(),
		keys:         DefaultKeyMap(),
	}
}

func (a App) Init() tea.Cmd {
	return textarea.Blink
}

func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, a.keys.Quit):
			return a, tea.Quit
		case key.Matches(msg, a.keys.NextPanel):
			a.activePanel = (a.activePanel + 1) % 3
			return a, nil
		case key.Matches(msg, a.keys.PrevPanel):
			a.activePanel = (a.activePanel + 2) % 3
			return a, nil
		case key.Matches(msg, a.keys.Interrupt):
			if a.streaming {
				a.streaming = false
				a.appendChat(a.theme.MutedStyle.Render("⚠ Generation interrupted"))
			}
			return a, nil
		case key.Matches(msg, a.keys.ClearChat):
			a.chatContent = ""
			a.chatView.SetContent("")
			return a, nil
		case key.Matches(msg, a.keys.Submit):
			if !a.streaming {
				return a.submit()
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.relayout()
		return a, nil

	case TextChunkMsg:
		a.streaming = true
		a.streamBuffer += msg.Text
		a.updateChatFromStream()
		return a, nil

	case NoticeMsg:
		a.appendChat(a.theme.WarningStyle.Render("⚠ " + msg.Text))
		return a, nil

	case TurnDoneMsg:
		a.streaming = false
		if msg.Err != nil {
			a.lastError = msg.Err.Error()
			a.appendChat(a.theme.ErrorStyle.Render("❌ " + msg.Err.Error()))
		} else {
			a.flushStreamToChat(msg.Outcome.Reply)
			a.applyOutcome(msg.Outcome)
		}
		a.streamBuffer = ""
		return a, nil

	case UsageUpdateMsg:
		a.tokens = msg.Tokens
		a.tokenLimit = msg.Limit
		a.usageRatio = msg.Ratio
		a.budgetState = msg.State
		return a, nil

	case SessionInfoMsg:
		a.sessionID = msg.ID
		a.personaName = msg.Persona
		a.modelName = msg.Model
		return a, nil

	case setSendMsg:
		a.send = msg.send
		return a, nil

	case PanelContentMsg:
		switch msg.Panel {
		case PanelKnowledge:
			a.knowledgeContent = msg.Content
			a.knowledgeCount = msg.Count
			a.knowledgeView.SetContent(msg.Content)
		case PanelMemory:
			a.memoryContent = msg.Content
			a.factCount = msg.Count
			a.memoryView.SetContent(msg.Content)
		}
		return a, nil
	}

	// 更新输入区 / Update input area
	if a.inputFocused {
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	return a, tea.Batch(cmds...)
}

func (a App) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(a.input.Value())
	if text == "" || a.runner == nil {
		return a, nil
	}
	a.input.Reset()
	a.appendChat("\n👤 " + text)
	a.streaming = true
	a.streamBuffer = ""

	runner := a.runner
	send := a.send
	return a, func() tea.Msg {
		outcome, err := runner(text, func(chunk string) {
			if send != nil {
				send(TextChunkMsg{Text: chunk})
			}
		})
		return TurnDoneMsg{Outcome: outcome, Err: err}
	}
}

func (a *App) applyOutcome(out TurnOutcome) {
	if out.Limit > 0 {
		a.tokens = out.Tokens
		a.tokenLimit = out.Limit
		a.usageRatio = out.Ratio
		a.budgetState = out.State
	}
	for _, n := range out.Notices {
		a.appendChat(a.theme.WarningStyle.Render("⚠ " + n))
	}
}

// --- 内部方法 / Internal methods ---

func (a *App) relayout() {
	mainWidth := a.width
	panelHeight := a.height - 8

	if panelHeight < 3 {
		panelHeight = 3
	}

	a.chatView = viewport.New(mainWidth, panelHeight)
	a.chatView.SetContent(a.chatContent)

	a.knowledgeView = viewport.New(mainWidth, panelHeight)
	a.knowledgeView.SetContent(a.knowledgeContent)

	a.memoryView = viewport.New(mainWidth, panelHeight)
	a.memoryView.SetContent(a.memoryContent)

	a.input.SetWidth(mainWidth - 4)
}

func (a *App) appendChat(text string) {
	a.chatContent += text + "\n"
	a.chatView.SetContent(a.chatContent)
	a.chatView.GotoBottom()
}

func (a *App) updateChatFromStream() {
	// 流式输出时显示已有内容 + 缓冲区
	content := a.chatContent
	if a.streamBuffer != "" {
		content += "\n" + a.streamBuffer
	}
	a.chatView.SetContent(content)
	a.chatView.GotoBottom()
}

func (a *App) flushStreamToChat(reply string) {
	if reply == "" {
		reply = a.streamBuffer
	}
	if strings.TrimSpace(reply) == "" {
		return
	}
	rendered := RenderMarkdown(reply, a.chatViewWidth())
	a.chatContent += "\n" + rendered + "\n"
	a.chatView.SetContent(a.chatContent)
	a.chatView.GotoBottom()
}

func (a App) chatViewWidth() int {
	if a.width <= 0 {
		return 80
	}
	return a.width * 3 / 4
}

// --- 渲染方法 / Render methods ---

func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "Initializing..."
	}

	// 计算布局尺寸 / Calculate layout dimensions
	sidebarWidth := a.width * 25 / 100
	if sidebarWidth < 20 {
		sidebarWidth = 20
	}
	if sidebarWidth > 40 {
		sidebarWidth = 40
	}
	if a.width < 80 {
		sidebarWidth = 0
	}

	mainWidth := a.width - sidebarWidth
	if sidebarWidth > 0 {
		mainWidth-- // border
	}

	inputHeight := 5
	statusHeight := 1
	tabHeight := 1
	panelHeight := a.height - inputHeight - statusHeight - tabHeight

	if panelHeight < 3 {
		panelHeight = 3
	}

	tabs := a.renderTabs(mainWidth)
	panel := a.renderActivePanel(mainWidth, panelHeight)
	inputBox := a.renderInput(mainWidth)
	statusBar := a.renderStatusBar(a.width)

	main := lipgloss.JoinVertical(lipgloss.Left, tabs, panel, inputBox)

	if sidebarWidth > 0 {
		sidebar := a.renderSidebar(sidebarWidth, a.height-statusHeight)
		main = lipgloss.JoinHorizontal(lipgloss.Top, main, sidebar)
	}

	return lipgloss.JoinVertical(lipgloss.Left, main, statusBar)
}

func (a App) renderTabs(width int) string {
	tabs := []struct {
		id   PanelID
		name string
	}{
		{PanelChat, "Chat"},
		{PanelKnowledge, "Knowledge"},
		{PanelMemory, "Memory"},
	}

	var parts []string
	for _, tab := range tabs {
		style := a.theme.InactiveTabStyle
		if tab.id == a.activePanel {
			style = a.theme.ActiveTabStyle
		}
		parts = append(parts, style.Render(tab.name))
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (a App) renderActivePanel(width, height int) string {
	style := lipgloss.NewStyle().
		Width(width).
		Height(height)

	var content string
	switch a.activePanel {
	case PanelChat:
		content = a.chatView.View()
	case PanelKnowledge:
		if a.knowledgeContent == "" {
			content = a.theme.MutedStyle.Render("  No knowledge stored yet")
		} else {
			content = a.knowledgeView.View()
		}
	case PanelMemory:
		if a.memoryContent == "" {
			content = a.theme.MutedStyle.Render("  No facts remembered yet")
		} else {
			content = a.memoryView.View()
		}
	}

	return style.Render(content)
}

func (a App) renderInput(width int) string {
	style := a.theme.InputStyle.Width(width)
	return style.Render(a.input.View())
}

func (a App) renderSidebar(width, height int) string {
	var parts []string

	parts = append(parts, a.theme.TitleStyle.Render(" Companion"))
	parts = append(parts, "")

	// 上下文用量 / Context usage
	parts = append(parts, a.theme.TitleStyle.Render(" Context"))
	bar := renderProgressBar(a.usageRatio*100, width-4)
	parts = append(parts, "  "+bar)
	parts = append(parts, fmt.Sprintf("  %d / %d tokens", a.tokens, a.tokenLimit))
	parts = append(parts, "  "+a.renderStateBadge())
	parts = append(parts, "")

	parts = append(parts, a.theme.TitleStyle.Render(" Persona"))
	parts = append(parts, "  "+a.personaName)
	parts = append(parts, "")

	parts = append(parts, a.theme.TitleStyle.Render(" Model"))
	parts = append(parts, "  "+a.modelName)
	parts = append(parts, "")

	parts = append(parts, a.theme.TitleStyle.Render(" Session"))
	parts = append(parts, "  "+a.sessionID)
	parts = append(parts, fmt.Sprintf("  %d facts · %d knowledge", a.factCount, a.knowledgeCount))

	content := strings.Join(parts, "\n")

	style := a.theme.SidebarStyle.
		Width(width).
		Height(height)

	return style.Render(content)
}

func (a App) renderStateBadge() string {
	switch a.budgetState {
	case "critical":
		return a.theme.CriticalStyle.Render("CRITICAL")
	case "warning":
		return a.theme.WarningStyle.Render("WARNING")
	default:
		return a.theme.SuccessStyle.Render("nominal")
	}
}

func (a App) renderStatusBar(width int) string {
	status := a.keys.helpLine()
	if a.streaming {
		status = "thinking..."
	}

	left := fmt.Sprintf(" %s · %s · %s", a.personaName, a.modelName, status)
	right := fmt.Sprintf("%.0f%% context  ", a.usageRatio*100)

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}

	bar := left + strings.Repeat(" ", gap) + right
	return a.theme.StatusBarStyle.Width(width).Render(bar)
}

func renderProgressBar(percent float64, width int) string {
	if width < 4 {
		width = 4
	}
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	empty := width - filled
	return strings.Repeat("█", filled) + strings.Repeat("░", empty)
}

// Run 启动 Bubble Tea TUI
// Run starts the Bubble Tea TUI application
func Run(persona, model, sessionID string, tokenLimit int, runner TurnRunner) error {
	app := NewApp(persona, model, sessionID, tokenLimit, runner)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithMouseCellMotion())

	// send 在程序启动后才可用；通过消息注入模型
	// p.Send becomes usable once the program runs; inject it via a message.
	go p.Send(setSendMsg{send: p.Send})

	_, err := p.Run()
	return err
}

type setSendMsg struct{ send func(tea.Msg) }

package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
)

// KeyMap 聊天界面的全局快捷键：面板轮换、回合提交/打断、清屏
// KeyMap holds the chat UI's global keybindings: panel cycling, turn
// submit/interrupt, and clearing the transcript.
type KeyMap struct {
	NextPanel key.Binding
	PrevPanel key.Binding
	Submit    key.Binding
	Interrupt key.Binding
	ClearChat key.Binding
	Quit      key.Binding
}

// DefaultKeyMap 默认快捷键 / DefaultKeyMap returns default keybindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		NextPanel: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "panels"),
		),
		PrevPanel: key.NewBinding(
			key.WithKeys("shift+tab"),
			key.WithHelp("shift+tab", "panels back"),
		),
		Submit: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "send"),
		),
		Interrupt: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "interrupt"),
		),
		ClearChat: key.NewBinding(
			key.WithKeys("ctrl+l"),
			key.WithHelp("ctrl+l", "clear chat"),
		),
		Quit: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("ctrl+c", "quit"),
		),
	}
}

// helpLine 状态栏用的快捷键提示 / helpLine is the status-bar hint.
func (k KeyMap) helpLine() string {
	var parts []string
	for _, b := range []key.Binding{k.NextPanel, k.Interrupt, k.Quit} {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, " · ")
}

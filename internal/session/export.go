package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ExportFormat 导出格式 / ExportFormat selects the transcript rendering.
type ExportFormat string

const (
	FormatText     ExportFormat = "txt"
	FormatMarkdown ExportFormat = "md"
	FormatJSON     ExportFormat = "json"
)

// Export 把会话渲染为文本、markdown 或 JSON 快照
// Export renders the session as plain text, markdown, or a JSON snapshot.
func (s *Session) Export(format ExportFormat) (string, error) {
	snap := s.Snapshot()
	switch format {
	case FormatText:
		return exportText(snap), nil
	case FormatMarkdown:
		return exportMarkdown(snap), nil
	case FormatJSON:
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal session %s: %w", snap.ID, err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("unknown export format %q", format)
	}
}

func exportText(snap Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", snap.ID)
	fmt.Fprintf(&b, "Created: %s\n", snap.CreatedAt.Format("2006-01-02 15:04:05"))
	b.WriteString(strings.Repeat("=", 50) + "\n\n")
	for _, t := range snap.Turns {
		fmt.Fprintf(&b, "[%s] %s:\n%s\n\n", t.Timestamp.Format("15:04:05"), strings.ToUpper(t.Role), t.Content)
	}
	if len(snap.Facts) > 0 {
		b.WriteString("Remembered facts:\n")
		for _, key := range sortedFactKeys(snap) {
			fmt.Fprintf(&b, "  - %s: %s\n", key, snap.Facts[key].Value)
		}
	}
	return b.String()
}

func exportMarkdown(snap Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", snap.ID)
	fmt.Fprintf(&b, "_Created %s_\n\n", snap.CreatedAt.Format("2006-01-02 15:04"))
	for _, t := range snap.Turns {
		fmt.Fprintf(&b, "**%s** (%s):\n\n%s\n\n---\n\n",
			capitalize(t.Role), t.Timestamp.Format("15:04"), t.Content)
	}
	if len(snap.Facts) > 0 {
		b.WriteString("## Remembered facts\n\n")
		for _, key := range sortedFactKeys(snap) {
			fmt.Fprintf(&b, "- **%s**: %s\n", key, snap.Facts[key].Value)
		}
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func sortedFactKeys(snap Snapshot) []string {
	keys := make([]string, 0, len(snap.Facts))
	for k := range snap.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package contextmgr

import (
	"strings"
	"testing"

	"companion/internal/chat"
)

// fallbackTokenizer 强制启发式路径，测试不依赖 BPE 缓存
// fallbackTokenizer forces the heuristic path so tests never depend on a
// BPE cache being present.
func fallbackTokenizer() *Tokenizer {
	return NewTokenizer("no-such-encoding")
}

func TestEstimateTextEmpty(t *testing.T) {
	tok := fallbackTokenizer()
	if got := tok.EstimateText(""); got != 0 {
		t.Errorf("EstimateText(\"\") = %d, want 0", got)
	}
}

func TestEstimateMonotonic(t *testing.T) {
	tok := fallbackTokenizer()

	base := "the quick brown fox"
	prev := tok.EstimateText(base)
	for _, suffix := range []string{" jumps", " over the lazy dog", strings.Repeat(" more", 50), "。中文内容也一样"} {
		base += suffix
		cur := tok.EstimateText(base)
		if cur < prev {
			t.Fatalf("estimate dropped after append: %d -> %d (text %q)", prev, cur, suffix)
		}
		prev = cur
	}
}

func TestHeuristicCJKWeighting(t *testing.T) {
	tok := fallbackTokenizer()

	ascii := strings.Repeat("a", 100)
	cjk := strings.Repeat("文", 100)
	if tok.EstimateText(cjk) <= tok.EstimateText(ascii) {
		t.Errorf("CJK estimate (%d) should exceed ASCII estimate (%d) for equal rune counts",
			tok.EstimateText(cjk), tok.EstimateText(ascii))
	}
}

func TestEstimateTurnIncludesOverhead(t *testing.T) {
	tok := fallbackTokenizer()

	content := "hello world"
	turn := tok.EstimateTurn(chat.RoleUser, content)
	if turn <= tok.EstimateText(content) {
		t.Errorf("EstimateTurn (%d) must exceed bare content estimate (%d)",
			turn, tok.EstimateText(content))
	}

	total := tok.EstimateTurns([]chat.Turn{
		{Role: chat.RoleUser, Content: "a"},
		{Role: chat.RoleAssistant, Content: "b"},
	})
	if total < 2*turnOverheadTokens {
		t.Errorf("EstimateTurns = %d, want at least %d", total, 2*turnOverheadTokens)
	}
}

func TestCalibrateOnlyRaises(t *testing.T) {
	tok := fallbackTokenizer()
	text := strings.Repeat("calibration sample ", 20)
	base := tok.EstimateText(text)

	// 实际低于估算：不下调 / actual below estimate: never lowers the ratio
	tok.Calibrate(base/2, base)
	if got := tok.EstimateText(text); got != base {
		t.Errorf("estimate changed after downward calibration: %d -> %d", base, got)
	}

	// 实际高于估算：上调 / actual above estimate: raises the ratio
	tok.Calibrate(base*3/2, base)
	raised := tok.EstimateText(text)
	if raised <= base {
		t.Errorf("estimate did not rise after upward calibration: %d -> %d", base, raised)
	}

	// 校准系数有上限 / the ratio is clamped
	tok.Calibrate(base*100, base)
	clamped := tok.EstimateText(text)
	if clamped > base*2+1 {
		t.Errorf("estimate %d exceeds clamp (base %d)", clamped, base)
	}

	// 无效输入忽略 / junk input is ignored
	tok.Calibrate(0, base)
	tok.Calibrate(base, 0)
	if got := tok.EstimateText(text); got != clamped {
		t.Errorf("estimate changed after junk calibration: %d -> %d", clamped, got)
	}
}

func TestModelToEncoding(t *testing.T) {
	cases := []struct {
		model string
		want  string
	}{
		{"gpt-4o-mini", "o200k_base"},
		{"o3-mini", "o200k_base"},
		{"gpt-4-turbo", "cl100k_base"},
		{"qwen2.5-coder", "cl100k_base"},
		{"", "cl100k_base"},
		{"some-local-model", "cl100k_base"},
	}
	for _, tc := range cases {
		if got := modelToEncoding(tc.model); got != tc.want {
			t.Errorf("modelToEncoding(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}

package contextmgr

import (
	"math"
	"strings"
	"sync"

	"companion/internal/chat"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// 每条消息的固定结构开销（role 标记、分隔符等）
// Fixed per-turn structural overhead (role marker, separators)
const turnOverheadTokens = 4

// Tokenizer 保守的 token 计数器：tiktoken 精确计数 + 启发式回退 + 用量校准
// Tokenizer is a conservative token counter: tiktoken when available,
// heuristic fallback otherwise, calibrated against provider-reported usage.
// Estimates are monotonic (appending text never lowers the count) and are
// scaled by a calibration ratio that only ever moves upward from 1.0, so
// the accountant may over-estimate but never silently under-estimates.
type Tokenizer struct {
	encoder      *tiktoken.Tiktoken
	encodingName string
	fallback     bool
	ratio        float64 // 校准系数，始终 >= 1.0 / calibration ratio, clamped to >= 1.0
	mu           sync.RWMutex
}

// 校准系数的上限，避免单次异常用量导致预算彻底失真
// Upper clamp so one anomalous usage report cannot wreck the budget.
const maxCalibrationRatio = 2.0

// NewTokenizer 创建 tokenizer，tiktoken 初始化失败时回退到启发式
// NewTokenizer creates a tokenizer, falling back to the heuristic when
// tiktoken cannot initialize (offline environments without a BPE cache).
func NewTokenizer(encodingName string) *Tokenizer {
	t := &Tokenizer{encodingName: encodingName, ratio: 1.0}

	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		t.fallback = true
		return t
	}
	t.encoder = enc
	return t
}

// NewTokenizerForModel 根据模型名自动选择编码
// NewTokenizerForModel auto-selects the encoding for a model name.
func NewTokenizerForModel(model string) *Tokenizer {
	return NewTokenizer(modelToEncoding(model))
}

// EstimateText 估算单段文本的 token 数（确定性、无副作用）
// EstimateText returns the token estimate for a single text string.
// Deterministic and side-effect free for a fixed calibration state.
func (t *Tokenizer) EstimateText(text string) int {
	if text == "" {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var raw int
	if t.fallback || t.encoder == nil {
		raw = heuristicTokenCount(text)
	} else {
		raw = len(t.encoder.Encode(text, nil, nil))
	}
	return int(math.Ceil(float64(raw) * t.ratio))
}

// EstimateTurn 估算一条消息的 token 数（含结构开销）
// EstimateTurn estimates one message including structural overhead.
func (t *Tokenizer) EstimateTurn(role, content string) int {
	return turnOverheadTokens + t.EstimateText(role) + t.EstimateText(content)
}

// EstimateTurns 估算消息列表的总 token 数
// EstimateTurns sums the estimates for a list of turns.
func (t *Tokenizer) EstimateTurns(turns []chat.Turn) int {
	total := 0
	for _, turn := range turns {
		total += t.EstimateTurn(turn.Role, turn.Content)
	}
	return total
}

// Calibrate 用推理服务上报的真实 prompt 用量校准估算系数。
// 只会上调，不会下调到 1.0 以下：低估会在服务边界造成不可恢复的超窗错误。
// Calibrate adjusts the estimate ratio from actual prompt usage reported by
// the inference service. The ratio only moves up, never below 1.0:
// under-estimation risks an unrecoverable over-window error at the service
// boundary, while over-estimation merely wastes a little budget.
func (t *Tokenizer) Calibrate(actualTokens, estimatedTokens int) {
	if actualTokens <= 0 || estimatedTokens <= 0 {
		return
	}
	observed := float64(actualTokens) / float64(estimatedTokens)
	if observed <= 1.0 {
		return
	}
	if observed > maxCalibrationRatio {
		observed = maxCalibrationRatio
	}
	t.mu.Lock()
	if observed > t.ratio {
		t.ratio = observed
	}
	t.mu.Unlock()
}

// IsPrecise 返回是否使用精确计数
// IsPrecise reports whether exact BPE counting is active.
func (t *Tokenizer) IsPrecise() bool {
	return !t.fallback
}

// EncodingName 返回编码名称 / EncodingName returns the encoding name.
func (t *Tokenizer) EncodingName() string {
	return t.encodingName
}

// heuristicTokenCount 启发式估算：ASCII ~4 字符/token，CJK ~1.5 token/字
// heuristicTokenCount estimates ASCII at ~4 chars/token and CJK at ~1.5
// tokens per character. Both contributions grow with input length, so the
// estimate is monotonic under appended content.
func heuristicTokenCount(text string) int {
	if text == "" {
		return 0
	}
	cjkCount := 0
	asciiCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		} else {
			asciiCount++
		}
	}
	estimate := int(math.Ceil(float64(cjkCount)*1.5 + float64(asciiCount)*0.25))
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols
		(r >= 0xFF00 && r <= 0xFFEF) || // Fullwidth Forms
		(r >= 0xAC00 && r <= 0xD7AF) // Korean Hangul
}

// modelToEncoding 根据模型名推断编码
// modelToEncoding maps a model name to an encoding name.
func modelToEncoding(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return "cl100k_base"
	}
	if strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") {
		return "o200k_base"
	}
	if strings.HasPrefix(m, "gpt-4o") || strings.HasPrefix(m, "chatgpt-4o") {
		return "o200k_base"
	}
	if strings.HasPrefix(m, "gpt-4") || strings.HasPrefix(m, "gpt-3.5") {
		return "cl100k_base"
	}
	if strings.HasPrefix(m, "qwen") {
		return "cl100k_base"
	}
	if strings.HasPrefix(m, "claude") {
		return "cl100k_base"
	}
	return "cl100k_base"
}

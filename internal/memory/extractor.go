package memory

import (
	"strings"
	"time"
)

// Priority 事实的重要程度 / Priority ranks a fact's importance.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Fact 从用户消息中提取的一条结构化事实
// Fact is one structured item mined from a user message.
type Fact struct {
	Key      string   `json:"key"`
	Category string   `json:"category"`
	Priority Priority `json:"priority"`
	Trigger  string   `json:"trigger"`
	Value    string   `json:"value"`
	// SourceTurnIndex 由调用方回填：提取本身只看文本
	// SourceTurnIndex is filled in by the caller; extraction sees text only.
	SourceTurnIndex int       `json:"source_turn_index"`
	Timestamp       time.Time `json:"timestamp"`
}

// Trigger 触发短语到事实分类的映射
// Trigger maps a phrase to a fact category and priority.
type Trigger struct {
	Phrase   string
	Category string
	Priority Priority
}

// DefaultTriggers 内置触发表；表内顺序即同位置命中时的优先顺序
// DefaultTriggers is the built-in trigger table. Table order breaks ties
// when two phrases match a sentence at the same position.
func DefaultTriggers() []Trigger {
	return []Trigger{
		{Phrase: "my name is", Category: "name", Priority: PriorityHigh},
		{Phrase: "remember that", Category: "rule", Priority: PriorityHigh},
		{Phrase: "important:", Category: "critical", Priority: PriorityHigh},
		{Phrase: "keep in mind", Category: "rule", Priority: PriorityHigh},
		{Phrase: "note:", Category: "note", Priority: PriorityNormal},
		{Phrase: "i prefer", Category: "preference", Priority: PriorityNormal},
		{Phrase: "i like", Category: "preference", Priority: PriorityNormal},
		{Phrase: "i hate", Category: "preference", Priority: PriorityNormal},
		{Phrase: "i dislike", Category: "preference", Priority: PriorityNormal},
		{Phrase: "always", Category: "rule", Priority: PriorityNormal},
		{Phrase: "never", Category: "rule", Priority: PriorityNormal},
		{Phrase: "i am", Category: "profile", Priority: PriorityLow},
		{Phrase: "i work", Category: "profile", Priority: PriorityLow},
		{Phrase: "i use", Category: "profile", Priority: PriorityLow},
	}
}

// Extractor 无状态的事实提取器；提取是纯函数，不修改任何会话状态
// Extractor mines facts from message text. Extraction is a pure function
// of (triggers, content): it never mutates session state, and the caller
// decides what to do with the result.
type Extractor struct {
	triggers []Trigger
}

// NewExtractor 创建提取器，triggers 为空时使用内置表
// NewExtractor builds an extractor; nil triggers selects the default table.
func NewExtractor(triggers []Trigger) *Extractor {
	if len(triggers) == 0 {
		triggers = DefaultTriggers()
	}
	return &Extractor{triggers: triggers}
}

// Extract 按句切分消息，每句最多产出一条事实：取最左侧命中的触发短语，
// 同位置命中按触发表顺序取第一个。句子本身作为事实内容；name 类事实
// 额外解析出名字。返回顺序与句子出现顺序一致。
// Extract splits the message into sentences and yields at most one fact
// per sentence: the leftmost matching trigger wins, with table order
// breaking position ties. The sentence text is the fact value; name facts
// carry the parsed name instead. Output order follows sentence order.
func (e *Extractor) Extract(content string, at time.Time) []Fact {
	var facts []Fact
	for _, sentence := range splitSentences(content) {
		lowered := strings.ToLower(sentence)

		best := -1
		bestPos := len(lowered) + 1
		for i, trig := range e.triggers {
			pos := strings.Index(lowered, trig.Phrase)
			if pos >= 0 && pos < bestPos {
				best = i
				bestPos = pos
			}
		}
		if best < 0 {
			continue
		}

		trig := e.triggers[best]
		fact := Fact{
			Key:       factKey(trig),
			Category:  trig.Category,
			Priority:  trig.Priority,
			Trigger:   trig.Phrase,
			Value:     sentence,
			Timestamp: at,
		}
		if trig.Category == "name" {
			if name := parseName(lowered, bestPos+len(trig.Phrase)); name != "" {
				fact.Key = "user_name"
				fact.Value = name
			}
		}
		facts = append(facts, fact)
	}
	return facts
}

// factKey 由触发短语派生事实键，同一触发的新事实覆盖旧值
// factKey derives the fact key from the trigger phrase so a newer fact
// for the same trigger replaces the older one.
func factKey(trig Trigger) string {
	slug := strings.TrimSuffix(trig.Phrase, ":")
	slug = strings.ReplaceAll(slug, " ", "_")
	return trig.Category + ":" + slug
}

// parseName 取触发短语之后的第一个词作为名字
// parseName takes the first word after the trigger as the name.
func parseName(lowered string, after int) string {
	rest := strings.Fields(lowered[after:])
	if len(rest) == 0 {
		return ""
	}
	name := strings.Trim(rest[0], ".,!?;:\"'")
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// splitSentences 以句号/问号/叹号/换行切句，保留句内文本
// splitSentences breaks text on sentence punctuation and newlines.
func splitSentences(content string) []string {
	var sentences []string
	var b strings.Builder
	flush := func() {
		s := strings.TrimSpace(b.String())
		if s != "" {
			sentences = append(sentences, s)
		}
		b.Reset()
	}
	for _, r := range content {
		b.WriteRune(r)
		switch r {
		case '.', '!', '?', '\n', '。', '！', '？':
			flush()
		}
	}
	flush()
	return sentences
}

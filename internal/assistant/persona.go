package assistant

import (
	"sort"
	"strings"
)

// Persona 人格预设：用风格维度而不是脚本化台词描述语气
// Persona is a named preset of style dimensions (0-100 scale). Dimensions
// describe tone and approach; they never script exact phrases.
type Persona struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Dimensions  map[string]int `json:"dimensions"`
}

// 维度低于 lowBar 触发 low 语气指令，高于 highBar 触发 high 指令
// A dimension below lowBar emits its low directive, above highBar the
// high one; the middle band stays silent.
const (
	lowBar  = 35
	highBar = 65
)

var presets = []Persona{
	{
		ID: "default", Name: "Default Assistant",
		Description: "Balanced, helpful, professional",
		Dimensions: map[string]int{
			"formality": 40, "enthusiasm": 50, "directness": 70, "verbosity": 60,
			"supportiveness": 50, "playfulness": 30, "technicality": 70, "assertiveness": 60,
		},
	},
	{
		ID: "coding_buddy", Name: "Coding Buddy",
		Description: "Direct, technical, efficient",
		Dimensions: map[string]int{
			"formality": 30, "enthusiasm": 40, "directness": 90, "verbosity": 50,
			"supportiveness": 40, "playfulness": 20, "technicality": 95, "assertiveness": 80,
		},
	},
	{
		ID: "teacher", Name: "Patient Teacher",
		Description: "Thorough, encouraging, explanatory",
		Dimensions: map[string]int{
			"formality": 50, "enthusiasm": 70, "directness": 50, "verbosity": 80,
			"supportiveness": 85, "playfulness": 40, "technicality": 60, "assertiveness": 50,
		},
	},
	{
		ID: "researcher", Name: "Research Assistant",
		Description: "Analytical, precise, comprehensive",
		Dimensions: map[string]int{
			"formality": 70, "enthusiasm": 30, "directness": 80, "verbosity": 85,
			"supportiveness": 30, "playfulness": 10, "technicality": 90, "assertiveness": 70,
		},
	},
	{
		ID: "creative", Name: "Creative Partner",
		Description: "Imaginative, expressive, enthusiastic",
		Dimensions: map[string]int{
			"formality": 20, "enthusiasm": 85, "directness": 40, "verbosity": 70,
			"supportiveness": 75, "playfulness": 80, "technicality": 40, "assertiveness": 50,
		},
	},
	{
		ID: "consultant", Name: "Professional Consultant",
		Description: "Strategic, authoritative, results-focused",
		Dimensions: map[string]int{
			"formality": 80, "enthusiasm": 40, "directness": 85, "verbosity": 60,
			"supportiveness": 45, "playfulness": 15, "technicality": 75, "assertiveness": 90,
		},
	},
	{
		ID: "friend", Name: "Casual Friend",
		Description: "Relaxed, supportive, conversational",
		Dimensions: map[string]int{
			"formality": 15, "enthusiasm": 65, "directness": 60, "verbosity": 55,
			"supportiveness": 80, "playfulness": 70, "technicality": 50, "assertiveness": 45,
		},
	},
}

// Presets 返回全部内置人格 / Presets lists the built-in personas.
func Presets() []Persona {
	out := make([]Persona, len(presets))
	copy(out, presets)
	return out
}

// PresetByID 按 id 查找预设；未知 id 返回 default
// PresetByID looks up a preset; unknown ids fall back to default.
func PresetByID(id string) Persona {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, p := range presets {
		if p.ID == id {
			return p
		}
	}
	return presets[0]
}

// 每个维度的低/高语气指令 / per-dimension low/high tone directives.
var styleDirectives = map[string][2]string{
	"formality":      {"Communicate in a casual, conversational manner", "Maintain a professional and formal tone"},
	"directness":     {"Be diplomatic and consider multiple perspectives", "Be direct and get straight to the point"},
	"verbosity":      {"Keep responses concise and brief", "Provide thorough and detailed explanations"},
	"technicality":   {"Explain concepts in simple, accessible terms", "Use technical language and dive into details"},
	"supportiveness": {"", "Be encouraging and empathetic"},
	"playfulness":    {"Stay focused and serious", "Feel free to be witty and use humor when appropriate"},
	"assertiveness":  {"Offer suggestions tentatively and ask for feedback", "Be confident and decisive in your responses"},
	"enthusiasm":     {"Maintain a calm and measured demeanor", "Show genuine interest and energy in discussions"},
}

// SystemPrompt 由维度组合出系统提示；只描述语气与方式，不含固定台词
// SystemPrompt composes the system prompt from the dimensions, plus any
// custom instructions. Tone and approach only, never canned phrases.
func (p Persona) SystemPrompt(customInstructions string) string {
	parts := []string{"You are an AI assistant."}

	// 维度按名称排序以保证提示稳定 / sort for a stable prompt
	names := make([]string, 0, len(styleDirectives))
	for name := range styleDirectives {
		names = append(names, name)
	}
	sort.Strings(names)

	var style []string
	for _, name := range names {
		value, ok := p.Dimensions[name]
		if !ok {
			continue
		}
		directives := styleDirectives[name]
		switch {
		case value < lowBar && directives[0] != "":
			style = append(style, directives[0])
		case value > highBar && directives[1] != "":
			style = append(style, directives[1])
		}
	}
	if len(style) > 0 {
		parts = append(parts, "Communication style: "+strings.Join(style, ". ")+".")
	}

	if custom := strings.TrimSpace(customInstructions); custom != "" {
		parts = append(parts, "Additional guidance: "+custom)
	}

	parts = append(parts, "Respond naturally and authentically. Never use canned phrases or templated responses.")
	return strings.Join(parts, "\n\n")
}

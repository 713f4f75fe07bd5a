package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type ProviderConfig struct {
	BaseURL   string   `json:"base_url"`
	Model     string   `json:"model"`
	Models    []string `json:"models"`
	APIKey    string   `json:"api_key"`
	TimeoutMS int      `json:"timeout_ms"`
}

type BudgetConfig struct {
	WindowCapacity    int     `json:"window_capacity"`
	SystemReserve     int     `json:"system_reserve"`
	ResponseReserve   int     `json:"response_reserve"`
	WarnThreshold     float64 `json:"warn_threshold"`
	CriticalThreshold float64 `json:"critical_threshold"`
}

type CompressionConfig struct {
	Auto             bool `json:"auto"`
	HotTail          int  `json:"hot_tail"`
	MaxSummaryTokens int  `json:"max_summary_tokens"`
}

type PersonaConfig struct {
	Preset             string `json:"preset"`
	CustomInstructions string `json:"custom_instructions"`
}

type ChatConfig struct {
	AutoSaveInterval int `json:"auto_save_interval"`
}

type KnowledgeConfig struct {
	MaxBodyBytes int `json:"max_body_bytes"`
}

type WebConfig struct {
	TimeoutMS        int    `json:"timeout_ms"`
	UserAgent        string `json:"user_agent"`
	MaxResults       int    `json:"max_results"`
	MaxContentLength int    `json:"max_content_length"`
}

type StorageConfig struct {
	BaseDir string `json:"base_dir"`
}

type Config struct {
	Provider    ProviderConfig    `json:"provider"`
	Budget      BudgetConfig      `json:"budget"`
	Compression CompressionConfig `json:"compression"`
	Persona     PersonaConfig     `json:"persona"`
	Chat        ChatConfig        `json:"chat"`
	Knowledge   KnowledgeConfig   `json:"knowledge"`
	Web         WebConfig         `json:"web"`
	Storage     StorageConfig     `json:"storage"`
}

type fileBudgetConfig struct {
	WindowCapacity    *int     `json:"window_capacity"`
	SystemReserve     *int     `json:"system_reserve"`
	ResponseReserve   *int     `json:"response_reserve"`
	WarnThreshold     *float64 `json:"warn_threshold"`
	CriticalThreshold *float64 `json:"critical_threshold"`
}

type fileCompressionConfig struct {
	Auto             *bool `json:"auto"`
	HotTail          *int  `json:"hot_tail"`
	MaxSummaryTokens *int  `json:"max_summary_tokens"`
}

type fileChatConfig struct {
	AutoSaveInterval *int `json:"auto_save_interval"`
}

type fileConfig struct {
	Provider    *ProviderConfig        `json:"provider"`
	Budget      *fileBudgetConfig      `json:"budget"`
	Compression *fileCompressionConfig `json:"compression"`
	Persona     *PersonaConfig         `json:"persona"`
	Chat        *fileChatConfig        `json:"chat"`
	Knowledge   *KnowledgeConfig       `json:"knowledge"`
	Web         *WebConfig             `json:"web"`
	Storage     *StorageConfig         `json:"storage"`
}

func Default() Config {
	return Config{
		Provider: ProviderConfig{
			BaseURL:   "https://dashscope.aliyuncs.com/compatible-mode/v1",
			Model:     "qwen-plus",
			Models:    []string{"qwen-plus"},
			TimeoutMS: 120000,
		},
		Budget: BudgetConfig{
			WindowCapacity:    4096,
			SystemReserve:     512,
			ResponseReserve:   512,
			WarnThreshold:     0.80,
			CriticalThreshold: 0.90,
		},
		Compression: CompressionConfig{
			Auto:             true,
			HotTail:          12,
			MaxSummaryTokens: 512,
		},
		Persona: PersonaConfig{
			Preset: "default",
		},
		Chat: ChatConfig{
			AutoSaveInterval: 5,
		},
		Knowledge: KnowledgeConfig{
			MaxBodyBytes: 50 * 1024,
		},
		Web: WebConfig{
			TimeoutMS:        15000,
			MaxResults:       5,
			MaxContentLength: 8000,
		},
		Storage: StorageConfig{
			BaseDir: "~/.companion",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	for _, globalPath := range globalConfigPaths() {
		if err := mergeFromFile(&cfg, globalPath); err != nil {
			return Config{}, err
		}
	}

	resolvedPath := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("COMPANION_CONFIG_PATH")); envPath != "" {
		resolvedPath = envPath
	}
	if resolvedPath == "" {
		resolvedPath = findProjectConfigPath()
	}
	if err := mergeFromFile(&cfg, resolvedPath); err != nil {
		return Config{}, err
	}

	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return applyEnv(cfg)
}

func globalConfigPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	current := filepath.Join(home, ".companion", "config.json")
	return []string{current}
}

func findProjectConfigPath() string {
	candidates := []string{
		"companion.config.json",
		".companion/config.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func mergeFromFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	resolved, err := expandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", resolved, err)
	}

	cleaned := stripJSONComments(data)
	var fileCfg fileConfig
	if err := json.Unmarshal(cleaned, &fileCfg); err != nil {
		return fmt.Errorf("parse config %q: %w", resolved, err)
	}
	applyFileConfig(cfg, fileCfg)
	return nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Provider != nil {
		cfg.Provider = mergeProvider(cfg.Provider, *fc.Provider)
	}
	if fc.Budget != nil {
		if fc.Budget.WindowCapacity != nil {
			cfg.Budget.WindowCapacity = *fc.Budget.WindowCapacity
		}
		if fc.Budget.SystemReserve != nil {
			cfg.Budget.SystemReserve = *fc.Budget.SystemReserve
		}
		if fc.Budget.ResponseReserve != nil {
			cfg.Budget.ResponseReserve = *fc.Budget.ResponseReserve
		}
		if fc.Budget.WarnThreshold != nil {
			cfg.Budget.WarnThreshold = *fc.Budget.WarnThreshold
		}
		if fc.Budget.CriticalThreshold != nil {
			cfg.Budget.CriticalThreshold = *fc.Budget.CriticalThreshold
		}
	}
	if fc.Compression != nil {
		if fc.Compression.Auto != nil {
			cfg.Compression.Auto = *fc.Compression.Auto
		}
		if fc.Compression.HotTail != nil {
			cfg.Compression.HotTail = *fc.Compression.HotTail
		}
		if fc.Compression.MaxSummaryTokens != nil {
			cfg.Compression.MaxSummaryTokens = *fc.Compression.MaxSummaryTokens
		}
	}
	if fc.Persona != nil {
		if strings.TrimSpace(fc.Persona.Preset) != "" {
			cfg.Persona.Preset = fc.Persona.Preset
		}
		if strings.TrimSpace(fc.Persona.CustomInstructions) != "" {
			cfg.Persona.CustomInstructions = fc.Persona.CustomInstructions
		}
	}
	if fc.Chat != nil {
		if fc.Chat.AutoSaveInterval != nil {
			cfg.Chat.AutoSaveInterval = *fc.Chat.AutoSaveInterval
		}
	}
	if fc.Knowledge != nil {
		if fc.Knowledge.MaxBodyBytes > 0 {
			cfg.Knowledge.MaxBodyBytes = fc.Knowledge.MaxBodyBytes
		}
	}
	if fc.Web != nil {
		cfg.Web = mergeWeb(cfg.Web, *fc.Web)
	}
	if fc.Storage != nil {
		if strings.TrimSpace(fc.Storage.BaseDir) != "" {
			cfg.Storage.BaseDir = fc.Storage.BaseDir
		}
	}
}

func mergeProvider(base ProviderConfig, override ProviderConfig) ProviderConfig {
	if strings.TrimSpace(override.BaseURL) != "" {
		base.BaseURL = override.BaseURL
	}
	if strings.TrimSpace(override.Model) != "" {
		base.Model = override.Model
	}
	if strings.TrimSpace(override.APIKey) != "" {
		base.APIKey = override.APIKey
	}
	if len(override.Models) > 0 {
		base.Models = append([]string(nil), override.Models...)
	}
	if override.TimeoutMS > 0 {
		base.TimeoutMS = override.TimeoutMS
	}
	return base
}

func mergeWeb(base WebConfig, override WebConfig) WebConfig {
	if override.TimeoutMS > 0 {
		base.TimeoutMS = override.TimeoutMS
	}
	if strings.TrimSpace(override.UserAgent) != "" {
		base.UserAgent = override.UserAgent
	}
	if override.MaxResults > 0 {
		base.MaxResults = override.MaxResults
	}
	if override.MaxContentLength > 0 {
		base.MaxContentLength = override.MaxContentLength
	}
	return base
}

func normalize(cfg *Config) error {
	def := Default()

	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = def.Provider.BaseURL
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = def.Provider.Model
	}
	if cfg.Provider.TimeoutMS <= 0 {
		cfg.Provider.TimeoutMS = def.Provider.TimeoutMS
	}
	cfg.Provider.Models = normalizeModelList(cfg.Provider.Models)
	if len(cfg.Provider.Models) == 0 {
		cfg.Provider.Models = append(cfg.Provider.Models, cfg.Provider.Model)
	}
	if !containsString(cfg.Provider.Models, cfg.Provider.Model) {
		cfg.Provider.Models = append([]string{cfg.Provider.Model}, cfg.Provider.Models...)
		cfg.Provider.Models = normalizeModelList(cfg.Provider.Models)
	}

	if cfg.Budget.WindowCapacity <= 0 {
		cfg.Budget.WindowCapacity = def.Budget.WindowCapacity
	}
	if cfg.Budget.SystemReserve <= 0 {
		cfg.Budget.SystemReserve = def.Budget.SystemReserve
	}
	if cfg.Budget.ResponseReserve <= 0 {
		cfg.Budget.ResponseReserve = def.Budget.ResponseReserve
	}
	if cfg.Budget.WarnThreshold <= 0 || cfg.Budget.WarnThreshold >= 1 {
		cfg.Budget.WarnThreshold = def.Budget.WarnThreshold
	}
	if cfg.Budget.CriticalThreshold <= 0 || cfg.Budget.CriticalThreshold >= 1 {
		cfg.Budget.CriticalThreshold = def.Budget.CriticalThreshold
	}
	if cfg.Budget.WarnThreshold >= cfg.Budget.CriticalThreshold {
		cfg.Budget.WarnThreshold = def.Budget.WarnThreshold
		cfg.Budget.CriticalThreshold = def.Budget.CriticalThreshold
	}
	// 两块预留必须给窗口留出余量，否则回退默认预算。
	// The reserves must leave headroom in the window; otherwise fall back
	// to the default budget.
	if cfg.Budget.SystemReserve+cfg.Budget.ResponseReserve >= cfg.Budget.WindowCapacity {
		cfg.Budget = def.Budget
	}

	if cfg.Compression.HotTail <= 0 {
		cfg.Compression.HotTail = def.Compression.HotTail
	}
	if cfg.Compression.MaxSummaryTokens <= 0 {
		cfg.Compression.MaxSummaryTokens = def.Compression.MaxSummaryTokens
	}

	if strings.TrimSpace(cfg.Persona.Preset) == "" {
		cfg.Persona.Preset = def.Persona.Preset
	}
	cfg.Persona.CustomInstructions = strings.TrimSpace(cfg.Persona.CustomInstructions)

	if cfg.Chat.AutoSaveInterval <= 0 {
		cfg.Chat.AutoSaveInterval = def.Chat.AutoSaveInterval
	}
	if cfg.Knowledge.MaxBodyBytes <= 0 {
		cfg.Knowledge.MaxBodyBytes = def.Knowledge.MaxBodyBytes
	}

	if cfg.Web.TimeoutMS <= 0 {
		cfg.Web.TimeoutMS = def.Web.TimeoutMS
	}
	if cfg.Web.MaxResults <= 0 {
		cfg.Web.MaxResults = def.Web.MaxResults
	}
	if cfg.Web.MaxContentLength <= 0 {
		cfg.Web.MaxContentLength = def.Web.MaxContentLength
	}

	storageDir, err := expandPath(cfg.Storage.BaseDir)
	if err != nil {
		return err
	}
	if storageDir == "" {
		storageDir, err = expandPath(def.Storage.BaseDir)
		if err != nil {
			return err
		}
	}
	cfg.Storage.BaseDir = storageDir

	return nil
}

func applyEnv(cfg Config) (Config, error) {
	if v := strings.TrimSpace(os.Getenv("COMPANION_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("COMPANION_MODEL")); v != "" {
		cfg.Provider.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("COMPANION_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	} else if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	} else if v := strings.TrimSpace(os.Getenv("DASHSCOPE_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("COMPANION_WINDOW_CAPACITY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid COMPANION_WINDOW_CAPACITY: %q", v)
		}
		cfg.Budget.WindowCapacity = n
	}
	if v := strings.TrimSpace(os.Getenv("COMPANION_PERSONA")); v != "" {
		cfg.Persona.Preset = v
	}
	if v := strings.TrimSpace(os.Getenv("COMPANION_DATA_DIR")); v != "" {
		cfg.Storage.BaseDir = v
	}

	return cfg, normalize(&cfg)
}

func normalizeModelList(models []string) []string {
	out := make([]string, 0, len(models))
	seen := map[string]struct{}{}
	for _, m := range models {
		trimmed := strings.TrimSpace(m)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func containsString(items []string, needle string) bool {
	for _, item := range items {
		if item == needle {
			return true
		}
	}
	return false
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return filepath.Abs(path)
}

func stripJSONComments(data []byte) []byte {
	const (
		stateNormal = iota
		stateString
		stateLineComment
		stateBlockComment
	)

	state := stateNormal
	escaped := false
	out := bytes.Buffer{}

	for i := 0; i < len(data); i++ {
		c := data[i]
		next := byte(0)
		if i+1 < len(data) {
			next = data[i+1]
		}

		switch state {
		case stateNormal:
			if c == '"' {
				state = stateString
				out.WriteByte(c)
				continue
			}
			if c == '/' && next == '/' {
				state = stateLineComment
				i++
				continue
			}
			if c == '/' && next == '*' {
				state = stateBlockComment
				i++
				continue
			}
			out.WriteByte(c)
		case stateString:
			out.WriteByte(c)
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				state = stateNormal
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
				out.WriteByte(c)
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateNormal
				i++
			}
		}
	}

	return out.Bytes()
}

// writeProjectValue 更新项目配置（./.companion/config.json）中的一个嵌套键；
// 目录不存在则创建。
// writeProjectValue updates one nested key in the project config
// (./.companion/config.json); creates the directory if needed.
func writeProjectValue(projectDir, section, key string, value any) error {
	dir := filepath.Join(strings.TrimSpace(projectDir), ".companion")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir .companion: %w", err)
	}
	path := filepath.Join(dir, "config.json")
	var root map[string]any
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &root); err != nil {
			root = nil
		}
	}
	if root == nil {
		root = make(map[string]any)
	}
	sectionMap, _ := root[section].(map[string]any)
	if sectionMap == nil {
		sectionMap = make(map[string]any)
	}
	sectionMap[key] = value
	root[section] = sectionMap
	data, err = json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// WriteProviderModel 将 provider.model 写入项目配置
// WriteProviderModel persists provider.model to the project config.
func WriteProviderModel(projectDir, model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("model is empty")
	}
	return writeProjectValue(projectDir, "provider", "model", model)
}

// WritePersonaPreset 将 persona.preset 写入项目配置
// WritePersonaPreset persists persona.preset to the project config.
func WritePersonaPreset(projectDir, preset string) error {
	preset = strings.TrimSpace(preset)
	if preset == "" {
		return errors.New("preset is empty")
	}
	return writeProjectValue(projectDir, "persona", "preset", preset)
}

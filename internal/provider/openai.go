package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"companion/internal/chat"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient 使用 go-openai SDK 的 Client 实现，兼容任何 OpenAI 风格服务端
// OpenAIClient implements Client against any OpenAI-compatible endpoint,
// using the go-openai SDK with a hand-rolled SSE path for servers the SDK
// mishandles.
type OpenAIClient struct {
	client     *openai.Client
	httpClient *http.Client
	model      string
	cfg        OpenAIConfig
	mu         sync.RWMutex
}

// OpenAIConfig SDK client 配置
// OpenAIConfig is the SDK client configuration
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	TimeoutMS  int
	MaxRetries int
}

// NewOpenAIClient 创建基于 SDK 的 client
// NewOpenAIClient creates an SDK-based client
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := &http.Client{}
	if cfg.TimeoutMS > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	config.HTTPClient = httpClient

	client := openai.NewClientWithConfig(config)
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &OpenAIClient{
		client:     client,
		httpClient: httpClient,
		model:      cfg.Model,
		cfg:        cfg,
	}
}

func (p *OpenAIClient) Name() string {
	return "openai"
}

func (p *OpenAIClient) CurrentModel() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *OpenAIClient) SetModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("model is empty")
	}
	p.mu.Lock()
	p.model = model
	p.mu.Unlock()
	return nil
}

func (p *OpenAIClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	models := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, ModelInfo{
			ID:      m.ID,
			OwnedBy: m.OwnedBy,
		})
	}
	return models, nil
}

func (p *OpenAIClient) Generate(ctx context.Context, req Request, cb *StreamCallbacks) (Response, error) {
	model := req.Model
	if model == "" {
		model = p.CurrentModel()
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(150*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := p.generateStreamCompat(ctx, compatRequest{
			Model:       model,
			Messages:    wireMessages(req.Messages),
			Stream:      true,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		}, cb)
		// 兼容实现失败时，回退到 SDK 实现
		// Fallback to SDK stream if compat stream fails.
		if err != nil {
			sdkResp, sdkErr := p.generateStreamSDK(ctx, buildSDKRequest(model, req), cb)
			if sdkErr == nil {
				return sdkResp, nil
			}
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// 不可重试的错误 / Non-retryable errors
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Response{}, err
		}
		if attempt >= p.cfg.MaxRetries {
			break
		}
	}
	return Response{}, fmt.Errorf("generate failed after %d retries: %w", p.cfg.MaxRetries, lastErr)
}

// Summarize 用固定指令 + 待摘要文本发起一次有界补全
// Summarize runs one bounded completion: the instruction as the system
// message, the text to condense as the user message.
func (p *OpenAIClient) Summarize(ctx context.Context, instruction, text string, maxTokens int) (string, error) {
	resp, err := p.Generate(ctx, Request{
		Messages: []chat.Turn{
			{Role: chat.RoleSystem, Content: instruction},
			{Role: chat.RoleUser, Content: text},
		},
		MaxTokens: maxTokens,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("summarize: empty response")
	}
	return summary, nil
}

// --- OpenAI-compatible streaming (compat) ---

type compatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type compatRequest struct {
	Model       string          `json:"model"`
	Messages    []compatMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

// wireMessages 只保留角色和内容；时间戳和成本不入线
// wireMessages keeps role and content only; timestamps and costs never
// hit the wire.
func wireMessages(turns []chat.Turn) []compatMessage {
	out := make([]compatMessage, 0, len(turns))
	for _, m := range turns {
		out = append(out, compatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

type compatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

func (p *OpenAIClient) generateStreamCompat(ctx context.Context, req compatRequest, cb *StreamCallbacks) (Response, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(p.cfg.BaseURL), "/")
	if baseURL == "" {
		return Response{}, fmt.Errorf("base_url is empty")
	}
	if req.Model == "" {
		req.Model = p.CurrentModel()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(p.cfg.APIKey) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(p.cfg.APIKey))
	}

	client := p.httpClient
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return Response{}, fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var (
		contentBuilder strings.Builder
		finishReason   string
		usage          Usage
	)

	// SSE: each line begins with "data: {json}" or "data: [DONE]"
	scanner := bufio.NewScanner(resp.Body)
	// Increase buffer for long JSON lines.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 8*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk compatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Some servers may interleave non-JSON lines; ignore parse errors cautiously.
			continue
		}

		for _, choice := range chunk.Choices {
			if choice.FinishReason != nil && strings.TrimSpace(*choice.FinishReason) != "" {
				finishReason = strings.TrimSpace(*choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				contentBuilder.WriteString(choice.Delta.Content)
				if cb != nil && cb.OnTextChunk != nil {
					cb.OnTextChunk(choice.Delta.Content)
				}
			}
		}

		if chunk.Usage != nil {
			usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
	}
	if err := scanner.Err(); err != nil {
		// If we already have partial content, return what we have.
		if contentBuilder.Len() == 0 {
			return Response{}, fmt.Errorf("stream scan: %w", err)
		}
	}

	if cb != nil && cb.OnUsage != nil {
		cb.OnUsage(usage)
	}

	return Response{
		Content:      contentBuilder.String(),
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}

func buildSDKRequest(model string, req Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	sdkReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.Temperature != nil {
		sdkReq.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		sdkReq.MaxTokens = req.MaxTokens
	}
	return sdkReq
}

func (p *OpenAIClient) generateStreamSDK(ctx context.Context, req openai.ChatCompletionRequest, cb *StreamCallbacks) (Response, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("create stream: %w", err)
	}
	defer stream.Close()

	var (
		contentBuilder strings.Builder
		finishReason   string
		usage          Usage
	)

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// 如果已经收到部分内容，返回已有的而不是报错
			// If we already have partial content, return what we have
			if contentBuilder.Len() > 0 {
				break
			}
			return Response{}, fmt.Errorf("recv stream: %w", err)
		}

		for _, choice := range resp.Choices {
			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				contentBuilder.WriteString(choice.Delta.Content)
				if cb != nil && cb.OnTextChunk != nil {
					cb.OnTextChunk(choice.Delta.Content)
				}
			}
		}

		// Usage (部分 provider 在最后一个 chunk 中返回)
		// Usage (some providers return it in the last chunk)
		if resp.Usage != nil {
			usage = Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
	}

	if cb != nil && cb.OnUsage != nil {
		cb.OnUsage(usage)
	}

	return Response{
		Content:      contentBuilder.String(),
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}

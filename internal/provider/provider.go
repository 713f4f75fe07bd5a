package provider

import (
	"context"
	"errors"
	"net"

	"companion/internal/chat"
)

// Request 封装一次模型请求
// Request wraps a single model call
type Request struct {
	Model       string
	Messages    []chat.Turn
	Temperature *float64
	MaxTokens   int
}

// StreamCallbacks 流式响应的回调集
// StreamCallbacks is the callback set for streaming responses
type StreamCallbacks struct {
	OnTextChunk func(chunk string)
	OnUsage     func(usage Usage)
}

// Usage token 用量统计；PromptTokens 会回流给 Token Accountant 做校准
// Usage reports token consumption. PromptTokens feeds back into the
// token accountant for calibration.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response 完整响应
// Response is the complete response
type Response struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// ModelInfo 模型基本信息
// ModelInfo describes a model
type ModelInfo struct {
	ID      string
	OwnedBy string
}

// Client 推理服务接口，面向未来多 provider 扩展
// Client is the inference service interface, designed for future
// multi-provider extensibility
type Client interface {
	// Generate 发送请求并返回响应（支持流式回调）
	// Generate sends a request and returns a response (supports streaming callbacks)
	Generate(ctx context.Context, req Request, cb *StreamCallbacks) (Response, error)

	// Summarize 对一段文本做有界摘要（非流式）
	// Summarize produces a bounded summary of the given text (non-streaming)
	Summarize(ctx context.Context, instruction, text string, maxTokens int) (string, error)

	// ListModels 列出可用模型
	// ListModels lists available models
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Name 返回 provider 名称
	// Name returns the provider name
	Name() string

	// CurrentModel 返回当前活跃模型
	// CurrentModel returns the current active model
	CurrentModel() string

	// SetModel 切换活跃模型
	// SetModel switches the active model
	SetModel(model string) error
}

// IsTimeout 判断错误是否为超时类（可区别于服务端拒绝）
// IsTimeout reports whether an error is timeout-flavored, as opposed to a
// server-side rejection.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

package adapters

import "context"

// 外部协作者的窄契约。核心只消费它们的输出（作为消息内容），
// 不关心其内部实现。
// Narrow contracts for external collaborators. The core only consumes
// their output as turn content; internals are out of scope.

// SearchResult 一条搜索结果 / SearchResult is one search hit.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// Searcher 网络搜索 / Searcher performs a web search.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// Fetcher 抓取网页正文 / Fetcher retrieves readable page text.
type Fetcher interface {
	Fetch(ctx context.Context, url string, maxLength int) (string, error)
}

// Transcriber 语音转文字 / Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Synthesizer 文字转语音 / Synthesizer converts text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice string) ([]byte, error)
}

// ScreenReader 屏幕捕获为文本描述 / ScreenReader captures the screen as text.
type ScreenReader interface {
	Capture(ctx context.Context) (string, error)
}

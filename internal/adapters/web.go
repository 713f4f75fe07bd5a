package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// WebClient 基于 net/http 的 Searcher/Fetcher 实现。
// 搜索走 DuckDuckGo Lite 的 HTML 页面，无需 API key。
// WebClient implements Searcher and Fetcher on net/http. Search scrapes
// the DuckDuckGo Lite HTML page, which needs no API key.
type WebClient struct {
	httpClient *http.Client
	userAgent  string
	searchBase string
}

// WebConfig 网络适配器配置 / WebConfig configures the web adapter.
type WebConfig struct {
	TimeoutMS int
	UserAgent string
	// SearchBase 覆盖搜索端点，测试用 / overrides the search endpoint (tests).
	SearchBase string
}

// DefaultMaxContentLength 抓取正文的默认截断长度
// DefaultMaxContentLength is the default fetch truncation size.
const DefaultMaxContentLength = 8000

// NewWebClient 创建网络适配器 / NewWebClient builds the web adapter.
func NewWebClient(cfg WebConfig) *WebClient {
	timeout := 15 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0 (compatible; companion/1.0)"
	}
	base := cfg.SearchBase
	if base == "" {
		base = "https://lite.duckduckgo.com/lite/"
	}
	return &WebClient{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  ua,
		searchBase: base,
	}
}

var (
	resultLinkRe    = regexp.MustCompile(`(?s)<a[^>]+class="result-link"[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	resultSnippetRe = regexp.MustCompile(`(?s)<td[^>]+class="result-snippet"[^>]*>(.*?)</td>`)
	tagRe           = regexp.MustCompile(`(?s)<[^>]*>`)
	dropBlockRe     = regexp.MustCompile(`(?s)<(script|style|nav|footer|header|aside)[^>]*>.*?</(script|style|nav|footer|header|aside)>`)
)

// Search 抓取 DuckDuckGo Lite 结果页并解析标题/链接/摘要
// Search scrapes the DuckDuckGo Lite results page for title/url/snippet
// triples.
func (w *WebClient) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	endpoint := w.searchBase + "?q=" + url.QueryEscape(query)
	body, err := w.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}

	links := resultLinkRe.FindAllStringSubmatch(body, -1)
	snippets := resultSnippetRe.FindAllStringSubmatch(body, -1)

	var results []SearchResult
	for i, link := range links {
		if len(results) >= maxResults {
			break
		}
		title := cleanText(link[2])
		href := strings.TrimSpace(link[1])
		if title == "" || href == "" {
			continue
		}
		r := SearchResult{Title: title, URL: href}
		if i < len(snippets) {
			r.Snippet = cleanText(snippets[i][1])
		}
		results = append(results, r)
	}
	return results, nil
}

// Fetch 抓取网页并抽取可读文本：剥离脚本/样式/导航块，去标签，
// 压缩空白，超长截断。
// Fetch retrieves a page and extracts readable text: strips
// script/style/nav blocks, removes tags, collapses whitespace, and
// truncates at maxLength.
func (w *WebClient) Fetch(ctx context.Context, pageURL string, maxLength int) (string, error) {
	pageURL = strings.TrimSpace(pageURL)
	if pageURL == "" {
		return "", fmt.Errorf("empty url")
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxContentLength
	}

	body, err := w.get(ctx, pageURL)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", pageURL, err)
	}

	text := ExtractText(body)
	if len(text) > maxLength {
		// 截断点退回到 rune 边界，避免切开多字节字符
		// back the cut up to a rune boundary so multi-byte characters
		// are never split
		cut := maxLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "\n\n[Content truncated...]"
	}
	return text, nil
}

func (w *WebClient) get(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", w.userAgent)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("http status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(data), nil
}

// ExtractText 把 HTML 转为按行整理的纯文本
// ExtractText turns HTML into line-trimmed plain text.
func ExtractText(html string) string {
	html = dropBlockRe.ReplaceAllString(html, " ")
	text := tagRe.ReplaceAllString(html, "\n")
	text = decodeEntities(text)

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func cleanText(s string) string {
	return strings.TrimSpace(decodeEntities(tagRe.ReplaceAllString(s, " ")))
}

func decodeEntities(s string) string {
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	return replacer.Replace(s)
}
